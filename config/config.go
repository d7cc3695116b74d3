package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dhcgn/payslip-imap/decrypt"
	"github.com/dhcgn/payslip-imap/processor"
	"github.com/dhcgn/payslip-imap/schedule"
)

const DefaultEnvFile = ".env"

// Environment is the raw process environment as read by env/v6.
type Environment struct {
	IMAPServer         string        `env:"IMAP_SERVER" envDefault:"imap.gmail.com"`
	IMAPPort           int           `env:"IMAP_PORT" envDefault:"993"`
	UseTLS             bool          `env:"IMAP_TLS" envDefault:"true"`
	InsecureSkipVerify bool          `env:"IMAP_INSECURE_SKIP_VERIFY" envDefault:"false"`
	User               string        `env:"GMAIL_USER"`
	AppPassword        string        `env:"GMAIL_APP_PASSWORD"`
	SenderEmail        string        `env:"SENDER_EMAIL"`
	Label              string        `env:"GMAIL_LABEL"`
	ProcessedLabel     string        `env:"GMAIL_PROCESSED_LABEL" envDefault:"Payslips/Processed"`
	PDFPassword        string        `env:"PDF_PASSWORD"`
	TmpDir             string        `env:"TMP_DIR" envDefault:"/tmp/payslips"`
	ConsumeDir         string        `env:"CONSUME_DIR" envDefault:"/consume"`
	Weekdays           []string      `env:"WINDOW_WEEKDAYS" envDefault:"tue,wed,thu" envSeparator:","`
	WindowStart        string        `env:"WINDOW_START" envDefault:"10:00"`
	WindowEnd          string        `env:"WINDOW_END" envDefault:"23:59"`
	CheckInterval      time.Duration `env:"CHECK_INTERVAL" envDefault:"2h"`
	TZ                 string        `env:"TZ"`
	QPDFPath           string        `env:"QPDF_PATH" envDefault:"qpdf"`
	DecryptTimeout     time.Duration `env:"DECRYPT_TIMEOUT" envDefault:"1m"`
	RunPolicy          string        `env:"RUN_POLICY" envDefault:"drain"`
	ExcludeNames       []string      `env:"ATTACHMENT_EXCLUDE" envSeparator:","`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	LogDir             string        `env:"LOG_DIR"`
}

// Config is the validated, immutable configuration. Nothing reads the
// environment after it has been built.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	SenderEmail        string
	Label              string
	ProcessedLabel     string
	PDFPassword        string
	StagingDir         string
	SinkDir            string
	Window             schedule.Window
	CheckInterval      time.Duration
	QPDFPath           string
	DecryptTimeout     time.Duration
	Policy             processor.Policy
	ExcludeNames       []string
	DryRun             bool
	LogLevel           string
	LogDir             string
}

// Overrides are the values the command line may set on top of the environment.
type Overrides struct {
	LogLevel string
	LogDir   string
	DryRun   bool
	// Offline skips the IMAP credential checks, for replaying an mbox file.
	Offline bool
}

// RegisterFlags attaches the operational flags shared by every subcommand.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("env-file", DefaultEnvFile, "Dotenv file loaded before reading the environment")
	flags.String("log-level", "", "Logging level: debug, info, warn, error (overrides LOG_LEVEL)")
	flags.String("log-dir", "", "Directory for log files (overrides LOG_DIR)")
	flags.Bool("dry-run", false, "Find and report attachments without decrypting or marking")
}

// LoadConfig reads the dotenv file, the environment and the flags of cmd.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	return load(cmd, false)
}

// LoadOfflineConfig is LoadConfig without the IMAP credential requirements.
func LoadOfflineConfig(cmd *cobra.Command) (Config, error) {
	return load(cmd, true)
}

// LoadSchedule reads only what is needed to describe the check window.
func LoadSchedule(cmd *cobra.Command) (schedule.Window, time.Duration, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return schedule.Window{}, 0, err
	}
	if err := loadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
		return schedule.Window{}, 0, err
	}

	var raw Environment
	if err := env.Parse(&raw); err != nil {
		return schedule.Window{}, 0, fmt.Errorf("parse environment: %w", err)
	}
	cfg, err := build(raw)
	if err != nil {
		return schedule.Window{}, 0, err
	}
	if err := cfg.Window.Validate(); err != nil {
		return schedule.Window{}, 0, err
	}
	if cfg.CheckInterval <= 0 {
		return schedule.Window{}, 0, fmt.Errorf("CHECK_INTERVAL must be positive")
	}
	return cfg.Window, cfg.CheckInterval, nil
}

func load(cmd *cobra.Command, offline bool) (Config, error) {
	flags := cmd.Flags()

	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}

	if err := loadEnvFile(envFile, flags.Changed("env-file")); err != nil {
		return Config{}, err
	}

	return FromEnvironment(nil, Overrides{LogLevel: logLevel, LogDir: logDir, DryRun: dryRun, Offline: offline})
}

// loadEnvFile seeds the process environment from path. Variables that are
// already set win. A missing default file is fine; a missing file that was
// asked for explicitly is not.
func loadEnvFile(path string, explicit bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// FromEnvironment builds a Config from environ, or from the process
// environment when environ is nil.
func FromEnvironment(environ map[string]string, overrides Overrides) (Config, error) {
	var raw Environment
	if err := env.Parse(&raw, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if overrides.LogLevel != "" {
		raw.LogLevel = overrides.LogLevel
	}
	if overrides.LogDir != "" {
		raw.LogDir = overrides.LogDir
	}

	cfg, err := build(raw)
	if err != nil {
		return Config{}, err
	}
	cfg.DryRun = overrides.DryRun

	if err := validateConfig(cfg, overrides.Offline); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func build(raw Environment) (Config, error) {
	days, err := schedule.ParseWeekdays(raw.Weekdays)
	if err != nil {
		return Config{}, fmt.Errorf("WINDOW_WEEKDAYS: %w", err)
	}
	start, err := schedule.ParseClock(raw.WindowStart)
	if err != nil {
		return Config{}, fmt.Errorf("WINDOW_START: %w", err)
	}
	end, err := schedule.ParseClock(raw.WindowEnd)
	if err != nil {
		return Config{}, fmt.Errorf("WINDOW_END: %w", err)
	}
	loc, err := loadLocation(raw.TZ)
	if err != nil {
		return Config{}, err
	}
	policy, err := processor.ParsePolicy(raw.RunPolicy)
	if err != nil {
		return Config{}, fmt.Errorf("RUN_POLICY: %w", err)
	}

	qpdf := strings.TrimSpace(raw.QPDFPath)
	if qpdf == "" {
		qpdf = decrypt.DefaultBinary
	}

	logLevel := strings.ToLower(strings.TrimSpace(raw.LogLevel))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	return Config{
		IMAPHost:           strings.TrimSpace(raw.IMAPServer),
		IMAPPort:           raw.IMAPPort,
		IMAPUser:           strings.TrimSpace(raw.User),
		IMAPPass:           raw.AppPassword,
		UseTLS:             raw.UseTLS,
		InsecureSkipVerify: raw.InsecureSkipVerify,
		SenderEmail:        strings.TrimSpace(raw.SenderEmail),
		Label:              strings.TrimSpace(raw.Label),
		ProcessedLabel:     strings.TrimSpace(raw.ProcessedLabel),
		PDFPassword:        raw.PDFPassword,
		StagingDir:         cleanPath(raw.TmpDir),
		SinkDir:            cleanPath(raw.ConsumeDir),
		Window: schedule.Window{
			Weekdays: days,
			Start:    start,
			End:      end,
			Location: loc,
		},
		CheckInterval:  raw.CheckInterval,
		QPDFPath:       qpdf,
		DecryptTimeout: raw.DecryptTimeout,
		Policy:         policy,
		ExcludeNames:   raw.ExcludeNames,
		LogLevel:       logLevel,
		LogDir:         strings.TrimSpace(raw.LogDir),
	}, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("TZ: %w", err)
	}
	return loc, nil
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

func validateConfig(cfg Config, offline bool) error {
	if !offline {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("IMAP_SERVER is required")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("IMAP_PORT must be between 1 and 65535")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("GMAIL_USER is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("GMAIL_APP_PASSWORD is required")
		}
	}
	if cfg.SenderEmail == "" {
		return fmt.Errorf("SENDER_EMAIL is required")
	}
	if cfg.Label == "" {
		return fmt.Errorf("GMAIL_LABEL is required")
	}
	if err := validateKeyword(cfg.ProcessedLabel); err != nil {
		return fmt.Errorf("GMAIL_PROCESSED_LABEL: %w", err)
	}
	if cfg.PDFPassword == "" {
		return fmt.Errorf("PDF_PASSWORD is required")
	}
	if cfg.StagingDir == "" || cfg.SinkDir == "" {
		return fmt.Errorf("TMP_DIR and CONSUME_DIR are required")
	}
	if cfg.StagingDir == cfg.SinkDir {
		return fmt.Errorf("TMP_DIR and CONSUME_DIR must differ")
	}
	if err := cfg.Window.Validate(); err != nil {
		return err
	}
	if cfg.CheckInterval <= 0 {
		return fmt.Errorf("CHECK_INTERVAL must be positive")
	}
	if cfg.DecryptTimeout <= 0 {
		return fmt.Errorf("DECRYPT_TIMEOUT must be positive")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	return nil
}

// validateKeyword rejects marker names that cannot be sent as an IMAP
// keyword atom.
func validateKeyword(label string) error {
	if label == "" {
		return fmt.Errorf("must not be empty")
	}
	if strings.HasPrefix(label, `\`) {
		return fmt.Errorf("%q is a system flag", label)
	}
	if i := strings.IndexAny(label, " (){%*\"]\t\r\n"); i >= 0 {
		return fmt.Errorf("%q contains %q", label, label[i])
	}
	return nil
}

// EnsureDirs creates the staging and sink directories.
func EnsureDirs(cfg Config) error {
	if err := os.MkdirAll(cfg.StagingDir, 0o700); err != nil {
		return fmt.Errorf("create TMP_DIR: %w", err)
	}
	if err := os.MkdirAll(cfg.SinkDir, 0o755); err != nil {
		return fmt.Errorf("create CONSUME_DIR: %w", err)
	}
	return nil
}
