package report

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/payslip-imap/model"
	"github.com/dhcgn/payslip-imap/schedule"
	"github.com/dhcgn/payslip-imap/stats"
)

// Printer renders human readable output for the interactive subcommands.
// It stays quiet unless the log level is "info" so debug output is not
// interleaved with tables.
type Printer struct {
	enabled bool
}

func New(logLevel string) *Printer {
	return &Printer{enabled: logLevel == "info"}
}

// RunSummary prints the tally of a single mailbox run.
func (p *Printer) RunSummary(outcome model.Outcome, summary stats.Summary) {
	if !p.enabled {
		return
	}

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", summary.Duration.Round(time.Millisecond))
	pterm.Info.Printf("Candidates: %d\n", summary.Candidates)
	pterm.Info.Printf("Already processed (skipped): %d\n", summary.Skipped)
	pterm.Info.Printf("PDF attachments: %d\n", summary.Attachments)
	pterm.Info.Printf("Other attachments (ignored): %d\n", summary.Ignored)
	pterm.Info.Printf("Decrypted: %d\n", summary.Decrypted)
	if summary.DryRun > 0 {
		pterm.Info.Printf("Dry-run (not written): %d\n", summary.DryRun)
	}
	pterm.Info.Printf("Failed: %d\n", summary.Failed)
	pterm.Info.Printf("Marked processed: %d\n", summary.Marked)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	switch outcome.Kind {
	case model.ProcessedSome:
		pterm.Success.Printf("Processed %d attachment(s)\n", outcome.Processed)
	case model.TransientError:
		pterm.Warning.Printf("Mailbox unavailable: %v\n", outcome.Err)
	default:
		pterm.Info.Println("Nothing new to process")
	}
}

// Windows prints the next n window starts and the next cycle start.
func (p *Printer) Windows(sched *schedule.Scheduler, now time.Time, n int) error {
	table, err := WindowTable(sched, now, n)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println("Check window " + sched.Window().String())
	pterm.Println(table)
	state := "outside"
	if sched.InsideWindow(now) {
		state = "inside"
	}
	pterm.Info.Printf("Now %s is %s the window\n", now.Format(time.RFC1123), state)
	pterm.Info.Printf("Next cycle starts %s\n", sched.NextCycleStart(now).Format(time.RFC1123))
	return nil
}

// WindowTable renders the upcoming window starts as a table.
func WindowTable(sched *schedule.Scheduler, now time.Time, n int) (string, error) {
	data := pterm.TableData{{"#", "Opens", "In"}}
	for i, start := range sched.Upcoming(now, n) {
		data = append(data, []string{
			fmt.Sprintf("%d", i+1),
			start.Format("Mon 2006-01-02 15:04 MST"),
			start.Sub(now).Round(time.Minute).String(),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}
