package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// PDFPattern matches filenames ending in .pdf regardless of case.
const PDFPattern = `(?i)\.pdf$`

// Options captures the attachment filename rules.
type Options struct {
	IncludeName []string
	ExcludeName []string
}

// Filter holds compiled regex patterns for attachment filenames.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.IncludeName)
	if err != nil {
		return nil, fmt.Errorf("compile include-name pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludeName)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-name pattern: %w", err)
	}
	return &Filter{include: include, exclude: exclude}, nil
}

// PDF returns the filter used for payslip attachments.
func PDF(exclude ...string) (*Filter, error) {
	return New(Options{IncludeName: []string{PDFPattern}, ExcludeName: exclude})
}

// Allows reports whether an attachment with this filename is eligible.
// With no include patterns every name is included; excludes always win.
func (f *Filter) Allows(filename string) bool {
	if filename == "" {
		return false
	}
	if len(f.include) > 0 && !matchAny(f.include, filename) {
		return false
	}
	return !matchAny(f.exclude, filename)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
