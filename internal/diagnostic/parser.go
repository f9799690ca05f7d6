// internal/diagnostic/parser.go
package diagnostic

import (
	"regexp"
	"strconv"
	"strings"
)

// Regex definitions for the PHPStan table output. Each file section is a
// boundary line, a header line naming the file, and another boundary line,
// followed by entry blocks until the next boundary or end of input.
var (
	// Matches the boundary/header/boundary prelude and captures the file name.
	sectionHeaderRegex = regexp.MustCompile(`(?m)^ *------ +-+ *\n +Line +([^\n]+)\n *------ +-+ *\n`)
	// Matches the start of any boundary line; terminates a section body. RE2
	// has no lookahead, so the terminator is located with an explicit search
	// instead of being part of the section pattern.
	sectionBoundaryRegex = regexp.MustCompile(`\n *------ +-`)
	// Matches one entry block: line number and message, optionally followed by
	// a rule-identifier line and a suggestion line.
	entryRegex = regexp.MustCompile(` +(\d+) +([^\n]+)(?:\n +🪪 +([^\n]+))?(?:\n +💡 +([^\n]+))?`)
)

// Parser converts raw PHPStan report text into structured diagnostics. The
// section/entry grammar lives entirely in this file so a report-format change
// only touches the parser.
type Parser struct{}

// NewParser creates a report parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse extracts diagnostics from a raw analyzer report. Diagnostics appear in
// section order, and within a section in entry order, so the result is stable
// across runs on identical input. Unrecognized spans are skipped; a malformed
// section contributes nothing. Parse never fails.
func (p *Parser) Parse(raw string) []Diagnostic {
	var diags []Diagnostic

	headers := sectionHeaderRegex.FindAllStringSubmatchIndex(raw, -1)
	for _, header := range headers {
		file := strings.TrimSpace(raw[header[2]:header[3]])
		if file == "" {
			continue
		}

		body := raw[header[1]:]
		if loc := sectionBoundaryRegex.FindStringIndex(body); loc != nil {
			body = body[:loc[0]]
		}

		for _, entry := range entryRegex.FindAllStringSubmatch(body, -1) {
			line, err := strconv.Atoi(entry[1])
			if err != nil || line < 1 {
				continue
			}
			message := strings.TrimSpace(entry[2])
			code := strings.TrimSpace(entry[3])
			suggestion := strings.TrimSpace(entry[4])

			diags = append(diags, Diagnostic{
				Message:    message,
				File:       file,
				Line:       line,
				Category:   Classify(message, code),
				Code:       code,
				Suggestion: suggestion,
			})
		}
	}

	return diags
}
