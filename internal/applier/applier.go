// internal/applier/applier.go
package applier

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Fix is a proposed line-level correction returned by the oracle. Original is
// the expected pre-edit text and is informational only; it is not verified
// against the file before the replacement is written.
type Fix struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Original string `json:"original,omitempty"`
	Fixed    string `json:"fixed"`
}

// Applicator rewrites project files in place according to proposed fixes.
// It assumes a single exclusive writer and takes no backups.
type Applicator struct {
	logger      *zap.Logger
	projectRoot string
}

// NewApplicator creates an applicator rooted at the project directory.
func NewApplicator(logger *zap.Logger, projectRoot string) *Applicator {
	return &Applicator{
		logger:      logger.Named("applier"),
		projectRoot: projectRoot,
	}
}

// Apply applies each fix in list order. A fix that targets a missing file or
// an out-of-range line is recorded as a failure and the remaining fixes are
// still attempted. The returned error is nil only if every fix applied.
func (a *Applicator) Apply(fixes []Fix) error {
	var failures []error

	for _, fix := range fixes {
		if err := a.applyOne(fix); err != nil {
			a.logger.Warn("Fix could not be applied.",
				zap.String("file", fix.File),
				zap.Int("line", fix.Line),
				zap.Error(err))
			failures = append(failures, fmt.Errorf("%s:%d: %w", fix.File, fix.Line, err))
			continue
		}
		a.logger.Debug("Fix applied.", zap.String("file", fix.File), zap.Int("line", fix.Line))
	}

	return errors.Join(failures...)
}

func (a *Applicator) applyOne(fix Fix) error {
	if fix.File == "" {
		return errors.New("fix has no target file")
	}

	path := fix.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.projectRoot, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("target file does not exist: %s", path)
		}
		return fmt.Errorf("stat target file: %w", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read target file: %w", err)
	}

	lines := strings.Split(string(content), "\n")
	idx := fix.Line - 1
	if idx < 0 || idx >= len(lines) {
		return fmt.Errorf("line %d out of range (file has %d lines)", fix.Line, len(lines))
	}

	// Raw substitution: Fixed may itself contain newlines, so one source line
	// can become a multi-line block.
	lines[idx] = fix.Fixed

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write target file: %w", err)
	}
	return nil
}
