// internal/phpstan/runner.go
package phpstan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// ErrAnalyzerUnavailable reports that the PHPStan binary could not be
// launched. The controller treats this as a terminal failure of the run.
var ErrAnalyzerUnavailable = errors.New("phpstan binary unavailable")

// Options are the per-invocation analyzer settings. Zero values mean "defer
// to the project's phpstan.neon".
type Options struct {
	Paths      []string
	Level      int
	LevelSet   bool
	ConfigPath string
	Verbose    bool
}

// Runner launches the PHPStan executable and captures its output. It is an
// external collaborator: the report text it returns is opaque here and is
// interpreted by the diagnostic parser.
type Runner struct {
	logger      *zap.Logger
	projectPath string
	binary      string
}

// NewRunner creates a runner for the given project. An empty binary path
// defaults to vendor/bin/phpstan under the project root; a leading ~ is
// expanded.
func NewRunner(logger *zap.Logger, projectPath, binary string) (*Runner, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("project path does not exist: %s", abs)
	}

	if binary == "" {
		binary = filepath.Join(abs, "vendor", "bin", "phpstan")
	} else {
		expanded, err := homedir.Expand(binary)
		if err != nil {
			return nil, fmt.Errorf("expand binary path: %w", err)
		}
		binary = expanded
	}

	return &Runner{
		logger:      logger.Named("phpstan"),
		projectPath: abs,
		binary:      binary,
	}, nil
}

// ProjectPath returns the absolute project root the runner analyzes.
func (r *Runner) ProjectPath() string {
	return r.projectPath
}

// RunAnalysis invokes `phpstan analyse` and returns the combined output and
// the process exit code. Exit code 0 means no diagnostics; a non-zero code
// means the output carries diagnostics mixed with progress noise. A launch
// failure wraps ErrAnalyzerUnavailable.
func (r *Runner) RunAnalysis(ctx context.Context, opts Options) (string, int, error) {
	args := []string{"analyse"}
	if opts.Verbose {
		args = append(args, "-v")
	}
	if opts.LevelSet {
		args = append(args, "--level", strconv.Itoa(opts.Level))
	}
	if opts.ConfigPath != "" {
		args = append(args, "--configuration", opts.ConfigPath)
	}
	args = append(args, opts.Paths...)

	r.logger.Debug("Running analysis.", zap.String("binary", r.binary), zap.Strings("args", args))

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = r.projectPath
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	output := combined.String()
	if err == nil {
		return output, 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Non-zero exit is the normal "diagnostics present" signal.
		return output, exitErr.ExitCode(), nil
	}

	return output, -1, fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
}

// CheckInstallation probes the binary with --version.
func (r *Runner) CheckInstallation(ctx context.Context) bool {
	if _, err := os.Stat(r.binary); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, r.binary, "--version")
	cmd.Dir = r.projectPath
	return cmd.Run() == nil
}
