// internal/controller/controller.go

// Package controller drives the analyze, batch, consult, apply loop until the
// project is clean or no further progress can be made.
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/phpmend/internal/applier"
	"github.com/xkilldash9x/phpmend/internal/batch"
	"github.com/xkilldash9x/phpmend/internal/diagnostic"
	"github.com/xkilldash9x/phpmend/internal/oracle"
	"github.com/xkilldash9x/phpmend/internal/phpstan"
)

// AnalysisRunner produces a raw analyzer report for the project.
type AnalysisRunner interface {
	RunAnalysis(ctx context.Context, opts phpstan.Options) (string, int, error)
}

// FixApplier writes proposed fixes into the working tree.
type FixApplier interface {
	Apply(fixes []applier.Fix) error
}

// Params tunes a single repair run. Zero values fall back to conservative
// defaults in New.
type Params struct {
	ProjectPath   string
	Analyze       phpstan.Options
	PageSize      int
	MaxIterations int
	BatchDelay    time.Duration
	// MaxErrors, when positive, caps how many diagnostics from each analysis
	// pass are considered for repair.
	MaxErrors int
	DryRun    bool
}

// Stats summarizes what a run did.
type Stats struct {
	RunID                 string                      `json:"run_id"`
	Iterations            int                         `json:"iterations"`
	TotalBatchesProcessed int                         `json:"total_batches_processed"`
	TotalFixesApplied     int                         `json:"total_fixes_applied"`
	InitialErrorCount     int                         `json:"initial_error_count"`
	RemainingErrorCount   int                         `json:"remaining_error_count"`
	// CountsByCategory counts the diagnostics of every batch that had fixes
	// applied, keyed by classification.
	CountsByCategory map[diagnostic.Category]int `json:"counts_by_category"`
	// FixedFiles lists every file a fix was written to, deduplicated, in
	// first-touched order.
	FixedFiles []string `json:"fixed_files,omitempty"`
}

func (s *Stats) recordFixedFile(file string) {
	for _, f := range s.FixedFiles {
		if f == file {
			return
		}
	}
	s.FixedFiles = append(s.FixedFiles, file)
}

// Result is the terminal state of a run. Converged means the analyzer
// reported a clean project; otherwise the run stopped without progress or ran
// out of iterations.
type Result struct {
	Converged bool  `json:"converged"`
	Stats     Stats `json:"stats"`
}

// Controller owns one repair run over a single project.
type Controller struct {
	logger  *zap.Logger
	runner  AnalysisRunner
	parser  *diagnostic.Parser
	oracle  oracle.Client
	applier FixApplier
	params  Params
	limiter *rate.Limiter
}

// New assembles a controller. The limiter spaces oracle batches BatchDelay
// apart; the first batch of a run is never delayed.
func New(logger *zap.Logger, runner AnalysisRunner, parser *diagnostic.Parser, client oracle.Client, fixApplier FixApplier, params Params) *Controller {
	if params.PageSize <= 0 {
		params.PageSize = 3
	}
	if params.MaxIterations <= 0 {
		params.MaxIterations = 10
	}

	limit := rate.Inf
	if params.BatchDelay > 0 {
		limit = rate.Every(params.BatchDelay)
	}

	return &Controller{
		logger:  logger.Named("controller"),
		runner:  runner,
		parser:  parser,
		oracle:  client,
		applier: fixApplier,
		params:  params,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Run executes the repair loop. It returns an error only for fatal
// conditions: an unavailable analyzer, a failed fix application, or a
// cancelled context. Everything else ends in a Result.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	stats := Stats{
		RunID:            uuid.NewString(),
		CountsByCategory: make(map[diagnostic.Category]int),
	}
	c.logger.Info("Starting repair run.",
		zap.String("run_id", stats.RunID),
		zap.String("project", c.params.ProjectPath),
		zap.Int("page_size", c.params.PageSize),
		zap.Int("max_iterations", c.params.MaxIterations))

	for iteration := 1; iteration <= c.params.MaxIterations; iteration++ {
		stats.Iterations = iteration

		output, exitCode, err := c.runner.RunAnalysis(ctx, c.params.Analyze)
		if err != nil {
			return nil, fmt.Errorf("analysis run %d: %w", iteration, err)
		}
		if exitCode == 0 {
			c.logger.Info("Analyzer reports a clean project.", zap.Int("iteration", iteration))
			stats.RemainingErrorCount = 0
			return &Result{Converged: true, Stats: stats}, nil
		}

		diags := c.parser.Parse(output)
		if len(diags) == 0 {
			// Nonzero exit with nothing parseable, typically a config or
			// bootstrap failure printed outside the table format.
			c.logger.Warn("Analyzer failed but produced no recognizable diagnostics.",
				zap.Int("exit_code", exitCode), zap.Int("iteration", iteration))
			stats.RemainingErrorCount = 0
			return &Result{Converged: false, Stats: stats}, nil
		}
		if c.params.MaxErrors > 0 && len(diags) > c.params.MaxErrors {
			c.logger.Info("Capping diagnostics for this pass.",
				zap.Int("parsed", len(diags)), zap.Int("cap", c.params.MaxErrors))
			diags = diags[:c.params.MaxErrors]
		}
		stats.RemainingErrorCount = len(diags)
		if iteration == 1 {
			stats.InitialErrorCount = len(diags)
		}

		c.logger.Info("Analysis pass complete.",
			zap.Int("iteration", iteration),
			zap.Int("diagnostics", len(diags)),
			zap.Int("batches", batch.PageCount(len(diags), c.params.PageSize)))

		if c.params.DryRun {
			c.previewBatches(diags)
			return &Result{Converged: false, Stats: stats}, nil
		}

		applied, err := c.processBatches(ctx, diags, &stats)
		if err != nil {
			return nil, err
		}
		if applied == 0 {
			c.logger.Warn("No fixes were applied this iteration; stopping to avoid looping.",
				zap.Int("iteration", iteration), zap.Int("remaining", len(diags)))
			return &Result{Converged: false, Stats: stats}, nil
		}
	}

	c.logger.Warn("Iteration budget exhausted before convergence.",
		zap.Int("max_iterations", c.params.MaxIterations),
		zap.Int("remaining", stats.RemainingErrorCount))
	return &Result{Converged: false, Stats: stats}, nil
}

// processBatches pages the diagnostics and consults the oracle for each page,
// applying whatever it proposes. Returns the number of fixes applied.
func (c *Controller) processBatches(ctx context.Context, diags []diagnostic.Diagnostic, stats *Stats) (int, error) {
	pages := batch.PageCount(len(diags), c.params.PageSize)
	applied := 0

	for page := 0; page < pages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return applied, err
		}

		b, err := batch.Format(diags, c.params.PageSize, page)
		if err != nil {
			return applied, fmt.Errorf("format batch %d: %w", page, err)
		}

		req := oracle.BatchRequest{
			Type:         oracle.RequestType,
			BatchInfo:    b.Meta,
			Errors:       b.ByFile,
			FileContents: c.readFileContents(b.Files),
			ProjectPath:  c.params.ProjectPath,
		}

		resp, err := c.oracle.SendBatch(ctx, req)
		if err != nil {
			return applied, fmt.Errorf("send batch %d: %w", page, err)
		}
		stats.TotalBatchesProcessed++

		if resp.Status != oracle.StatusSuccess {
			c.logger.Warn("Oracle could not process batch.",
				zap.Int("batch_index", page), zap.String("message", resp.Message))
			continue
		}
		if len(resp.Fixes) == 0 {
			c.logger.Info("Oracle proposed no fixes for batch.", zap.Int("batch_index", page))
			continue
		}

		if err := c.applier.Apply(resp.Fixes); err != nil {
			return applied, fmt.Errorf("apply fixes for batch %d: %w", page, err)
		}
		applied += len(resp.Fixes)
		stats.TotalFixesApplied += len(resp.Fixes)
		for _, fix := range resp.Fixes {
			stats.recordFixedFile(fix.File)
		}
		for _, fileDiags := range b.ByFile {
			for _, d := range fileDiags {
				stats.CountsByCategory[d.Category]++
			}
		}
	}

	return applied, nil
}

// previewBatches logs what would be sent without consulting the oracle.
func (c *Controller) previewBatches(diags []diagnostic.Diagnostic) {
	pages := batch.PageCount(len(diags), c.params.PageSize)
	c.logger.Info("Dry run: no batches will be sent.", zap.Int("batches", pages))
	for page := 0; page < pages; page++ {
		b, err := batch.Format(diags, c.params.PageSize, page)
		if err != nil {
			continue
		}
		wire, err := b.MarshalWire()
		if err != nil {
			continue
		}
		c.logger.Info("Batch preview.",
			zap.Int("batch_index", page),
			zap.Strings("files", b.Files),
			zap.ByteString("payload", wire))
	}
}

// readFileContents loads the current contents of each file in the batch so
// the oracle sees real context. Unreadable files are skipped with a warning;
// the oracle can still reason from the diagnostics alone.
func (c *Controller) readFileContents(files []string) map[string]string {
	contents := make(map[string]string, len(files))
	for _, f := range files {
		path := f
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.params.ProjectPath, f)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("Skipping unreadable file in batch context.", zap.String("file", f), zap.Error(err))
			continue
		}
		contents[f] = string(data)
	}
	return contents
}
