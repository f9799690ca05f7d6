// internal/controller/controller_test.go
package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/phpmend/internal/applier"
	"github.com/xkilldash9x/phpmend/internal/diagnostic"
	"github.com/xkilldash9x/phpmend/internal/oracle"
	"github.com/xkilldash9x/phpmend/internal/phpstan"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const reportTwoErrors = ` ------ -------------------------------------------------------------
  Line   src/User.php
 ------ -------------------------------------------------------------
  12     Property User::$name has no type specified.
         🪪 missingType.property
  27     Call to an undefined method User::getEmail().
         🪪 method.notFound
 ------ -------------------------------------------------------------

 [ERROR] Found 2 errors
`

func newTestController(t *testing.T, runner *MockRunner, client *MockOracle, fixApplier *MockApplier, params Params) *Controller {
	t.Helper()
	if params.ProjectPath == "" {
		params.ProjectPath = t.TempDir()
	}
	return New(zaptest.NewLogger(t), runner, diagnostic.NewParser(), client, fixApplier, params)
}

func TestRunConvergesImmediately(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	fixApplier := new(MockApplier)
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return("", 0, nil).Once()

	c := newTestController(t, runner, client, fixApplier, Params{})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Converged)
	assert.Equal(t, 1, result.Stats.Iterations)
	assert.Zero(t, result.Stats.TotalBatchesProcessed)
	client.AssertNotCalled(t, "SendBatch", mock.Anything, mock.Anything)
	runner.AssertExpectations(t)
}

func TestRunStopsWhenOracleProposesNothing(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	fixApplier := new(MockApplier)
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Once()
	client.On("SendBatch", mock.Anything, mock.Anything).
		Return(&oracle.Response{Status: oracle.StatusSuccess, Message: "nothing fixable"}, nil).Once()

	c := newTestController(t, runner, client, fixApplier, Params{PageSize: 3, MaxIterations: 2})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Converged)
	assert.Equal(t, 1, result.Stats.Iterations, "second analysis pass would change nothing")
	assert.Equal(t, 1, result.Stats.TotalBatchesProcessed)
	assert.Zero(t, result.Stats.TotalFixesApplied)
	fixApplier.AssertNotCalled(t, "Apply", mock.Anything)
	runner.AssertExpectations(t)
	client.AssertExpectations(t)
}

func TestRunConvergesAfterFixes(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	fixApplier := new(MockApplier)

	fixes := []applier.Fix{
		{File: "src/User.php", Line: 12, Fixed: "    private string $name;"},
	}
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Once()
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return("", 0, nil).Once()
	client.On("SendBatch", mock.Anything, mock.Anything).
		Return(&oracle.Response{Status: oracle.StatusSuccess, Fixes: fixes}, nil).Once()
	fixApplier.On("Apply", fixes).Return(nil).Once()

	c := newTestController(t, runner, client, fixApplier, Params{PageSize: 3, MaxIterations: 5})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Converged)
	assert.Equal(t, 2, result.Stats.Iterations)
	assert.Equal(t, 1, result.Stats.TotalFixesApplied)
	assert.Equal(t, 2, result.Stats.InitialErrorCount)
	assert.Zero(t, result.Stats.RemainingErrorCount)
	assert.Equal(t, []string{"src/User.php"}, result.Stats.FixedFiles)
	runner.AssertExpectations(t)
	client.AssertExpectations(t)
	fixApplier.AssertExpectations(t)
}

func TestRunIterationBudgetExhausted(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	fixApplier := new(MockApplier)

	fixes := []applier.Fix{{File: "src/User.php", Line: 12, Fixed: "x"}}
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Twice()
	client.On("SendBatch", mock.Anything, mock.Anything).
		Return(&oracle.Response{Status: oracle.StatusSuccess, Fixes: fixes}, nil).Twice()
	fixApplier.On("Apply", fixes).Return(nil).Twice()

	c := newTestController(t, runner, client, fixApplier, Params{PageSize: 3, MaxIterations: 2})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Converged)
	assert.Equal(t, 2, result.Stats.Iterations)
	assert.Equal(t, 2, result.Stats.TotalFixesApplied)
	assert.Equal(t, 2, result.Stats.RemainingErrorCount)
	runner.AssertExpectations(t)
}

func TestRunAnalyzerUnavailableIsFatal(t *testing.T) {
	runner := new(MockRunner)
	runner.On("RunAnalysis", mock.Anything, mock.Anything).
		Return("", -1, phpstan.ErrAnalyzerUnavailable).Once()

	c := newTestController(t, runner, new(MockOracle), new(MockApplier), Params{})
	result, err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, phpstan.ErrAnalyzerUnavailable)
	assert.Nil(t, result)
}

func TestRunApplyFailureIsFatal(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	fixApplier := new(MockApplier)

	fixes := []applier.Fix{{File: "gone.php", Line: 1, Fixed: "x"}}
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Once()
	client.On("SendBatch", mock.Anything, mock.Anything).
		Return(&oracle.Response{Status: oracle.StatusSuccess, Fixes: fixes}, nil).Once()
	fixApplier.On("Apply", fixes).Return(errors.New("target file does not exist")).Once()

	c := newTestController(t, runner, client, fixApplier, Params{PageSize: 3})
	result, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply fixes")
	assert.Nil(t, result)
}

func TestRunOracleErrorStatusContinues(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	fixApplier := new(MockApplier)

	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Once()
	// Page size 1 yields two batches; the first fails soft, the second
	// proposes nothing, so the run stops without applying anything.
	client.On("SendBatch", mock.Anything, mock.Anything).
		Return(&oracle.Response{Status: oracle.StatusError, Message: "credential missing"}, nil).Once()
	client.On("SendBatch", mock.Anything, mock.Anything).
		Return(&oracle.Response{Status: oracle.StatusSuccess}, nil).Once()

	c := newTestController(t, runner, client, fixApplier, Params{PageSize: 1, MaxIterations: 3})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Converged)
	assert.Equal(t, 2, result.Stats.TotalBatchesProcessed)
	fixApplier.AssertNotCalled(t, "Apply", mock.Anything)
	client.AssertExpectations(t)
}

func TestRunDryRunSkipsOracle(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	fixApplier := new(MockApplier)
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Once()

	c := newTestController(t, runner, client, fixApplier, Params{PageSize: 1, MaxIterations: 5, DryRun: true})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Converged)
	assert.Equal(t, 1, result.Stats.Iterations)
	assert.Equal(t, 2, result.Stats.InitialErrorCount)
	client.AssertNotCalled(t, "SendBatch", mock.Anything, mock.Anything)
	fixApplier.AssertNotCalled(t, "Apply", mock.Anything)
}

func TestRunMaxErrorsCapsDiagnostics(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	fixApplier := new(MockApplier)

	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Once()
	client.On("SendBatch", mock.Anything, mock.MatchedBy(func(req oracle.BatchRequest) bool {
		return req.BatchInfo.TotalErrors == 1 && !req.BatchInfo.HasMore
	})).Return(&oracle.Response{Status: oracle.StatusSuccess}, nil).Once()

	c := newTestController(t, runner, client, fixApplier, Params{PageSize: 3, MaxErrors: 1})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Stats.InitialErrorCount)
	client.AssertExpectations(t)
}

func TestRunCategoryCountsTrackAppliedBatches(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	fixApplier := new(MockApplier)

	fixes := []applier.Fix{{File: "src/User.php", Line: 12, Fixed: "    private string $name;"}}
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Once()
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return("", 0, nil).Once()
	client.On("SendBatch", mock.Anything, mock.Anything).
		Return(&oracle.Response{Status: oracle.StatusSuccess, Fixes: fixes}, nil).Once()
	fixApplier.On("Apply", fixes).Return(nil).Once()

	c := newTestController(t, runner, client, fixApplier, Params{PageSize: 5})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	// Both diagnostics rode in the batch that got fixes applied. The message
	// keyword rule outranks the missingType rule identifier for the first one.
	assert.Equal(t, 1, result.Stats.CountsByCategory[diagnostic.CategoryTypeError])
	assert.Equal(t, 1, result.Stats.CountsByCategory[diagnostic.CategoryNotFound])
}

func TestRunCategoryCountsEmptyWithoutAppliedFixes(t *testing.T) {
	runner := new(MockRunner)
	client := new(MockOracle)
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Once()
	client.On("SendBatch", mock.Anything, mock.Anything).
		Return(&oracle.Response{Status: oracle.StatusSuccess}, nil).Once()

	c := newTestController(t, runner, client, new(MockApplier), Params{PageSize: 5})
	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.Stats.CountsByCategory)
}

func TestRunReadsFileContentsForBatch(t *testing.T) {
	projectDir := t.TempDir()
	srcDir := filepath.Join(projectDir, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "User.php"), []byte("<?php\nclass User {}\n"), 0o644))

	runner := new(MockRunner)
	client := new(MockOracle)
	runner.On("RunAnalysis", mock.Anything, mock.Anything).Return(reportTwoErrors, 1, nil).Once()
	client.On("SendBatch", mock.Anything, mock.MatchedBy(func(req oracle.BatchRequest) bool {
		content, ok := req.FileContents["src/User.php"]
		return ok && content == "<?php\nclass User {}\n" && req.ProjectPath == projectDir
	})).Return(&oracle.Response{Status: oracle.StatusSuccess}, nil).Once()

	c := newTestController(t, runner, client, new(MockApplier), Params{ProjectPath: projectDir, PageSize: 5})
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	client.AssertExpectations(t)
}
