// internal/controller/mocks_test.go
package controller

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/phpmend/internal/applier"
	"github.com/xkilldash9x/phpmend/internal/oracle"
	"github.com/xkilldash9x/phpmend/internal/phpstan"
)

// MockRunner mocks the AnalysisRunner interface.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) RunAnalysis(ctx context.Context, opts phpstan.Options) (string, int, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Int(1), args.Error(2)
}

// MockOracle mocks the oracle.Client interface.
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) SendBatch(ctx context.Context, req oracle.BatchRequest) (*oracle.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*oracle.Response)
	return resp, args.Error(1)
}

// MockApplier mocks the FixApplier interface.
type MockApplier struct {
	mock.Mock
}

func (m *MockApplier) Apply(fixes []applier.Fix) error {
	args := m.Called(fixes)
	return args.Error(0)
}
