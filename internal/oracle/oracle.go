// internal/oracle/oracle.go
package oracle

import (
	"context"

	"github.com/xkilldash9x/phpmend/internal/applier"
	"github.com/xkilldash9x/phpmend/internal/batch"
	"github.com/xkilldash9x/phpmend/internal/diagnostic"
)

// RequestType is the fixed discriminator carried by every batch request.
const RequestType = "mcp_phpstan_errors"

// Status is the outcome marker of an oracle response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// BatchRequest is the structured message submitted to the fix-suggestion
// oracle for one batch of diagnostics.
type BatchRequest struct {
	Type         string                             `json:"type"`
	BatchInfo    batch.Meta                         `json:"batch_info"`
	Errors       map[string][]diagnostic.Diagnostic `json:"errors"`
	FileContents map[string]string                  `json:"file_contents"`
	ProjectPath  string                             `json:"project_path"`
}

// Response is the oracle's answer for one batch. An error status carries an
// explanatory message and no fixes; the run continues without them.
type Response struct {
	Status  Status        `json:"status"`
	Message string        `json:"message"`
	Fixes   []applier.Fix `json:"fixes"`
}

// Client is the capability interface for a fix-suggestion backend. Substitute
// implementations (a different LLM, a canned test double) plug in here without
// touching the parser, formatter, applicator or controller.
type Client interface {
	// SendBatch submits one batch and returns the proposed fixes. Recoverable
	// conditions (missing credential, exhausted transport retries) surface as
	// an error-status Response, not an error; the error return is reserved
	// for context cancellation.
	SendBatch(ctx context.Context, req BatchRequest) (*Response, error)
}
