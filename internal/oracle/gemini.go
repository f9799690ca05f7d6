// internal/oracle/gemini.go
package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phpmend/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Gemini implements Client against the Google Gemini REST API.
type Gemini struct {
	apiKey          string
	endpoint        string
	temperature     float64
	maxRetryElapsed time.Duration
	httpClient      *http.Client
	logger          *zap.Logger
}

// -- Gemini API request/response structures (internal to this file) --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGemini initializes the client. A missing API key is not an error here;
// SendBatch degrades to an error-status response so the run can continue.
func NewGemini(cfg config.OracleConfig, logger *zap.Logger) *Gemini {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	return &Gemini{
		apiKey:          cfg.APIKey,
		endpoint:        endpoint,
		temperature:     cfg.Temperature,
		maxRetryElapsed: cfg.MaxRetryElapsed,
		httpClient:      &http.Client{Timeout: cfg.APITimeout},
		logger:          logger.Named("oracle.gemini"),
	}
}

// SendBatch submits one batch of diagnostics and parses the proposed fixes.
func (g *Gemini) SendBatch(ctx context.Context, req BatchRequest) (*Response, error) {
	if g.apiKey == "" {
		g.logger.Warn("Oracle credential missing, skipping batch.", zap.Int("batch_index", req.BatchInfo.Index))
		return &Response{
			Status:  StatusError,
			Message: "oracle credential missing: set PHPMEND_API_KEY",
		}, nil
	}

	prompt, err := g.constructPrompt(req)
	if err != nil {
		return &Response{Status: StatusError, Message: fmt.Sprintf("construct prompt: %v", err)}, nil
	}

	raw, err := g.generate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("Oracle transport failed; treating batch as unfixable.", zap.Error(err))
		return &Response{Status: StatusError, Message: err.Error()}, nil
	}

	resp, err := g.parseResponse(raw)
	if err != nil {
		g.logger.Error("Failed to parse oracle response.", zap.Error(err), zap.String("raw_response", truncate(raw, 500)))
		return &Response{Status: StatusError, Message: err.Error()}, nil
	}

	g.logger.Info("Oracle responded.",
		zap.Int("batch_index", req.BatchInfo.Index),
		zap.String("status", string(resp.Status)),
		zap.Int("fixes", len(resp.Fixes)))
	return resp, nil
}

func (g *Gemini) getSystemPrompt() string {
	return `You are an expert PHP developer. You receive batches of PHPStan diagnostics together with the full contents of the affected files. For each diagnostic you can resolve, propose a replacement for the offending source line. Keep fixes minimal and idiomatic, preserve the surrounding code style, and never invent changes outside the reported lines. Respond in the required JSON format only.`
}

// constructPrompt renders the batch, its diagnostics and the affected file
// contents into a single instruction for the model.
func (g *Gemini) constructPrompt(req BatchRequest) (string, error) {
	batchJSON, err := json.MarshalIndent(map[string]any{
		"batch":          req.BatchInfo,
		"errors_by_file": req.Errors,
	}, "", "  ")
	if err != nil {
		return "", err
	}

	var files strings.Builder
	paths := make([]string, 0, len(req.FileContents))
	for path := range req.FileContents {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintf(&files, "**File %s:**\n```php\n%s\n```\n\n", path, req.FileContents[path])
	}

	return fmt.Sprintf(`
Fix the following PHPStan diagnostics in project %s.

**Objective:**
1. For each diagnostic, decide whether a single-line replacement can fix it.
2. Produce the complete replacement for that line. The replacement may span
   several lines if the fix needs them.
3. Skip diagnostics you cannot fix confidently; do not guess.

**Diagnostics (batch %d, %d of %d errors in this page):**
%s

%s**Response Format (Strict JSON):**
{
  "status": "success",
  "message": "Short summary of what was fixed or skipped.",
  "fixes": [
    {"file": "relative/path.php", "line": 15, "original": "the current line", "fixed": "the replacement line"}
  ]
}
`, req.ProjectPath, req.BatchInfo.Index, req.BatchInfo.BatchSize, req.BatchInfo.TotalErrors, string(batchJSON), files.String()), nil
}

// generate performs the HTTP exchange with exponential backoff on transient
// failures.
func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	payload := geminiRequestPayload{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		SystemInstruction: &geminiSystemInstruction{
			Parts: []geminiPart{{Text: g.getSystemPrompt()}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      g.temperature,
			ResponseMimeType: "application/json",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = g.maxRetryElapsed
	b.MaxInterval = 30 * time.Second

	var responseContent string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", g.apiKey)

		start := time.Now()
		resp, err := g.httpClient.Do(httpReq)
		if err != nil {
			g.logger.Warn("Network error during oracle request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return g.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload geminiResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(responsePayload.Candidates) == 0 {
			return backoff.Permanent(errors.New("gemini API returned no candidates"))
		}

		candidate := responsePayload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		g.logger.Debug("Oracle generation complete.",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", responsePayload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", responsePayload.UsageMetadata.CandidatesTokenCount))

		responseContent = candidate.Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return responseContent, nil
}

func (g *Gemini) handleAPIError(statusCode int, body []byte) error {
	g.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", truncate(string(body), 500)))
	err := fmt.Errorf("gemini API error: status %d", statusCode)

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient, retry.
	default:
		return backoff.Permanent(err)
	}
}

// parseResponse extracts the structured fix list from the model's JSON
// output, tolerating markdown fences around it.
func (g *Gemini) parseResponse(raw string) (*Response, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var resp Response
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal oracle JSON response: %w", err)
	}

	if resp.Status == "" {
		resp.Status = StatusSuccess
	}
	if resp.Status != StatusSuccess && resp.Status != StatusError {
		return nil, fmt.Errorf("oracle response has unknown status %q", resp.Status)
	}

	// Drop proposals with no usable target; the applicator cannot act on them.
	kept := resp.Fixes[:0]
	for _, fix := range resp.Fixes {
		if fix.File == "" || fix.Line < 1 {
			g.logger.Warn("Discarding malformed fix proposal.", zap.String("file", fix.File), zap.Int("line", fix.Line))
			continue
		}
		kept = append(kept, fix)
	}
	resp.Fixes = kept

	return &resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
