package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"codecollab/internal/models"
)

// HTTPExecutor posts code to a remote execution engine's /api/execute.
type HTTPExecutor struct {
	client  *http.Client
	baseURL string
}

func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPExecutor{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type executeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type executeResponse struct {
	Output   string `json:"output"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
	Error    string `json:"error"`
}

func (h *HTTPExecutor) Run(ctx context.Context, lang models.Language, code string) (models.RunResult, error) {
	if _, err := specFor(lang); err != nil {
		return models.RunResult{}, err
	}
	body, err := json.Marshal(executeRequest{Code: code, Language: string(lang)})
	if err != nil {
		return models.RunResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/execute", bytes.NewReader(body))
	if err != nil {
		return models.RunResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return models.RunResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return models.RunResult{}, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RunResult{}, fmt.Errorf("decode engine response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if out.Error == "" {
			out.Error = resp.Status
		}
		return models.RunResult{}, fmt.Errorf("execution engine: %s", out.Error)
	}
	return models.RunResult{
		Stdout:   out.Output,
		Stderr:   out.Stderr,
		Exit:     out.ExitCode,
		TimedOut: out.TimedOut,
	}, nil
}
