package graduation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPPromoter talks to the shared memory system over its HTTP API.
type HTTPPromoter struct {
	endpoint  string
	authToken string
	client    *http.Client
}

// NewHTTPPromoter builds a promoter for the shared-memory endpoint. A zero
// timeout defaults to 10 seconds.
func NewHTTPPromoter(endpoint, authToken string, timeout time.Duration) *HTTPPromoter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPromoter{
		endpoint:  endpoint,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

type promoteRequest struct {
	Content         string         `json:"content"`
	Context         map[string]any `json:"context,omitempty"`
	TargetSessionID string         `json:"target_session_id,omitempty"`
}

type promoteResponse struct {
	ID string `json:"id"`
}

// PromoteMemory copies one memory into the shared store and returns the
// identifier it was assigned there.
func (p *HTTPPromoter) PromoteMemory(ctx context.Context, content string, contextData map[string]any, targetSessionID string) (string, error) {
	body, err := json.Marshal(promoteRequest{
		Content:         content,
		Context:         contextData,
		TargetSessionID: targetSessionID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal promote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/v1/memories", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build promote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("promote memory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("promote memory: shared store returned %d: %s", resp.StatusCode, snippet)
	}

	var out promoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode promote response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("promote memory: shared store returned no id")
	}
	return out.ID, nil
}

// LogPromoter is the standalone fallback when no shared-memory endpoint is
// configured: it assigns a local id and logs the promotion instead of
// copying anywhere.
type LogPromoter struct {
	Logger *slog.Logger
}

func (p *LogPromoter) PromoteMemory(ctx context.Context, content string, contextData map[string]any, targetSessionID string) (string, error) {
	id := "local-" + uuid.NewString()
	p.Logger.Info("memory promoted locally",
		"promoted_id", id,
		"target_session_id", targetSessionID,
		"content_len", len(content))
	return id, nil
}
