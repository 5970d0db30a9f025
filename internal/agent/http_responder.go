package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutorly/session-broker/internal/issuer"
)

const (
	systemPrompt     = "You are a patient, encouraging tutor. Answer conversationally in a few sentences."
	maxResponseBytes = 1 << 20
	credentialHeader = "X-Session-Credential"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type HTTPResponderConfig struct {
	URL          string
	APIKey       string
	Model        string
	Timeout      time.Duration
	CharsPerUnit int
}

// HTTPResponder calls an OpenAI-compatible chat completions endpoint. Each
// call is authorised with a fresh completion credential scoped to the session.
type HTTPResponder struct {
	client *http.Client
	issuer issuer.TokenIssuer
	cfg    HTTPResponderConfig
}

func NewHTTPResponder(tokenIssuer issuer.TokenIssuer, cfg HTTPResponderConfig) *HTTPResponder {
	return &HTTPResponder{
		client: &http.Client{Timeout: cfg.Timeout},
		issuer: tokenIssuer,
		cfg:    cfg,
	}
}

func (r *HTTPResponder) Respond(ctx context.Context, req Request) (*Reply, error) {
	cred, err := r.issuer.IssueCompletionCredential(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("issue completion credential: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: req.Transcript},
		},
		User: req.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(credentialHeader, cred.Token)
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		log.Error().
			Err(err).
			Str("sessionId", req.SessionID).
			Dur("elapsed", elapsed).
			Msg("completion request error")
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().
			Str("sessionId", req.SessionID).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("completion request failed")
		return nil, fmt.Errorf("completion failed with status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	reply := &Reply{Text: text, Units: EstimateUnits(text, r.cfg.CharsPerUnit)}

	log.Debug().
		Str("sessionId", req.SessionID).
		Int64("turn", req.TurnSequence).
		Int64("units", reply.Units).
		Dur("elapsed", elapsed).
		Msg("completion received")

	return reply, nil
}
