// ABOUTME: OpenAI-compatible chat completions over the pooled upstream accounts
// ABOUTME: Bounded retry across eligible accounts, SSE and aggregate response modes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warren-gateway/internal/pool"
	"github.com/2389/warren-gateway/internal/stream"
	"github.com/2389/warren-gateway/internal/upstream"
)

const defaultModelID = "gemini-enterprise"

// chatRequest is the subset of the OpenAI chat completions request we honor.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// text extracts the message text. Content arrives either as a plain string
// or as an array of typed parts; only text parts contribute.
func (m chatMessage) text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// capabilityForModel maps a model id to the quota bucket it draws from.
func capabilityForModel(modelID string) string {
	switch modelID {
	case "gemini-image":
		return pool.CapabilityImage
	case "gemini-video":
		return pool.CapabilityVideo
	default:
		return pool.CapabilityText
	}
}

// buildQuery flattens the conversation into a single prompt. Upstream
// sessions are pooled across clients, so per-client history cannot live in
// the session; multi-turn requests carry it inline instead.
func buildQuery(messages []chatMessage) string {
	type turn struct {
		role string
		text string
	}
	var turns []turn
	for _, m := range messages {
		if text := m.text(); text != "" {
			turns = append(turns, turn{role: m.Role, text: text})
		}
	}
	if len(turns) == 0 {
		return ""
	}
	if len(turns) == 1 {
		return turns[0].text
	}

	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n\n", t.role, t.text)
	}
	b.WriteString("assistant:")
	return b.String()
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	query := buildQuery(req.Messages)
	if query == "" {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "messages must contain text")
		return
	}
	if req.Model == "" {
		req.Model = defaultModelID
	}

	capability := capabilityForModel(req.Model)
	assist := upstream.AssistRequest{Query: query, ModelID: req.Model}

	chatID := "chatcmpl-" + uuid.NewString()
	created := g.clock().Unix()

	// One attempt per account that was eligible when the request arrived.
	// Accounts that come off cooldown mid-request wait for the next one.
	attempts := g.pool.EligibleCount(capability)
	for i := 0; i < attempts; i++ {
		acc, err := g.pool.Select(capability)
		if err != nil {
			break
		}

		body, token, session, err := g.openStream(r.Context(), acc.ID, acc.TeamID, capability, assist)
		if err != nil {
			g.logger.Warn("chat attempt failed",
				"account_id", acc.ID,
				"model", req.Model,
				"error", err,
			)
			continue
		}

		deltas := g.translator.Translate(r.Context(), body, token, session)
		if req.Stream {
			g.streamCompletion(w, r, chatID, created, req.Model, acc.ID, capability, deltas)
		} else {
			g.aggregateCompletion(w, r, chatID, created, req.Model, acc.ID, capability, deltas)
		}
		return
	}

	g.writeNoCapacity(w, capability)
}

// openStream runs the token, session, and stream handshake for one account,
// reporting any classified failure back to the pool.
func (g *Gateway) openStream(ctx context.Context, accountID, teamID, capability string, assist upstream.AssistRequest) (io.ReadCloser, string, string, error) {
	token, err := g.pool.EnsureToken(ctx, accountID)
	if err != nil {
		g.reportFailure(ctx, accountID, capability, err)
		return nil, "", "", fmt.Errorf("ensuring token: %w", err)
	}

	session, err := g.pool.EnsureSession(ctx, accountID)
	if err != nil {
		g.reportFailure(ctx, accountID, capability, err)
		return nil, "", "", fmt.Errorf("ensuring session: %w", err)
	}

	body, err := g.upstream.StreamAssist(ctx, token.Value, session.Name, teamID, assist)
	if err != nil {
		g.reportFailure(ctx, accountID, capability, err)
		return nil, "", "", fmt.Errorf("starting stream: %w", err)
	}
	return body, token.Value, session.Name, nil
}

// reportFailure classifies an attempt error and places the account or
// capability into cooldown.
func (g *Gateway) reportFailure(ctx context.Context, accountID, capability string, err error) {
	class := pool.ClassUpstreamError
	detail := err.Error()

	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		class = pool.ClassifyStatus(statusErr.Code)
		detail = statusErr.Body
	}

	if reportErr := g.pool.ReportFailure(ctx, accountID, capability, class, detail); reportErr != nil {
		g.logger.Error("recording failure", "account_id", accountID, "error", reportErr)
	}
}

// reportStreamFailure handles errors surfaced mid-stream. A malformed reply
// says nothing about the account's health, so protocol errors bypass the
// cooldown machine; everything else is classified like a handshake failure.
func (g *Gateway) reportStreamFailure(ctx context.Context, accountID, capability string, err error) {
	if errors.Is(err, stream.ErrUpstreamProtocol) {
		g.logger.Warn("upstream reply unusable", "account_id", accountID, "error", err)
		return
	}
	g.reportFailure(ctx, accountID, capability, err)
}

// streamCompletion relays translated deltas as OpenAI SSE chunks.
func (g *Gateway) streamCompletion(w http.ResponseWriter, r *http.Request, chatID string, created int64, model, accountID, capability string, deltas <-chan stream.Delta) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.aggregateCompletion(w, r, chatID, created, model, accountID, capability, deltas)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	wrote := false
	writeChunk := func(choice chunkChoice) {
		chunk := chatChunk{
			ID:      chatID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chunkChoice{choice},
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		wrote = true
	}

	for delta := range deltas {
		switch {
		case delta.Err != nil:
			g.reportStreamFailure(r.Context(), accountID, capability, delta.Err)
			if !wrote {
				writeOpenAIError(w, http.StatusBadGateway, "upstream_error", "upstream returned a malformed stream")
				return
			}
			// Mid-stream breakage: the client already has partial
			// output, so terminate without the [DONE] sentinel.
			g.logger.Warn("stream broke mid-response", "account_id", accountID, "error", delta.Err)
			return

		case delta.Done:
			finish := "stop"
			writeChunk(chunkChoice{FinishReason: &finish})
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			if err := g.pool.ReportSuccess(r.Context(), accountID); err != nil {
				g.logger.Error("recording success", "account_id", accountID, "error", err)
			}
			return

		case delta.Role != "":
			writeChunk(chunkChoice{Delta: chunkDelta{Role: delta.Role}})

		case delta.Text != "":
			writeChunk(chunkChoice{Delta: chunkDelta{Content: delta.Text}})

		case delta.MediaURL != "":
			writeChunk(chunkChoice{Delta: chunkDelta{Content: "\n" + delta.MediaURL + "\n"}})
		}
	}

	// Channel closed without Done or Err: the client went away.
}

// aggregateCompletion drains the stream and answers with one completion
// object.
func (g *Gateway) aggregateCompletion(w http.ResponseWriter, r *http.Request, chatID string, created int64, model, accountID, capability string, deltas <-chan stream.Delta) {
	var content strings.Builder
	done := false

	for delta := range deltas {
		switch {
		case delta.Err != nil:
			g.reportStreamFailure(r.Context(), accountID, capability, delta.Err)
			writeOpenAIError(w, http.StatusBadGateway, "upstream_error", "upstream returned a malformed stream")
			return
		case delta.Done:
			done = true
		case delta.Text != "":
			content.WriteString(delta.Text)
		case delta.MediaURL != "":
			content.WriteString("\n" + delta.MediaURL + "\n")
		}
	}
	if !done {
		writeOpenAIError(w, http.StatusBadGateway, "upstream_error", "upstream closed the stream early")
		return
	}

	if err := g.pool.ReportSuccess(r.Context(), accountID); err != nil {
		g.logger.Error("recording success", "account_id", accountID, "error", err)
	}

	writeJSON(w, http.StatusOK, chatCompletion{
		ID:      chatID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: "assistant", Content: content.String()},
			FinishReason: "stop",
		}},
	})
}

// writeNoCapacity answers a request no eligible account could serve. The
// soonest cooldown expiry, when known, lands in Retry-After and the body.
func (g *Gateway) writeNoCapacity(w http.ResponseWriter, capability string) {
	// A read-only query: selecting here would advance the rotation cursor
	// past an account no request is going to use.
	retryAt := g.pool.RetryAfter(capability)

	body := map[string]any{
		"error": map[string]any{
			"message": "all accounts are cooling down or failed",
			"type":    "service_unavailable",
		},
	}
	if !retryAt.IsZero() {
		body["error"].(map[string]any)["retry_at"] = retryAt.UTC().Format(time.RFC3339)
		if secs := int(time.Until(retryAt).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, body)
}
