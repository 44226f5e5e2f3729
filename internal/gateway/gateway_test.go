// ABOUTME: End-to-end tests for the gateway HTTP surface against a fake vendor
// ABOUTME: Covers SSE framing, account retry, capacity errors, and the admin API

package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warren-gateway/internal/auth"
	"github.com/2389/warren-gateway/internal/config"
	"github.com/2389/warren-gateway/internal/media"
	"github.com/2389/warren-gateway/internal/pool"
	"github.com/2389/warren-gateway/internal/store"
	"github.com/2389/warren-gateway/internal/stream"
	syncx "github.com/2389/warren-gateway/internal/sync"
	"github.com/2389/warren-gateway/internal/upstream"
)

const testAdminKey = "test-admin-key"

// vendor fakes the upstream assist API. Tokens encode the account's csesidx
// so the assist handler can fail specific accounts.
type vendor struct {
	mu          sync.Mutex
	assistBody  string
	failIdx     map[string]int // csesidx -> assist HTTP status
	assistCalls int
	srv         *httptest.Server
}

func newVendor(t *testing.T, assistBody string) *vendor {
	t.Helper()
	v := &vendor{assistBody: assistBody, failIdx: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/getoxsrf", func(w http.ResponseWriter, r *http.Request) {
		idx := r.URL.Query().Get("csesidx")
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-" + idx})
	})
	mux.HandleFunc("POST /widgetCreateSession", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"session": map[string]string{"name": "projects/x/sessions/s1"},
		})
	})
	mux.HandleFunc("POST /widgetStreamAssist", func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		v.assistCalls++
		idx := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer tok-")
		status := v.failIdx[idx]
		body := v.assistBody
		v.mu.Unlock()

		if status != 0 {
			http.Error(w, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, status)
			return
		}
		fmt.Fprint(w, body)
	})

	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

func (v *vendor) failWith(idx string, status int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failIdx[idx] = status
}

func (v *vendor) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.assistCalls
}

func textFrames() string {
	return `[{"streamAssistResponse":{"sessionInfo":{"session":"projects/x/sessions/s1"},"answer":{"state":"IN_PROGRESS","replies":[{"groundedContent":{"content":{"text":"Hello"}}}]}}},{"streamAssistResponse":{"answer":{"state":"SUCCEEDED","replies":[{"groundedContent":{"content":{"text":" world"}}}]}}}]`
}

func testAccount(id, idx string, created time.Time) *store.Account {
	return &store.Account{
		ID:     id,
		TeamID: "team-1",
		Credentials: store.Credentials{
			SecureCSes: "ses-" + id,
			HostCOSes:  "oses-" + id,
			CSesIdx:    idx,
		},
		Available: true,
		CreatedAt: created,
	}
}

type testEnv struct {
	gw   *Gateway
	pool *pool.Pool
	dir  string
}

func newTestGateway(t *testing.T, vendorURL string, accounts ...*store.Account) *testEnv {
	return newTestGatewayCfg(t, vendorURL, nil, accounts...)
}

func newTestGatewayCfg(t *testing.T, vendorURL string, mutate func(*config.Config), accounts ...*store.Account) *testEnv {
	t.Helper()
	logger := slog.Default()
	ctx := t.Context()

	st := store.NewMockStore()
	for _, acc := range accounts {
		require.NoError(t, st.CreateAccount(ctx, acc))
	}

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:     vendorURL,
		DownloadURL: vendorURL,
		TokenURL:    vendorURL + "/auth/getoxsrf",
	}, logger)
	require.NoError(t, err)

	p, err := pool.New(ctx, st, client, pool.Config{
		AuthCooldown:      15 * time.Minute,
		RateLimitCooldown: 5 * time.Minute,
		GenericCooldown:   2 * time.Minute,
		TokenTTL:          4 * time.Minute,
		SessionMaxAge:     12 * time.Hour,
		SessionMaxUses:    50,
	}, logger)
	require.NoError(t, err)

	dir := t.TempDir()
	cache, err := media.NewFileCache(media.Config{
		ImageDir: filepath.Join(dir, "image"),
		VideoDir: filepath.Join(dir, "video"),
		BaseURL:  "http://media.test",
	}, logger)
	require.NoError(t, err)

	hash, err := auth.HashKey(testAdminKey)
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Auth:   config.AuthConfig{AdminKeyHash: hash},
		Models: []config.ModelConfig{
			{ID: "gemini-enterprise", Name: "Gemini Enterprise"},
			{ID: "gemini-image", Name: "Gemini Image"},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	gw := New(cfg, Deps{
		Pool:       p,
		Upstream:   client,
		Translator: stream.NewTranslator(cache, client, logger),
		Media:      cache,
		Ingest:     syncx.NewIngest("sync-secret", p, logger),
	}, logger)

	return &testEnv{gw: gw, pool: p, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func chatBody(model string, streaming bool, text string) map[string]any {
	return map[string]any{
		"model":  model,
		"stream": streaming,
		"messages": []map[string]any{
			{"role": "user", "content": text},
		},
	}
}

// sseChunks parses an SSE body into its data payloads.
func sseChunks(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			out = append(out, rest)
		}
	}
	return out
}

func TestChatCompletions_Streaming(t *testing.T) {
	v := newVendor(t, textFrames())
	env := newTestGateway(t, v.srv.URL, testAccount("a", "idx-a", time.Now()))

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gemini-enterprise", true, "hi"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	chunks := sseChunks(t, rec.Body.String())
	require.NotEmpty(t, chunks)
	assert.Equal(t, "[DONE]", chunks[len(chunks)-1])

	var role, content string
	var finished bool
	for _, raw := range chunks[:len(chunks)-1] {
		var chunk chatChunk
		require.NoError(t, json.Unmarshal([]byte(raw), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		require.Len(t, chunk.Choices, 1)
		choice := chunk.Choices[0]
		if choice.Delta.Role != "" {
			role = choice.Delta.Role
		}
		content += choice.Delta.Content
		if choice.FinishReason != nil {
			assert.Equal(t, "stop", *choice.FinishReason)
			finished = true
		}
	}
	assert.Equal(t, "assistant", role)
	assert.Equal(t, "Hello world", content)
	assert.True(t, finished, "a finish_reason chunk must precede [DONE]")
}

func TestChatCompletions_Aggregate(t *testing.T) {
	v := newVendor(t, textFrames())
	env := newTestGateway(t, v.srv.URL, testAccount("a", "idx-a", time.Now()))

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gemini-enterprise", false, "hi"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var completion chatCompletion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completion))
	assert.Equal(t, "chat.completion", completion.Object)
	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "assistant", completion.Choices[0].Message.Role)
	assert.Equal(t, "Hello world", completion.Choices[0].Message.Content)
	assert.Equal(t, "stop", completion.Choices[0].FinishReason)
}

func TestChatCompletions_RetriesNextAccount(t *testing.T) {
	v := newVendor(t, textFrames())
	v.failWith("idx-a", http.StatusTooManyRequests)

	base := time.Now()
	env := newTestGateway(t, v.srv.URL,
		testAccount("a", "idx-a", base),
		testAccount("b", "idx-b", base.Add(time.Second)),
	)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gemini-enterprise", false, "hi"), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var completion chatCompletion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completion))
	assert.Equal(t, "Hello world", completion.Choices[0].Message.Content)

	// The rate-limited account cooled down for the text capability only.
	for _, st := range env.pool.Snapshot() {
		if st.ID != "a" {
			continue
		}
		require.Contains(t, st.Capabilities, pool.CapabilityText)
		assert.Equal(t, "cooldown", st.Capabilities[pool.CapabilityText].Status)
	}
}

func TestChatCompletions_AllAccountsExhausted(t *testing.T) {
	v := newVendor(t, textFrames())
	v.failWith("idx-a", http.StatusTooManyRequests)

	env := newTestGateway(t, v.srv.URL, testAccount("a", "idx-a", time.Now()))

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gemini-enterprise", false, "hi"), nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Error struct {
			Type    string `json:"type"`
			RetryAt string `json:"retry_at"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "service_unavailable", body.Error.Type)
	assert.NotEmpty(t, body.Error.RetryAt, "cooldown exhaustion should carry a retry hint")

	// A second request short-circuits without touching the vendor again.
	calls := v.calls()
	rec = env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gemini-enterprise", false, "hi"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, calls, v.calls())
}

func TestChatCompletions_MalformedStream(t *testing.T) {
	v := newVendor(t, `this is not json`)
	env := newTestGateway(t, v.srv.URL, testAccount("a", "idx-a", time.Now()))

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gemini-enterprise", false, "hi"), nil)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "upstream_error", body.Error.Type)

	// An unusable reply says nothing about the account's health: it must
	// not land in cooldown and stays eligible for the next request.
	for _, st := range env.pool.Snapshot() {
		assert.Equal(t, "ok", st.Status)
		for name, cs := range st.Capabilities {
			assert.Equal(t, "ok", cs.Status, "capability %s must not cool down", name)
		}
	}
	_, available := env.pool.Counts(pool.CapabilityText)
	assert.Equal(t, 1, available)
}

func TestChatCompletions_MalformedStreamWhileStreaming(t *testing.T) {
	v := newVendor(t, `this is not json`)
	env := newTestGateway(t, v.srv.URL, testAccount("a", "idx-a", time.Now()))

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gemini-enterprise", true, "hi"), nil)

	// Nothing decoded means nothing was flushed: the client gets a plain
	// 502 instead of a half-open SSE stream.
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "data:")

	_, available := env.pool.Counts(pool.CapabilityText)
	assert.Equal(t, 1, available)
}

func TestChatCompletions_BadRequest(t *testing.T) {
	v := newVendor(t, textFrames())
	env := newTestGateway(t, v.srv.URL, testAccount("a", "idx-a", time.Now()))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{"model": "gemini-enterprise"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletions_InlineMediaServed(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	frames := fmt.Sprintf(`[{"streamAssistResponse":{"answer":{"state":"SUCCEEDED","replies":[{"groundedContent":{"content":{"text":"here","inlineData":{"mimeType":"image/png","data":"%s"}}}}]}}}]`, png)

	v := newVendor(t, frames)
	env := newTestGateway(t, v.srv.URL, testAccount("a", "idx-a", time.Now()))

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gemini-image", false, "draw"), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var completion chatCompletion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completion))
	content := completion.Choices[0].Message.Content
	assert.Contains(t, content, "here")
	require.Contains(t, content, "http://media.test/image/")

	// The materialized file is served back through the media route.
	start := strings.Index(content, "http://media.test/image/")
	name := content[start+len("http://media.test/image/"):]
	if i := strings.IndexAny(name, "\n "); i >= 0 {
		name = name[:i]
	}
	rec = env.do(t, http.MethodGet, "/image/"+name, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
}

func TestChatCompletions_RequiresClientKey(t *testing.T) {
	hash, err := auth.HashKey("client-key-1")
	require.NoError(t, err)

	v := newVendor(t, textFrames())
	env := newTestGatewayCfg(t, v.srv.URL, func(c *config.Config) {
		c.Auth.ClientKeyHashes = []string{hash}
	}, testAccount("a", "idx-a", time.Now()))

	body := chatBody("gemini-enterprise", false, "hi")

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, v.calls(), "unauthenticated requests must not reach the vendor")

	rec = env.do(t, http.MethodPost, "/v1/chat/completions", body, map[string]string{
		"Authorization": "Bearer wrong-key",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/chat/completions", body, map[string]string{
		"Authorization": "Bearer client-key-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The models listing sits behind the same gate.
	rec = env.do(t, http.MethodGet, "/v1/models", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/models", nil, map[string]string{
		"Authorization": "Bearer client-key-1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModels(t *testing.T) {
	v := newVendor(t, textFrames())
	env := newTestGateway(t, v.srv.URL)

	rec := env.do(t, http.MethodGet, "/v1/models", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 2)
	assert.Equal(t, "gemini-enterprise", body.Data[0].ID)
	assert.Equal(t, "gemini-image", body.Data[1].ID)
}

func TestStatus(t *testing.T) {
	v := newVendor(t, textFrames())
	env := newTestGateway(t, v.srv.URL,
		testAccount("a", "idx-a", time.Now()),
		testAccount("b", "idx-b", time.Now().Add(time.Second)),
	)

	rec := env.do(t, http.MethodGet, "/v1/status", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Accounts     []pool.AccountStatus        `json:"accounts"`
		Capabilities map[string]capabilityCounts `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Accounts, 2)
	assert.Equal(t, capabilityCounts{Total: 2, Available: 2}, body.Capabilities[pool.CapabilityText])
}

func TestHealth(t *testing.T) {
	v := newVendor(t, textFrames())
	env := newTestGateway(t, v.srv.URL)

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAdmin_RequiresKey(t *testing.T) {
	v := newVendor(t, textFrames())
	env := newTestGateway(t, v.srv.URL)

	rec := env.do(t, http.MethodGet, "/api/accounts", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/accounts", nil, map[string]string{
		"Authorization": "Bearer wrong-key",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/accounts", nil, map[string]string{
		"Authorization": "Bearer " + testAdminKey,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_AccountLifecycle(t *testing.T) {
	v := newVendor(t, textFrames())
	env := newTestGateway(t, v.srv.URL)
	adminHeader := map[string]string{"Authorization": "Bearer " + testAdminKey}

	create := map[string]any{
		"id":      "acct-new",
		"team_id": "team-9",
		"credentials": map[string]string{
			"secure_c_ses": "ses",
			"host_c_oses":  "oses",
			"csesidx":      "idx",
		},
	}
	rec := env.do(t, http.MethodPost, "/api/accounts", create, adminHeader)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	total, available := env.pool.Counts(pool.CapabilityText)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, available)

	// Missing credentials are refused.
	rec = env.do(t, http.MethodPost, "/api/accounts", map[string]any{"id": "x", "team_id": "t"}, adminHeader)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Disable, then verify it no longer counts as available.
	rec = env.do(t, http.MethodPatch, "/api/accounts/acct-new", map[string]any{"available": false}, adminHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	_, available = env.pool.Counts(pool.CapabilityText)
	assert.Equal(t, 0, available)

	rec = env.do(t, http.MethodDelete, "/api/accounts/acct-new", nil, adminHeader)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/accounts/acct-new", nil, adminHeader)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/accounts/acct-new", map[string]any{"available": true}, adminHeader)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncIngestMounted(t *testing.T) {
	v := newVendor(t, textFrames())
	env := newTestGateway(t, v.srv.URL)

	token, err := auth.NewJWTVerifier([]byte("sync-secret")).Generate("peer-1", time.Minute)
	require.NoError(t, err)

	payload := syncx.Payload{
		AccountID: "acct-pushed",
		Credentials: syncx.PayloadCredentials{
			SecureCSes: "ses-p",
			HostCOSes:  "oses-p",
			CSesIdx:    "idx-p",
		},
		IssuedAt: time.Now(),
	}
	rec := env.do(t, http.MethodPut, "/api/accounts/acct-pushed", payload, map[string]string{
		"Authorization": "Bearer " + token,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	total, _ := env.pool.Counts(pool.CapabilityText)
	assert.Equal(t, 1, total)
}
