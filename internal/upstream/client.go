// ABOUTME: HTTP client for the vendor assist API
// ABOUTME: Cookie-based token exchange, session creation, streaming chat, and file download

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warren-gateway/internal/store"
)

const (
	defaultBaseURL     = "https://biz-discoveryengine.googleapis.com/v1alpha/locations/global"
	defaultDownloadURL = "https://biz-discoveryengine.googleapis.com/v1alpha"
	defaultTokenURL    = "https://business.gemini.google/auth/getoxsrf"
	defaultOrigin      = "https://business.gemini.google"
	defaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

	// Cookie names the vendor issues during browser login.
	cookieSecureCSes = "__Secure-C_SES"
	cookieHostCOSes  = "__Host-C_OSES"

	// maxErrorBody caps how much of an error response is kept for logs.
	maxErrorBody = 2048
)

// StatusError is a non-200 response from the vendor API. The status code
// feeds failure classification; Body carries a truncated response excerpt.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.Code, e.Body)
}

// Config holds endpoint and timeout settings for the vendor client.
type Config struct {
	BaseURL     string
	DownloadURL string
	TokenURL    string
	Origin      string
	ProxyURL    string

	RequestTimeout time.Duration
	StreamTimeout  time.Duration
}

// Client talks to the vendor assist API on behalf of pooled accounts.
// It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	stream *http.Client
	logger *slog.Logger
}

// NewClient builds a vendor client, applying endpoint defaults and the
// optional egress proxy.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.DownloadURL == "" {
		cfg.DownloadURL = defaultDownloadURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.Origin == "" {
		cfg.Origin = defaultOrigin
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = 5 * time.Minute
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		stream: &http.Client{Transport: transport, Timeout: cfg.StreamTimeout},
		logger: logger.With("component", "upstream"),
	}, nil
}

// IssueToken exchanges an account's login cookies for a short-lived bearer
// token. The response token is opaque to the gateway.
func (c *Client) IssueToken(ctx context.Context, acc *store.Account) (string, error) {
	endpoint := c.cfg.TokenURL
	if acc.Credentials.CSesIdx != "" {
		endpoint += "?csesidx=" + url.QueryEscape(acc.Credentials.CSesIdx)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", c.cfg.Origin)
	req.Header.Set("Referer", c.cfg.Origin+"/")
	req.Header.Set("User-Agent", userAgentFor(acc))
	req.Header.Set("Cookie", fmt.Sprintf("%s=%s; %s=%s",
		cookieSecureCSes, acc.Credentials.SecureCSes,
		cookieHostCOSes, acc.Credentials.HostCOSes))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readStatusError(resp)
	}

	var payload struct {
		Token string `json:"token"`
		JWT   string `json:"jwt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	token := payload.Token
	if token == "" {
		token = payload.JWT
	}
	if token == "" {
		return "", fmt.Errorf("token response carried no token")
	}
	return token, nil
}

// CreateSession opens a new conversation session under the team's config and
// returns the vendor-assigned session name. The local display name is a
// 12-character uuid fragment, matching the vendor widget's convention.
func (c *Client) CreateSession(ctx context.Context, token, teamID string) (string, error) {
	local := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	body := map[string]any{
		"configId":         teamID,
		"additionalParams": map[string]string{"token": "-"},
		"createSessionRequest": map[string]any{
			"session": map[string]string{"name": local, "displayName": local},
		},
	}

	resp, err := c.postJSON(ctx, c.http, c.cfg.BaseURL+"/widgetCreateSession", token, body)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readStatusError(resp)
	}

	var payload struct {
		Session struct {
			Name string `json:"name"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if payload.Session.Name == "" {
		return "", fmt.Errorf("session response carried no name")
	}

	c.logger.Debug("session created", "local_name", local, "session", payload.Session.Name)
	return payload.Session.Name, nil
}

// AssistRequest is one chat submission.
type AssistRequest struct {
	Query        string
	ModelID      string
	FileIDs      []string
	LanguageCode string
	TimeZone     string
}

// toolsSpec selects the vendor tool set for a model id. The image and video
// models enable only their generation tool; everything else gets the full set.
func toolsSpec(modelID string) map[string]any {
	switch modelID {
	case "gemini-image":
		return map[string]any{"imageGenerationSpec": map[string]any{}}
	case "gemini-video":
		return map[string]any{"videoGenerationSpec": map[string]any{}}
	default:
		return map[string]any{
			"webGroundingSpec":    map[string]any{},
			"toolRegistry":        "default_tool_registry",
			"imageGenerationSpec": map[string]any{},
			"videoGenerationSpec": map[string]any{},
		}
	}
}

// StreamAssist submits a chat query and returns the raw response body, a
// concatenated-JSON push stream the caller must close. Non-200 responses are
// drained into a StatusError.
func (c *Client) StreamAssist(ctx context.Context, token, session, teamID string, req AssistRequest) (io.ReadCloser, error) {
	if req.LanguageCode == "" {
		req.LanguageCode = "en-US"
	}
	if req.TimeZone == "" {
		req.TimeZone = "Etc/GMT-8"
	}
	fileIDs := req.FileIDs
	if fileIDs == nil {
		fileIDs = []string{}
	}

	assist := map[string]any{
		"session":              session,
		"query":                map[string]any{"parts": []map[string]string{{"text": req.Query}}},
		"filter":               "",
		"fileIds":              fileIDs,
		"answerGenerationMode": "NORMAL",
		"toolsSpec":            toolsSpec(req.ModelID),
		"languageCode":         req.LanguageCode,
		"userMetadata":         map[string]string{"timeZone": req.TimeZone},
		"assistSkippingMode":   "REQUEST_ASSIST",
	}
	if req.ModelID != "" && req.ModelID != "gemini-image" && req.ModelID != "gemini-video" {
		assist["assistGenerationConfig"] = map[string]string{"modelId": req.ModelID}
	}
	body := map[string]any{
		"configId":            teamID,
		"additionalParams":    map[string]string{"token": "-"},
		"streamAssistRequest": assist,
	}

	resp, err := c.postJSON(ctx, c.stream, c.cfg.BaseURL+"/widgetStreamAssist", token, body)
	if err != nil {
		return nil, fmt.Errorf("assist request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}
	return resp.Body, nil
}

// DownloadFile fetches a generated media file by its id within a session.
// Returns the bytes and the response content type.
func (c *Client) DownloadFile(ctx context.Context, token, session, fileID string) ([]byte, string, error) {
	endpoint := fmt.Sprintf("%s/%s:downloadFile?fileId=%s&alt=media",
		c.cfg.DownloadURL, session, url.QueryEscape(fileID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building download request: %w", err)
	}
	c.setHeaders(req, token)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", readStatusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading file %s: %w", fileID, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) postJSON(ctx context.Context, hc *http.Client, endpoint, token string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, token)
	return hc.Do(req)
}

// setHeaders applies the browser-shaped header set the vendor expects.
func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.cfg.Origin)
	req.Header.Set("Referer", c.cfg.Origin+"/")
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("X-Server-Timeout", "1800")
}

func userAgentFor(acc *store.Account) string {
	if acc.UserAgent != "" {
		return acc.UserAgent
	}
	return defaultUserAgent
}

// readStatusError drains a bounded slice of an error response body.
func readStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
