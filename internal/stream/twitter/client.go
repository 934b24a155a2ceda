// Package twitter implements the filtered-stream transport and rule API
// against the Twitter v2 endpoints.
package twitter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/credential"
	"github.com/streamwatch/streamwatch/internal/stream"
)

const (
	streamPath = "/2/tweets/search/stream"
	rulesPath  = "/2/tweets/search/stream/rules"

	defaultBaseURL     = "https://api.twitter.com"
	defaultReadTimeout = 30 * time.Second
	defaultAPITimeout  = 15 * time.Second

	// maxLineBytes bounds one wire record; expanded tweets with referenced
	// objects can far exceed bufio's default token size.
	maxLineBytes = 1 << 20
)

// ErrRateLimited marks HTTP 429 responses from the streaming endpoint.
var ErrRateLimited = errors.New("rate limited")

// Config holds the client parameters.
type Config struct {
	// BaseURL points the client at the API host; tests point it at local
	// servers (default https://api.twitter.com).
	BaseURL string
	// ReadTimeout turns a silent stream into a reconnect. The server sends
	// keep-alive lines roughly every 20s, so anything well above that
	// means the connection is dead (default 30s).
	ReadTimeout time.Duration
	// APITimeout bounds each rule-management call (default 15s).
	APITimeout time.Duration
}

// Client talks to the v2 filtered-stream endpoints. It provides both the
// streaming transport and the rule management API.
type Client struct {
	cfg       Config
	api       *http.Client
	streaming *http.Client
	log       *zap.Logger
}

// New builds a Client with defaults applied.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = defaultAPITimeout
	}
	return &Client{
		cfg: cfg,
		api: &http.Client{Timeout: cfg.APITimeout},
		// The streaming client carries no global timeout: a session lives
		// until the read deadline or the context ends it.
		streaming: &http.Client{},
		log:       log,
	}
}

// IncrementalRules reports that rule changes apply to live connections, so
// sessions survive attach and detach.
func (c *Client) IncrementalRules() bool { return true }

// Open starts a streaming session for the credential. Reads are aborted by
// the context or by the read-deadline watchdog.
func (c *Client) Open(ctx context.Context, cred credential.Credential) (stream.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+streamPath, nil)
	if err != nil {
		return nil, fmt.Errorf("new stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Bearer)

	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer closeQuietly(resp.Body, c.log)
		return nil, c.statusError("open stream", resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sess := &streamSession{
		body:    resp.Body,
		scanner: scanner,
		timeout: c.cfg.ReadTimeout,
	}
	sess.watchdog = time.AfterFunc(c.cfg.ReadTimeout, func() {
		closeQuietly(resp.Body, c.log)
	})
	return sess, nil
}

// AddRules pushes rules to the credential's remote set and returns them with
// their assigned IDs. With dryRun the server only validates; nothing is
// created and the returned set may be empty.
func (c *Client) AddRules(
	ctx context.Context,
	cred *credential.Credential,
	add []credential.RemoteRule,
	dryRun bool,
) ([]credential.RemoteRule, error) {
	payload := addRulesRequest{Add: make([]ruleEntry, 0, len(add))}
	for _, rule := range add {
		payload.Add = append(payload.Add, ruleEntry{Value: rule.Text, Tag: rule.Tag})
	}

	url := c.cfg.BaseURL + rulesPath
	if dryRun {
		url += "?dry_run=true"
	}
	var out rulesResponse
	if err := c.doJSON(ctx, cred, http.MethodPost, url, payload, &out); err != nil {
		return nil, fmt.Errorf("add rules: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("add rules: %w", out.Errors.toError())
	}

	rules := make([]credential.RemoteRule, 0, len(out.Data))
	for _, entry := range out.Data {
		rules = append(rules, credential.RemoteRule{ID: entry.ID, Text: entry.Value, Tag: entry.Tag})
	}
	return rules, nil
}

// DeleteRules removes rules from the credential's remote set by ID.
func (c *Client) DeleteRules(ctx context.Context, cred *credential.Credential, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	payload := deleteRulesRequest{Delete: deleteIDs{IDs: ids}}
	var out rulesResponse
	if err := c.doJSON(ctx, cred, http.MethodPost, c.cfg.BaseURL+rulesPath, payload, &out); err != nil {
		return fmt.Errorf("delete rules: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("delete rules: %w", out.Errors.toError())
	}
	return nil
}

// ListRules fetches the credential's current remote rule set.
func (c *Client) ListRules(ctx context.Context, cred *credential.Credential) ([]credential.RemoteRule, error) {
	var out rulesResponse
	if err := c.doJSON(ctx, cred, http.MethodGet, c.cfg.BaseURL+rulesPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("list rules: %w", out.Errors.toError())
	}

	rules := make([]credential.RemoteRule, 0, len(out.Data))
	for _, entry := range out.Data {
		rules = append(rules, credential.RemoteRule{ID: entry.ID, Text: entry.Value, Tag: entry.Tag})
	}
	return rules, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	cred *credential.Credential,
	method, url string,
	payload any,
	out *rulesResponse,
) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Bearer)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer closeQuietly(resp.Body, c.log)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.statusError("rule call", resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLineBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w: %s", op, ErrRateLimited, bytes.TrimSpace(snippet))
	}
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, bytes.TrimSpace(snippet))
}

func closeQuietly(body io.Closer, log *zap.Logger) {
	if err := body.Close(); err != nil && log != nil {
		log.Debug("closing response body", zap.Error(err))
	}
}

// streamSession reads line-delimited records from one streaming response.
// Blank keep-alive lines feed the watchdog and are never surfaced.
type streamSession struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	watchdog *time.Timer
	timeout  time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Next returns the next non-blank line. It blocks until data arrives, the
// watchdog closes the body, or the request context ends.
func (s *streamSession) Next() ([]byte, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("stream read: %w", err)
			}
			return nil, io.EOF
		}
		s.watchdog.Reset(s.timeout)
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
}

// Close aborts the session. Safe to call concurrently with Next.
func (s *streamSession) Close() error {
	s.closeOnce.Do(func() {
		s.watchdog.Stop()
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

type ruleEntry struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

type addRulesRequest struct {
	Add []ruleEntry `json:"add"`
}

type deleteRulesRequest struct {
	Delete deleteIDs `json:"delete"`
}

type deleteIDs struct {
	IDs []string `json:"ids"`
}

type rulesResponse struct {
	Data   []ruleEntry `json:"data"`
	Errors apiErrors   `json:"errors"`
	Meta   *rulesMeta  `json:"meta"`
}

type rulesMeta struct {
	Summary map[string]int `json:"summary"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Value  string `json:"value"`
}

type apiErrors []apiError

func (e apiErrors) toError() error {
	parts := make([]string, 0, len(e))
	for _, apiErr := range e {
		msg := apiErr.Title
		if apiErr.Value != "" {
			msg += " (" + apiErr.Value + ")"
		}
		if msg == "" {
			msg = apiErr.Detail
		}
		parts = append(parts, msg)
	}
	return errors.New(strings.Join(parts, "; "))
}
