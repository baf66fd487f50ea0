package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SessionData identifies one proxy session. The token authenticates proxied
// traffic for that session; both values become invalid after teardown.
type SessionData struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type Artefact struct {
	Metadata ArtefactMetadata `json:"metadata"`
}

type ArtefactMetadata struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Report is the artefact report produced by the fetch-service when a session
// is torn down. It lists everything observed passing through the proxy during
// the session, in order.
type Report struct {
	Artefacts []Artefact `json:"artefacts"`
}

// APIError is the single failure type for all control API calls: non-2xx
// responses, transport-level failures and malformed response bodies all map
// to it. Status is zero when no HTTP response was received.
type APIError struct {
	Verb   string
	Path   string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("fetch-service %s %s: %s", e.Verb, e.Path, e.Detail)
	}
	return fmt.Sprintf("fetch-service %s %s: %d %s", e.Verb, e.Path, e.Status, e.Detail)
}

// Client talks to the fetch-service control API on the local control port.
type Client struct {
	baseURL        string
	username       string
	password       string
	policy         string
	strictTeardown bool
	http           *http.Client
	log            *slog.Logger
}

type Options struct {
	BaseURL  string
	Username string
	Password string
	// Policy is the session policy sent on session creation ("permissive"
	// or "strict").
	Policy string
	// StrictTeardown controls whether failures in the final cleanup steps
	// of a teardown (session delete, resources delete) abort the call or
	// are logged and ignored. The artefact report is already fetched by
	// then, so best-effort mode still returns it.
	StrictTeardown bool
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	return &Client{
		baseURL:        opts.BaseURL,
		username:       opts.Username,
		password:       opts.Password,
		policy:         opts.Policy,
		strictTeardown: opts.StrictTeardown,
		http:           &http.Client{Timeout: 30 * time.Second},
		log:            logger,
	}
}

// Status fetches the service status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// IsOnline reports whether the service answers its status endpoint with a
// well-formed document containing an uptime. Any other outcome, including
// connection failures and malformed bodies, reads as offline.
func (c *Client) IsOnline(ctx context.Context) bool {
	status, err := c.Status(ctx)
	if err != nil {
		return false
	}
	_, ok := status["uptime"]
	return ok
}

// CreateSession opens a new proxy session with the configured policy.
func (c *Client) CreateSession(ctx context.Context) (SessionData, error) {
	var session SessionData
	body := map[string]string{"policy": c.policy}
	if err := c.do(ctx, http.MethodPost, "/session", body, &session); err != nil {
		return SessionData{}, err
	}
	if session.ID == "" || session.Token == "" {
		return SessionData{}, &APIError{
			Verb:   http.MethodPost,
			Path:   "/session",
			Status: http.StatusOK,
			Detail: "response is missing session id or token",
		}
	}
	return session, nil
}

// TeardownSession closes a session and returns its artefact report. The steps
// run in a fixed order: the session token is revoked first so no further
// traffic can be attributed to the session, then the report is fetched, then
// the session object and its buffered resources are released. Failures in the
// first two steps always abort; failures in the last two abort only in strict
// mode.
func (c *Client) TeardownSession(ctx context.Context, session SessionData) (Report, error) {
	revokeBody := map[string]string{"token": session.Token}
	if err := c.do(ctx, http.MethodDelete, "/session/"+session.ID+"/token", revokeBody, nil); err != nil {
		return Report{}, err
	}

	var report Report
	if err := c.do(ctx, http.MethodGet, "/session/"+session.ID, nil, &report); err != nil {
		return Report{}, err
	}

	if err := c.do(ctx, http.MethodDelete, "/session/"+session.ID, nil, nil); err != nil {
		if c.strictTeardown {
			return Report{}, err
		}
		c.log.Warn("session_delete_failed", slog.String("session_id", session.ID), slog.String("error", err.Error()))
	}
	if err := c.do(ctx, http.MethodDelete, "/resources/"+session.ID, nil, nil); err != nil {
		if c.strictTeardown {
			return Report{}, err
		}
		c.log.Warn("session_resources_delete_failed", slog.String("session_id", session.ID), slog.String("error", err.Error()))
	}
	return report, nil
}

func (c *Client) do(ctx context.Context, verb, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &APIError{Verb: verb, Path: path, Detail: "encode request body: " + err.Error()}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, verb, c.baseURL+path, reader)
	if err != nil {
		return &APIError{Verb: verb, Path: path, Detail: err.Error()}
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Verb: verb, Path: path, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Verb: verb, Path: path, Status: resp.StatusCode, Detail: summarizeBody(resp.Body)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{Verb: verb, Path: path, Status: resp.StatusCode, Detail: "decode response body: " + err.Error()}
		}
	}
	return nil
}

func summarizeBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(b) == 0 {
		return "(no body)"
	}
	return string(b)
}
