package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"Rigger/internal/fleet"
)

// Job is one queued CI job as the platform reports it.
type Job struct {
	ID           int64    `json:"id"`
	Repo         string   `json:"repo"`
	Kind         string   `json:"kind"`
	Labels       []string `json:"labels"`
	AntiAffinity []string `json:"anti_affinity,omitempty"`
}

// RunnerPresence is the platform's view of one registered runner. This is
// the heartbeat source of truth: a runner absent from (or offline in) the
// roster has missed a beat.
type RunnerPresence struct {
	Name   string `json:"name"`
	Online bool   `json:"online"`
	Busy   bool   `json:"busy"`
}

// API is the slice of the CI platform the control loops consume.
type API interface {
	IssueCredential(ctx context.Context, repo, runnerName string, labels []string) (fleet.Credential, error)
	QueuedJobs(ctx context.Context, repo string) ([]Job, error)
	ListRunners(ctx context.Context, repo string) ([]RunnerPresence, error)
	RemoveRunner(ctx context.Context, repo, name string) error
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "platform"),
	}
}

// IssueCredential requests a fresh registration credential for the named
// runner. The platform returns the secret and its expiry; issue time is
// recorded client-side.
func (c *Client) IssueCredential(ctx context.Context, repo, runnerName string, labels []string) (fleet.Credential, error) {
	body, _ := json.Marshal(map[string]any{
		"runner_name": runnerName,
		"labels":      labels,
	})

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/runners/registration-token", repo), bytes.NewReader(body), &resp)
	if err != nil {
		return fleet.Credential{}, err
	}

	return fleet.Credential{
		Value:     resp.Token,
		IssuedAt:  time.Now(),
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

// QueuedJobs returns the repository's queued jobs.
func (c *Client) QueuedJobs(ctx context.Context, repo string) ([]Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	q := url.Values{"status": {"queued"}}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/jobs?%s", repo, q.Encode()), nil, &resp)
	if err != nil {
		return nil, err
	}
	for i := range resp.Jobs {
		resp.Jobs[i].Repo = repo
	}
	return resp.Jobs, nil
}

// ListRunners returns the platform's current runner roster for the repo.
func (c *Client) ListRunners(ctx context.Context, repo string) ([]RunnerPresence, error) {
	var resp struct {
		Runners []RunnerPresence `json:"runners"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/runners", repo), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Runners, nil
}

// RemoveRunner deregisters a runner from the platform roster. Removing an
// unknown runner is success; the roster already agrees.
func (c *Client) RemoveRunner(ctx context.Context, repo, name string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/runners/%s", repo, url.PathEscape(name)), nil, nil)
	if err != nil && isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("platform returned %d: %s", e.code, e.body)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == code
}

func (c *Client) do(ctx context.Context, method, path string, body *bytes.Reader, out any) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		reqBody = body
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures retry upstream.
		return fmt.Errorf("%s %s: %v: %w", method, path, err, fleet.ErrTransient)
	}
	defer resp.Body.Close()

	c.logger.Debug("platform request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{code: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&msg) == nil {
			se.body = msg.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", se, fleet.ErrTransient)
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
