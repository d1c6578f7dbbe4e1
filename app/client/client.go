// Package client is the request/response side of the backend API: job detail
// fetches, prompt submission, user registration and session management.
// Failures are returned to callers as-is, retry policy is their concern.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/example/jobsync/app/syncer"
)

// Client talks to the backend over HTTP
type Client struct {
	baseURL string
	http    *http.Client
}

// Session is a chat session grouping jobs
type Session struct {
	SessionID string `json:"sessionid"`
	UserID    string `json:"userid,omitempty"`
	Name      string `json:"name"`
}

// New makes a client for the given base URL, e.g. "http://backend:8000".
// Zero timeout defaults to 10s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// jobPayload is the wire form of a job record, timestamps as strings
type jobPayload struct {
	ID              string  `json:"id"`
	UserID          string  `json:"userid"`
	Status          string  `json:"status"`
	Created         string  `json:"created"`
	Updated         string  `json:"updated"`
	RequestType     string  `json:"request_type"`
	Prompt          string  `json:"prompt"`
	Response        string  `json:"response"`
	Runtime         float64 `json:"runtime"`
	Metadata        string  `json:"metadata"`
	FeedbackComment string  `json:"feedback_comment"`
	FeedbackResult  int     `json:"feedback_result"`
}

func (p jobPayload) toJob() (syncer.Job, error) {
	job := syncer.Job{
		ID:              p.ID,
		UserID:          p.UserID,
		Status:          syncer.Status(p.Status),
		RequestType:     p.RequestType,
		Prompt:          p.Prompt,
		Response:        p.Response,
		Runtime:         p.Runtime,
		Metadata:        p.Metadata,
		FeedbackComment: p.FeedbackComment,
		FeedbackResult:  p.FeedbackResult,
	}
	created, err := syncer.ParseServerTime(p.Created)
	if err != nil {
		return syncer.Job{}, fmt.Errorf("bad created timestamp for job %s: %w", p.ID, err)
	}
	if created != nil {
		job.Created = *created
	}
	updated, err := syncer.ParseServerTime(p.Updated)
	if err != nil {
		return syncer.Job{}, fmt.Errorf("bad updated timestamp for job %s: %w", p.ID, err)
	}
	job.Updated = updated
	return job, nil
}

// JobDetail fetches the full job record, GET /jobs/{userid}/{jobid}
func (c *Client) JobDetail(ctx context.Context, userID, jobID string) (syncer.Job, error) {
	var payload jobPayload
	err := c.getJSON(ctx, fmt.Sprintf("/jobs/%s/%s", url.PathEscape(userID), url.PathEscape(jobID)), &payload)
	if err != nil {
		return syncer.Job{}, fmt.Errorf("failed to fetch job %s: %w", jobID, err)
	}
	return payload.toJob()
}

// SubmitJob posts a new prompt, POST /job
func (c *Client) SubmitJob(ctx context.Context, req syncer.SubmitRequest) error {
	if err := c.postJSON(ctx, "/job", req, nil); err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	return nil
}

// RegisterUser makes sure the user exists server-side, POST /user
func (c *Client) RegisterUser(ctx context.Context, userID, name string) error {
	body := map[string]string{"userid": userID, "name": name}
	if err := c.postJSON(ctx, "/user", body, nil); err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

// Sessions lists the user's sessions, GET /sessions/{userid}
func (c *Client) Sessions(ctx context.Context, userID string) ([]Session, error) {
	var res []Session
	if err := c.getJSON(ctx, "/sessions/"+url.PathEscape(userID), &res); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return res, nil
}

// NewSession creates a fresh session, POST /session/new/{userid}
func (c *Client) NewSession(ctx context.Context, userID string) (Session, error) {
	var res Session
	if err := c.postJSON(ctx, "/session/new/"+url.PathEscape(userID), nil, &res); err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return res, nil
}

// UpdateSession renames a session, POST /session/{userid}/{sessionid}
func (c *Client) UpdateSession(ctx context.Context, userID, sessionID, name string) error {
	body := map[string]string{"name": name}
	path := fmt.Sprintf("/session/%s/%s", url.PathEscape(userID), url.PathEscape(sessionID))
	if err := c.postJSON(ctx, path, body, nil); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var rdr io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, req.URL.Path, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}
