// Package artifact talks to the external artifact store and applies the
// output externalization policy: large inline representations are
// uploaded and replaced with references, on a best-effort basis only.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single upload. Artifact upload happens off the
// hot output path but still blocks its caller, so it never waits longer
// than this.
const DefaultTimeout = 10 * time.Second

// SubmitOptions carries per-upload metadata.
type SubmitOptions struct {
	NotebookID string
	MimeType   string
}

// Client is the HTTP artifact-store collaborator.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient creates a client for the store at endpoint. A zero timeout
// falls back to DefaultTimeout.
func NewClient(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	ArtifactID string `json:"artifactId"`
}

// Submit uploads raw bytes and returns the store-assigned artifact id.
func (c *Client) Submit(ctx context.Context, data []byte, opts SubmitOptions) (string, error) {
	u, err := url.JoinPath(c.endpoint, "artifacts")
	if err != nil {
		return "", fmt.Errorf("artifact submit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("artifact submit: %w", err)
	}
	req.Header.Set("Content-Type", opts.MimeType)
	req.Header.Set("X-Notebook-ID", opts.NotebookID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifact submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("artifact submit: unexpected status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("artifact submit: decode response: %w", err)
	}
	if out.ArtifactID == "" {
		return "", fmt.Errorf("artifact submit: empty artifact id in response")
	}
	return out.ArtifactID, nil
}

// Resolve returns the public URL for an artifact id.
func (c *Client) Resolve(artifactID string) string {
	u, err := url.JoinPath(c.endpoint, "artifacts", artifactID)
	if err != nil {
		return c.endpoint + "/artifacts/" + artifactID
	}
	return u
}
