package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// Client talks to the forge daemon running inside a sandbox. Both provider
// variants use it for exec and file traffic once the backend has reported
// an address for the sandbox.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a client for the given sandbox handle.
func NewClient(handle *Handle) *Client {
	base := fmt.Sprintf("http://%s:%d", handle.Address, handle.Port)
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type execResponsePayload struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exit_code"`
	DurationMilli int64  `json:"duration_ms"`
}

// Exec runs a command inside the sandbox.
func (c *Client) Exec(ctx context.Context, cmd Command) (*ExecResult, error) {
	var res execResponsePayload
	if err := c.doJSON(ctx, http.MethodPost, "/exec", cmd, &res); err != nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		ExitCode:      res.ExitCode,
		DurationMilli: res.DurationMilli,
	}, nil
}

type fileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
}

// ReadFile reads a file from the sandbox filesystem.
func (c *Client) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	var out fileContent
	if err := c.doJSON(ctx, http.MethodGet, "/files/"+filePath, nil, &out); err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return nil, WrapError(KindProviderUnavailable, "decode file content", err)
	}
	return data, nil
}

// WriteFile writes content to a file in the sandbox filesystem.
func (c *Client) WriteFile(ctx context.Context, filePath string, data []byte) error {
	in := fileContent{Path: filePath, Content: base64.StdEncoding.EncodeToString(data)}
	return c.doJSON(ctx, http.MethodPost, "/files/"+filePath, in, nil)
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// doJSON sends a JSON request and decodes a JSON response (if out is
// non-nil). HTTP failures are normalized into the taxonomy here so the
// daemon wire format never leaks upward.
func (c *Client) doJSON(ctx context.Context, method, p string, in any, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return WrapError(KindConfigurationInvalid, "parse daemon url", err)
	}
	// p is a raw slash-separated path; URL.String encodes it per segment,
	// so nested file paths keep their separators on the wire.
	u.Path = path.Join(u.Path, p)

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return WrapError(KindProviderUnavailable, "marshal request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return WrapError(KindProviderUnavailable, "new request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Normalize(err, "sandbox daemon request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		msg := fmt.Sprintf("sandbox daemon: status=%d body=%s", resp.StatusCode, string(b))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return NewError(KindNotFound, msg)
		case http.StatusTooManyRequests, http.StatusInsufficientStorage:
			return NewError(KindResourceExhausted, msg)
		default:
			return NewError(KindProviderUnavailable, msg)
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return WrapError(KindProviderUnavailable, "decode response", err)
	}
	return nil
}
