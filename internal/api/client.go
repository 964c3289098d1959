package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
)

// StatusError is a non successful answer of the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code: %d, message: %s", e.StatusCode, e.Message)
}

// Client talks to a running `wallrelay serve`.
type Client struct {
	baseURL *url.URL
	client  *http.Client
}

func NewClient(serverURL string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://localhost:3001`")
	}

	return &Client{
		baseURL: parsedURL,
		client:  &http.Client{},
	}, nil
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

func (c *Client) url(path string) string {
	u := *c.baseURL
	u.Path = path
	return u.String()
}

// Download asks the server to launch a job.
func (c *Client) Download(ctx context.Context, videoURL, outputDir string) (DownloadResponse, error) {
	raw, err := json.Marshal(DownloadRequest{URL: videoURL, OutputDir: outputDir})
	if err != nil {
		return DownloadResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/download"), bytes.NewReader(raw))
	if err != nil {
		return DownloadResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var created DownloadResponse
	if err := c.do(req, http.StatusAccepted, &created); err != nil {
		return DownloadResponse{}, err
	}
	if created.JobID == "" {
		return DownloadResponse{}, errors.New("received unexpected body")
	}
	slog.DebugContext(ctx, "download accepted",
		slog.String("job_id", created.JobID),
		slog.Int("pid", created.ProcessID))
	return created, nil
}

// Job fetches the current state of a job.
func (c *Client) Job(ctx context.Context, id string) (model.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/jobs/"+url.PathEscape(id)), nil)
	if err != nil {
		return model.Job{}, err
	}
	var job model.Job
	err = c.do(req, http.StatusOK, &job)
	return job, err
}

// Cancel asks the server to stop a running job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("/api/jobs/"+url.PathEscape(id)), nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusAccepted, nil)
}

// Log copies the log of a job to w.
func (c *Client) Log(ctx context.Context, id string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/jobs/"+url.PathEscape(id)+"/log"), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) do(req *http.Request, expected int, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != expected {
		return decodeError(resp)
	}
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != "application/json" {
		return fmt.Errorf("expected `application/json` content type, got: %s", contentType)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding json response failed: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/json" {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Message}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: "unknown error, body: " + string(respBody)}
}
