// Package backend talks to the traffic backend REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trafficwatch-dashboard/internal/data"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

type Client struct {
	baseURL    string
	http       *http.Client
	activeOnly bool
}

func NewClient(baseURL string, timeout time.Duration, activeOnly bool) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: timeout},
		activeOnly: activeOnly,
	}
}

// Cameras fetches the snapshot: every camera with its records, or the single
// camera cameraID when it is set.
func (c *Client) Cameras(ctx context.Context, cameraID string) ([]data.WireCamera, error) {
	if cameraID == "" {
		return c.ListCameras(ctx, c.activeOnly)
	}
	cam, err := c.GetCamera(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	return []data.WireCamera{cam}, nil
}

// ListCameras returns the cameras with their nested records.
func (c *Client) ListCameras(ctx context.Context, active bool) ([]data.WireCamera, error) {
	var out []data.WireCamera
	q := url.Values{"active": {strconv.FormatBool(active)}}
	err := c.do(ctx, http.MethodGet, "/api/v1/cameras?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) GetCamera(ctx context.Context, id string) (data.WireCamera, error) {
	var out data.WireCamera
	err := c.do(ctx, http.MethodGet, "/api/v1/cameras/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListCameraDetails returns camera metadata without records.
func (c *Client) ListCameraDetails(ctx context.Context) ([]data.CameraDetails, error) {
	var out []data.CameraDetails
	err := c.do(ctx, http.MethodGet, "/api/v1/cameras/details", nil, &out)
	return out, err
}

func (c *Client) CreateCamera(ctx context.Context, cam data.NewCamera) (data.CameraDetails, error) {
	var out data.CameraDetails
	err := c.do(ctx, http.MethodPost, "/api/v1/cameras", cam, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, target, err)
	}
	return nil
}
