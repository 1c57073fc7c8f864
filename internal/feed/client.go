package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ServerError marks a 5xx-class response. Callers treat it as a transient
// overload signal and back off rather than failing.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("upstream server error: HTTP %d", e.StatusCode)
}

// Client fetches trip payloads from a hafas-style REST API. It keeps the
// last ETag per trip and reports not-modified responses to the caller
// instead of re-parsing unchanged payloads.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.Mutex
	etags map[string]string
}

func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		etags:      make(map[string]string),
	}
}

// ListTrips fetches the preliminary trip listing. A "no match" response
// degrades to an empty slice, not an error.
func (c *Client) ListTrips(ctx context.Context) ([]*Payload, error) {
	body, _, err := c.get(ctx, c.baseURL+"/trips", "")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	return ParseTripList(body)
}

// GetTrip fetches the detailed record for one trip, including polyline and
// stopovers. Returns notModified=true when the server reports the payload
// unchanged since the last fetch. A 404 yields (nil, false, nil): the trip
// is gone upstream.
func (c *Client) GetTrip(ctx context.Context, id string) (payload *Payload, notModified bool, err error) {
	u := fmt.Sprintf("%s/trips/%s?polyline=true&stopovers=true", c.baseURL, url.PathEscape(id))

	c.mu.Lock()
	etag := c.etags[id]
	c.mu.Unlock()

	body, resp, err := c.get(ctx, u, etag)
	if err != nil {
		return nil, false, err
	}
	if resp != nil && resp.StatusCode == http.StatusNotModified {
		return nil, true, nil
	}
	if body == nil {
		return nil, false, nil
	}
	if resp != nil {
		if tag := resp.Header.Get("ETag"); tag != "" {
			c.mu.Lock()
			c.etags[id] = tag
			c.mu.Unlock()
		}
	}
	p, err := ParseTrip(body)
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}

// Forget drops cached ETag state for a retired trip.
func (c *Client) Forget(id string) {
	c.mu.Lock()
	delete(c.etags, id)
	c.mu.Unlock()
}

// get performs one GET and maps the status code: 2xx returns the body,
// 304 returns (nil, resp, nil), 404 returns (nil, nil, nil), 5xx returns a
// ServerError.
func (c *Client) get(ctx context.Context, url, etag string) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, resp, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, nil
	case resp.StatusCode >= 500:
		return nil, nil, &ServerError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, resp, nil
}
