package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// successMarker must appear in the response body of an accepted POST.
const successMarker = "00000"

// Transport decides whether an upload attempt succeeded.
type Transport interface {
	Send(ctx context.Context, body []byte) error
}

// HTTPTransport posts payloads to the cloud endpoint. A send is
// successful only on HTTP 200 with the marker substring in the body.
type HTTPTransport struct {
	URL      string
	Client   *http.Client
	Attempts int
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewHTTPTransport builds the transport with the standard timeout
// budget: 5 s connect, 10 s overall.
func NewHTTPTransport(url string, attempts int) *HTTPTransport {
	if attempts <= 0 {
		attempts = 1
	}
	return &HTTPTransport{
		URL: url,
		Client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				ResponseHeaderTimeout: 10 * time.Second,
				MaxIdleConns:          4,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		Attempts: attempts,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send posts body, retrying on a fixed 1 s, 2 s, ... schedule up to
// the configured attempt count.
func (t *HTTPTransport) Send(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= t.Attempts; attempt++ {
		if attempt > 1 {
			if err := t.sleep(ctx, time.Duration(attempt-1)*time.Second); err != nil {
				return err
			}
		}
		lastErr = t.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("cloud post attempt failed", "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("cloud post after %d attempts: %w", t.Attempts, lastErr)
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build cloud request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post payload: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read cloud response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloud responded %d", resp.StatusCode)
	}
	if !strings.Contains(string(respBody), successMarker) {
		return fmt.Errorf("cloud response missing success marker: %.120s", string(respBody))
	}
	return nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() {
	t.Client.CloseIdleConnections()
}
