package bosh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TransportError is an HTTP-level failure: connection refused, timeout, or
// a non-2xx response. It is recoverable; the supervisor decides whether to
// reconnect.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bosh: server returned status %d", e.Status)
	}
	return fmt.Sprintf("bosh: request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport issues one blocking POST per envelope against the connection
// manager URL.
type Transport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewTransport creates a transport for the given BOSH endpoint. Extra
// headers (Origin, Referer, User-Agent) are sent with every request; the
// server rejects requests without the ones it expects.
func NewTransport(url string, headers map[string]string) *Transport {
	return &Transport{
		url:     url,
		headers: headers,
		// Per-call deadlines come from the request context; the long
		// poll would trip a client-wide timeout.
		client: &http.Client{},
	}
}

// Send posts the envelope and returns the raw response body. The call
// blocks until the server responds or the timeout elapses.
func (t *Transport) Send(payload string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(payload))
	if err != nil {
		return "", &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &TransportError{Status: resp.StatusCode}
	}
	return string(body), nil
}
