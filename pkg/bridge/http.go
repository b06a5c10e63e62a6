package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/devicelab-dev/stepflow/pkg/logger"
)

// HTTPTransport talks to a native host that exposes the bridge over HTTP:
// POST /call returns the response envelope, POST /call-async acknowledges
// and the result is later posted to the status server's /callback.
type HTTPTransport struct {
	http    *http.Client
	baseURL string
	logger  *log.Logger
}

// NewHTTPTransport creates a transport for baseURL (e.g. http://127.0.0.1:7912).
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.New(logger.GetWriter(), "", log.Ltime|log.Lmicroseconds),
	}
}

// NewHTTPTransportUnix creates a transport dialing a Unix socket.
func NewHTTPTransportUnix(socketPath string, timeout time.Duration) *HTTPTransport {
	t := NewHTTPTransport("http://localhost", timeout)
	t.http.Transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return t
}

// Call posts params to /call and returns the response body.
func (t *HTTPTransport) Call(ctx context.Context, params string) (string, error) {
	body, err := t.request(ctx, "/call", params)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// CallAsync posts params to /call-async. The body of the reply is ignored.
func (t *HTTPTransport) CallAsync(ctx context.Context, params string) error {
	_, err := t.request(ctx, "/call-async", params)
	return err
}

func (t *HTTPTransport) request(ctx context.Context, path, params string) ([]byte, error) {
	start := time.Now()

	bodyStr := params
	if len(bodyStr) > 100 {
		bodyStr = bodyStr[:100] + "..."
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader([]byte(params)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		t.logger.Printf("POST %s [%v] ERROR: %v", path, elapsed, err)
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	status := "OK"
	if resp.StatusCode >= 400 {
		status = fmt.Sprintf("ERR:%d", resp.StatusCode)
	}
	t.logger.Printf("POST %s [%v] %s body=%s", path, elapsed, status, bodyStr)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("host error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return respBody, nil
}
