package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is advertised on every request; DecodeBody handles each value
const AcceptEncoding = "br, gzip"

// StatusErrorFunc converts a non-2xx response into a protocol specific error
type StatusErrorFunc func(statusCode int, status string, body []byte) error

// NewJSONRequest builds a POST request carrying body as JSON.
// An empty bearer token sends no Authorization header.
func NewJSONRequest(ctx context.Context, url string, body any, bearerToken string) (*http.Request, error) {
	// Marshal the request without HTML escaping
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(body); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", AcceptEncoding)
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	return req, nil
}

// Send performs req and returns the decoded response body.
// Non-2xx responses are read fully and converted with statusErr.
func Send(hc *http.Client, req *http.Request, statusErr StatusErrorFunc) (io.ReadCloser, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	body, err := DecodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer body.Close()
		data, _ := io.ReadAll(body)
		return nil, statusErr(resp.StatusCode, resp.Status, data)
	}
	return body, nil
}

// DecodeBody wraps resp.Body according to its Content-Encoding (br or gzip).
// Closing the result closes the underlying body.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), body: resp.Body}, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read gzip response: %w", err)
		}
		return &decodedBody{Reader: zr, body: resp.Body, closer: zr}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

type decodedBody struct {
	io.Reader
	body   io.Closer
	closer io.Closer
}

func (d *decodedBody) Close() error {
	if d.closer != nil {
		d.closer.Close()
	}
	return d.body.Close()
}
