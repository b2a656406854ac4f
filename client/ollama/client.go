package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ollama/ollama/api"

	"kbcoder/client"
	"kbcoder/logger"
)

// maxLineSize bounds a single NDJSON line
const maxLineSize = 1024 * 1024

// Client talks to a raw generation endpoint (Ollama's /api/generate)
type Client struct {
	HTTPClient  *http.Client
	URL         string
	BearerToken string
}

// NewClient creates a raw protocol client for the exact endpoint URL
func NewClient(url, bearerToken string) *Client {
	return &Client{
		HTTPClient:  &http.Client{},
		URL:         url,
		BearerToken: bearerToken,
	}
}

// NewGenerateRequest builds a raw-mode generate request
func NewGenerateRequest(model, prompt string, stream bool, numPredict int, temperature float64, stop []string) *api.GenerateRequest {
	return &api.GenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: &stream,
		Raw:    true,
		Options: map[string]any{
			"num_predict": numPredict,
			"temperature": temperature,
			"stop":        stop,
		},
	}
}

// chunk is one NDJSON line. Ollama reports mid-stream failures in "error".
type chunk struct {
	api.GenerateResponse
	Error string `json:"error,omitempty"`
}

// DoTokenStream starts a streamed generation. Fragments are the "response"
// field of each line; a line exactly equal to one of stops ends the stream.
func (c *Client) DoTokenStream(ctx context.Context, req *api.GenerateRequest, stops []string) *client.TokenStream {
	stream := true
	req.Stream = &stream

	open := func(ctx context.Context) (io.ReadCloser, error) {
		httpReq, err := client.NewJSONRequest(ctx, c.URL, req, c.BearerToken)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "application/x-ndjson")
		return client.Send(c.HTTPClient, httpReq, statusError)
	}
	return client.NewTokenStream(ctx, open, NewDecoder, stops)
}

// DoGenerate sends a non-streamed generation request
func (c *Client) DoGenerate(ctx context.Context, req *api.GenerateRequest) (*api.GenerateResponse, error) {
	defer logger.Trace("ollama.DoGenerate")()

	stream := false
	req.Stream = &stream

	httpReq, err := client.NewJSONRequest(ctx, c.URL, req, c.BearerToken)
	if err != nil {
		return nil, err
	}
	body, err := client.Send(c.HTTPClient, httpReq, statusError)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp chunk
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("generate failed: %s", resp.Error)
	}
	return &resp.GenerateResponse, nil
}

// statusError maps a non-2xx response to api.StatusError, using the
// {"error": "..."} body when present.
func statusError(code int, status string, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return api.StatusError{StatusCode: code, Status: status, ErrorMessage: msg}
}

// Decoder reads newline-delimited GenerateResponse objects
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a client.Decoder over an NDJSON body
func NewDecoder(r io.Reader) client.Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Next implements client.Decoder
func (d *Decoder) Next() (client.Fragment, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}

		var c chunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return client.Fragment{}, fmt.Errorf("malformed response chunk: %w", err)
		}
		if c.Error != "" {
			return client.Fragment{}, fmt.Errorf("stream failed: %s", c.Error)
		}
		return client.Fragment{
			Text:         c.Response,
			FinishReason: c.DoneReason,
			Done:         c.Done,
		}, nil
	}
	if err := d.scanner.Err(); err != nil {
		return client.Fragment{}, fmt.Errorf("failed to read stream: %w", err)
	}
	return client.Fragment{}, io.EOF
}
