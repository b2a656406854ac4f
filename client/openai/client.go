package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"kbcoder/client"
	"kbcoder/logger"
)

// maxEventSize bounds a single SSE line
const maxEventSize = 1024 * 1024

// CompletionRequest matches the OpenAI Completion API format
type CompletionRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p"`
	MaxTokens        int      `json:"max_tokens"`
	Stop             []string `json:"stop,omitempty"`
	N                int      `json:"n"`
	BestOf           int      `json:"best_of"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	Stream           bool     `json:"stream"`
}

// Choice is one completion choice
type Choice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// CompletionResponse matches the OpenAI Completion API response format.
// Streamed chunks share the same shape.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// APIError is an error reported by an OpenAI-compatible server
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return "api error: " + e.Message
}

// Client is a reusable OpenAI-compatible API client
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
}

// NewClient creates a new OpenAI-compatible client. baseURL includes the
// version prefix, e.g. https://api.openai.com/v1.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		HTTPClient: &http.Client{},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
	}
}

// NewCompletionRequest builds a single-choice completion request. The
// temperature doubles as top_p.
func NewCompletionRequest(model, prompt string, maxTokens int, temperature float64, stop []string) *CompletionRequest {
	return &CompletionRequest{
		Model:            model,
		Prompt:           prompt,
		Temperature:      temperature,
		TopP:             temperature,
		MaxTokens:        maxTokens,
		Stop:             stop,
		N:                1,
		BestOf:           1,
		FrequencyPenalty: 0,
	}
}

func (c *Client) completionsURL() string {
	return c.BaseURL + "/completions"
}

// DoCompletion sends a non-streaming completion request
func (c *Client) DoCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	defer logger.Trace("openai.DoCompletion")()

	req.Stream = false

	httpReq, err := client.NewJSONRequest(ctx, c.completionsURL(), req, c.APIKey)
	if err != nil {
		return nil, err
	}
	body, err := client.Send(c.HTTPClient, httpReq, statusError)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp CompletionResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &resp, nil
}

// DoTokenStream sends a streaming completion request. Each fragment is the
// first choice's text of one SSE event.
func (c *Client) DoTokenStream(ctx context.Context, req *CompletionRequest, stops []string) *client.TokenStream {
	req.Stream = true

	open := func(ctx context.Context) (io.ReadCloser, error) {
		httpReq, err := client.NewJSONRequest(ctx, c.completionsURL(), req, c.APIKey)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "text/event-stream")
		return client.Send(c.HTTPClient, httpReq, statusError)
	}
	return client.NewTokenStream(ctx, open, NewDecoder, stops)
}

func statusError(code int, status string, body []byte) error {
	var wrapper struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &wrapper) == nil && wrapper.Error != nil && wrapper.Error.Message != "" {
		wrapper.Error.StatusCode = code
		return wrapper.Error
	}
	return &APIError{StatusCode: code, Message: strings.TrimSpace(string(body))}
}

// Decoder reads server-sent completion events
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a client.Decoder over an SSE body
func NewDecoder(r io.Reader) client.Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Decoder{scanner: scanner}
}

// Next implements client.Decoder
func (d *Decoder) Next() (client.Fragment, error) {
	for d.scanner.Scan() {
		line := d.scanner.Text()

		// Skip empty lines, comments and non-data fields
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return client.Fragment{Done: true}, nil
		}

		var chunk CompletionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return client.Fragment{}, fmt.Errorf("malformed stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return client.Fragment{}, chunk.Error
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		return client.Fragment{
			Text:         chunk.Choices[0].Text,
			FinishReason: chunk.Choices[0].FinishReason,
		}, nil
	}
	if err := d.scanner.Err(); err != nil {
		return client.Fragment{}, fmt.Errorf("failed to read stream: %w", err)
	}
	return client.Fragment{}, io.EOF
}
