package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceDecoder replays fragments, then returns end
type sliceDecoder struct {
	frags []Fragment
	end   error
}

func (d *sliceDecoder) Next() (Fragment, error) {
	if len(d.frags) == 0 {
		return Fragment{}, d.end
	}
	f := d.frags[0]
	d.frags = d.frags[1:]
	return f, nil
}

func staticOpener(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func decoderOf(end error, frags ...Fragment) func(io.Reader) Decoder {
	return func(io.Reader) Decoder { return &sliceDecoder{frags: frags, end: end} }
}

func collect(s *TokenStream) ([]string, StreamResult) {
	var got []string
	for tok := range s.TokensChan() {
		got = append(got, tok)
	}
	return got, <-s.DoneChan()
}

func TestTokenStream_EmitsInOrder(t *testing.T) {
	s := NewTokenStream(context.Background(), staticOpener,
		decoderOf(io.EOF, Fragment{Text: "return"}, Fragment{Text: " a"}, Fragment{Text: " + b"}), nil)

	tokens, result := collect(s)
	assert.Equal(t, []string{"return", " a", " + b"}, tokens, "fragments")
	assert.Equal(t, "return a + b", result.Text, "text")
	assert.Equal(t, FinishStop, result.FinishReason, "eof finishes with stop")
	assert.Empty(t, result.StopToken, "no stop token")
	assert.NoError(t, result.Err, "no error")
}

func TestTokenStream_ExactStopToken(t *testing.T) {
	stops := []string{"</s>", "```"}
	s := NewTokenStream(context.Background(), staticOpener,
		decoderOf(io.EOF, Fragment{Text: "a"}, Fragment{Text: "</s>"}, Fragment{Text: "never"}), stops)

	tokens, result := collect(s)
	assert.Equal(t, []string{"a"}, tokens, "nothing after stop token")
	assert.Equal(t, FinishStop, result.FinishReason, "finish reason")
	assert.Equal(t, "a", result.Text, "stop token not in text")
	assert.Equal(t, "</s>", result.StopToken, "stop token recorded")
}

func TestTokenStream_SubstringStopTokenIsEmitted(t *testing.T) {
	stops := []string{"</s>"}
	s := NewTokenStream(context.Background(), staticOpener,
		decoderOf(io.EOF, Fragment{Text: "x</s>y"}, Fragment{Text: "z"}), stops)

	tokens, result := collect(s)
	assert.Equal(t, []string{"x</s>y", "z"}, tokens, "substring applied in full")
	assert.Equal(t, "x</s>yz", result.Text, "text")
}

func TestTokenStream_DoneFragment(t *testing.T) {
	s := NewTokenStream(context.Background(), staticOpener,
		decoderOf(io.EOF, Fragment{Text: "a"}, Fragment{Text: "b", Done: true, FinishReason: FinishLength}, Fragment{Text: "c"}), nil)

	tokens, result := collect(s)
	assert.Equal(t, []string{"a", "b"}, tokens, "done fragment text is emitted")
	assert.Equal(t, FinishLength, result.FinishReason, "server finish reason")
}

func TestTokenStream_SkipsEmptyFragments(t *testing.T) {
	s := NewTokenStream(context.Background(), staticOpener,
		decoderOf(io.EOF, Fragment{Text: ""}, Fragment{Text: "a"}, Fragment{Text: "", Done: true}), nil)

	tokens, _ := collect(s)
	assert.Equal(t, []string{"a"}, tokens, "empty fragments are not emitted")
}

func TestTokenStream_DecodeError(t *testing.T) {
	boom := errors.New("malformed chunk")
	s := NewTokenStream(context.Background(), staticOpener, decoderOf(boom, Fragment{Text: "a"}), nil)

	tokens, result := collect(s)
	assert.Equal(t, []string{"a"}, tokens, "fragments before the error")
	assert.Equal(t, FinishError, result.FinishReason, "finish reason")
	assert.ErrorIs(t, result.Err, boom, "error surfaced")
}

func TestTokenStream_OpenError(t *testing.T) {
	boom := errors.New("connection refused")
	open := func(ctx context.Context) (io.ReadCloser, error) { return nil, boom }
	s := NewTokenStream(context.Background(), open, decoderOf(io.EOF), nil)

	tokens, result := collect(s)
	assert.Empty(t, tokens, "no fragments")
	assert.ErrorIs(t, result.Err, boom, "open error")
}

// blockingDecoder emits one fragment, then blocks until ctx is done
type blockingDecoder struct {
	ctx  context.Context
	sent bool
}

func (d *blockingDecoder) Next() (Fragment, error) {
	if !d.sent {
		d.sent = true
		return Fragment{Text: "x"}, nil
	}
	<-d.ctx.Done()
	return Fragment{}, d.ctx.Err()
}

func TestTokenStream_Cancel(t *testing.T) {
	var streamCtx context.Context
	open := func(ctx context.Context) (io.ReadCloser, error) {
		streamCtx = ctx
		return io.NopCloser(strings.NewReader("")), nil
	}
	newDecoder := func(io.Reader) Decoder { return &blockingDecoder{ctx: streamCtx} }

	s := NewTokenStream(context.Background(), open, newDecoder, nil)
	assert.Equal(t, "x", <-s.TokensChan(), "first fragment")

	s.Cancel()
	s.Cancel()

	tokens, result := collect(s)
	assert.Empty(t, tokens, "nothing delivered after cancel")
	assert.Equal(t, FinishCancelled, result.FinishReason, "finish reason")
	assert.NoError(t, result.Err, "cancel is not an error")
}

func TestTokenStream_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open := func(ctx context.Context) (io.ReadCloser, error) { return nil, ctx.Err() }
	s := NewTokenStream(ctx, open, decoderOf(io.EOF), nil)

	_, result := collect(s)
	assert.Equal(t, FinishCancelled, result.FinishReason, "cancelled before open")
	assert.NoError(t, result.Err, "no error")
}

func TestIsStopToken(t *testing.T) {
	stops := []string{"```", "</s>"}
	assert.True(t, IsStopToken("</s>", stops), "exact")
	assert.False(t, IsStopToken("a</s>", stops), "substring")
	assert.False(t, IsStopToken("", stops), "empty")
	assert.False(t, IsStopToken("</s>", nil), "no stops")
}

func TestDecodeBody(t *testing.T) {
	payload := []byte(`{"response":"hello"}`)

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write(payload)
	bw.Close()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write(payload)
	gw.Close()

	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{"identity", "", payload},
		{"brotli", "br", br.Bytes()},
		{"gzip", "gzip", gz.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				Header: http.Header{},
				Body:   io.NopCloser(bytes.NewReader(tt.body)),
			}
			if tt.encoding != "" {
				resp.Header.Set("Content-Encoding", tt.encoding)
			}
			rc, err := DecodeBody(resp)
			require.NoError(t, err)
			defer rc.Close()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, payload, got, "decoded body")
		})
	}

	_, err := DecodeBody(&http.Response{
		Header: http.Header{"Content-Encoding": []string{"zstd"}},
		Body:   io.NopCloser(bytes.NewReader(nil)),
	})
	assert.Error(t, err, "unsupported encoding")
}

func TestSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"), "Authorization header")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"), "Content-Type header")
		assert.Equal(t, AcceptEncoding, r.Header.Get("Accept-Encoding"), "Accept-Encoding header")
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusTeapot)
			w.Write([]byte("nope"))
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	statusErr := func(code int, status string, body []byte) error {
		return errors.New(status + ": " + string(body))
	}

	req, err := NewJSONRequest(context.Background(), server.URL+"/ok", map[string]string{"a": "<b>"}, "tok")
	require.NoError(t, err)
	body, err := Send(server.Client(), req, statusErr)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()
	assert.Equal(t, "ok", string(data), "body")

	req, err = NewJSONRequest(context.Background(), server.URL+"/fail", nil, "tok")
	require.NoError(t, err)
	_, err = Send(server.Client(), req, statusErr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418", "status in error")
	assert.Contains(t, err.Error(), "nope", "body in error")
}

func TestNewJSONRequest_NoBearer(t *testing.T) {
	req, err := NewJSONRequest(context.Background(), "http://localhost/x", map[string]int{"n": 1}, "")
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"), "no auth header without token")
}
