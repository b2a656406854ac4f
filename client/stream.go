package client

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"

	"kbcoder/logger"
)

// Finish reasons reported in StreamResult
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishCancelled = "cancelled"
	FinishError     = "error"
)

// Fragment is one decoded piece of a streamed response
type Fragment struct {
	Text         string
	FinishReason string // set by the server on the last chunk, may be empty
	Done         bool   // the server signalled end of stream
}

// Decoder yields fragments from a response body.
// Next returns io.EOF when the body ends without an explicit end marker.
type Decoder interface {
	Next() (Fragment, error)
}

// Opener sends the request and returns the (decoded) response body
type Opener func(ctx context.Context) (io.ReadCloser, error)

// StreamResult is delivered once on DoneChan when a stream ends
type StreamResult struct {
	Text         string // concatenation of every emitted fragment
	FinishReason string
	StopToken    string // the stop token that ended the stream, if any
	Err          error  // transport or decode failure; nil for stop and cancel
}

// TokenStream delivers fragments of one streamed request in order.
// Consumers range over TokensChan, then read DoneChan.
type TokenStream struct {
	tokens     chan string
	done       chan StreamResult
	cancel     context.CancelFunc
	cancelOnce sync.Once
}

// TokensChan returns the fragment channel; it is closed when the stream ends
func (s *TokenStream) TokensChan() <-chan string { return s.tokens }

// DoneChan returns the channel carrying the final result
func (s *TokenStream) DoneChan() <-chan StreamResult { return s.done }

// Cancel aborts the request. Safe to call more than once.
func (s *TokenStream) Cancel() {
	s.cancelOnce.Do(s.cancel)
}

// IsStopToken reports whether fragment exactly equals one of stops
func IsStopToken(fragment string, stops []string) bool {
	return slices.Contains(stops, fragment)
}

// NewTokenStream opens the request and starts decoding it in the background.
// A fragment exactly equal to a stop token ends the stream without being emitted.
// Fragments that merely contain a stop token are emitted unchanged.
func NewTokenStream(ctx context.Context, open Opener, newDecoder func(io.Reader) Decoder, stops []string) *TokenStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &TokenStream{
		tokens: make(chan string),
		done:   make(chan StreamResult, 1),
		cancel: cancel,
	}
	go s.run(ctx, open, newDecoder, stops)
	return s
}

func (s *TokenStream) run(ctx context.Context, open Opener, newDecoder func(io.Reader) Decoder, stops []string) {
	defer s.Cancel()

	var text strings.Builder
	finishReason := ""
	stopToken := ""
	finish := func(reason string, err error) {
		close(s.tokens)
		s.done <- StreamResult{Text: text.String(), FinishReason: reason, StopToken: stopToken, Err: err}
		close(s.done)
	}
	fail := func(err error) {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			logger.Debug("stream: cancelled after %d chars", text.Len())
			finish(FinishCancelled, nil)
			return
		}
		finish(FinishError, err)
	}

	body, err := open(ctx)
	if err != nil {
		fail(err)
		return
	}
	defer body.Close()

	dec := newDecoder(body)
	for {
		frag, err := dec.Next()
		if errors.Is(err, io.EOF) {
			finish(orStop(finishReason), nil)
			return
		}
		if err != nil {
			fail(err)
			return
		}

		if IsStopToken(frag.Text, stops) {
			logger.Debug("stream: stop token %q", frag.Text)
			stopToken = frag.Text
			finish(FinishStop, nil)
			return
		}

		if frag.Text != "" {
			select {
			case s.tokens <- frag.Text:
				text.WriteString(frag.Text)
			case <-ctx.Done():
				finish(FinishCancelled, nil)
				return
			}
		}

		if frag.FinishReason != "" {
			finishReason = frag.FinishReason
		}
		if frag.Done {
			finish(orStop(finishReason), nil)
			return
		}
	}
}

func orStop(reason string) string {
	if reason == "" {
		return FinishStop
	}
	return reason
}
