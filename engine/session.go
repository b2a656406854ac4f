package engine

import (
	"context"
	"time"

	"kbcoder/client"
	"kbcoder/config"
	"kbcoder/logger"
	"kbcoder/metrics"
	"kbcoder/provider"
	"kbcoder/types"
)

// Session is one streaming autocomplete run against one document
type Session struct {
	ID       string
	Document types.DocumentID
	Backend  provider.Backend
	Snapshot *config.Snapshot
	Prompt   string
	Started  time.Time

	editor    Editor
	before    string // target text when the session started
	canceller *Canceller
	applier   *Applier
}

// Result is the outcome of a finished session
type Result struct {
	SessionID    string
	Text         string // everything inserted
	Start        types.Position
	Cursor       types.Position
	Fragments    int
	FinishReason string
	StopToken    string
	CancelSource types.CancelSource
	Outcome      metrics.Outcome
	Err          error
}

// NewSession prepares a session; nothing is sent until Run
func NewSession(id string, state *types.EditorState, prompt string, snap *config.Snapshot, backend provider.Backend, editor Editor) *Session {
	return &Session{
		ID:        id,
		Document:  state.Target.ID,
		Backend:   backend,
		Snapshot:  snap,
		Prompt:    prompt,
		editor:    editor,
		before:    state.Target.Text,
		canceller: NewCanceller(),
		applier:   NewApplier(editor, id, state.Target.ID, state.Cursor, snap.ProgressIncrement()),
	}
}

// StopTokens returns the stop set of the session's protocol
func (s *Session) StopTokens() []string { return s.Backend.StopTokens() }

// Cancel aborts the session on behalf of source. Only the first call has effect.
func (s *Session) Cancel(source types.CancelSource) bool {
	return s.canceller.Trigger(source)
}

// Active reports whether the session has neither finished nor been cancelled
func (s *Session) Active() bool { return !s.canceller.Ended() }

// Cursor returns the session's virtual cursor
func (s *Session) Cursor() types.Position { return s.applier.Cursor() }

// Run streams the completion into the document until end of stream, a stop
// token, a failure, or the first cancellation. Cancelling ctx cancels the session.
func (s *Session) Run(ctx context.Context) *Result {
	defer logger.Trace("session.Run")()

	s.Started = time.Now()
	stopWatch := s.canceller.Watch(ctx, types.CancelCaller)
	defer stopWatch()

	s.progress(Progress{Message: MessageSending})
	stream := s.Backend.StartStream(s.canceller.Context(), s.Prompt, s.Snapshot)

	var applyErr error
	for fragment := range stream.TokensChan() {
		if s.canceller.Cancelled() {
			break
		}
		if err := s.applier.Apply(fragment); err != nil {
			applyErr = err
			break
		}
	}
	stream.Cancel()
	for range stream.TokensChan() {
	}
	streamResult := <-stream.DoneChan()
	s.canceller.Close()

	if p, ok := s.Backend.(interface{ LogResult(client.StreamResult) }); ok {
		p.LogResult(streamResult)
	}

	res := &Result{
		SessionID:    s.ID,
		Text:         s.applier.Text(),
		Start:        s.applier.Anchor(),
		Cursor:       s.applier.Cursor(),
		Fragments:    s.applier.Fragments(),
		FinishReason: streamResult.FinishReason,
		StopToken:    streamResult.StopToken,
	}

	switch {
	case applyErr != nil:
		res.Outcome = metrics.OutcomeFailed
		res.Err = applyErr
	case s.canceller.Cancelled():
		res.Outcome = metrics.OutcomeCancelled
		res.CancelSource = s.canceller.Source()
		res.FinishReason = client.FinishCancelled
	case streamResult.Err != nil:
		res.Outcome = metrics.OutcomeFailed
		res.Err = streamResult.Err
	case streamResult.StopToken != "":
		res.Outcome = metrics.OutcomeStopped
	default:
		res.Outcome = metrics.OutcomeCompleted
	}
	return res
}

func (s *Session) progress(p Progress) {
	p.SessionID = s.ID
	if err := s.editor.ReportProgress(p); err != nil {
		logger.Debug("session %s: progress report failed: %v", s.ID, err)
	}
}
