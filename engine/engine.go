package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"kbcoder/config"
	"kbcoder/logger"
	"kbcoder/metrics"
	"kbcoder/preview"
	"kbcoder/prompt"
	"kbcoder/provider"
	"kbcoder/types"
	"kbcoder/utils"
)

// ErrNoEditor is returned when a request arrives before an editor is attached
var ErrNoEditor = errors.New("no editor attached")

type Engine struct {
	WorkspacePath string

	store     *config.Store
	config    EngineConfig
	tracker   *metrics.Tracker
	previewer *preview.Responder
	editor    Editor
	mu        sync.RWMutex
	eventChan chan Event
	wg        sync.WaitGroup

	sessions map[string]*Session
	previews map[int]*pendingPreview

	// Main context and cancel for the engine lifecycle
	mainCtx    context.Context
	mainCancel context.CancelFunc
	stopped    bool
	stopOnce   sync.Once
}

func NewEngine(store *config.Store, cfg EngineConfig) *Engine {
	if cfg.WorkspacePath == "" {
		wd, err := os.Getwd()
		if err != nil {
			logger.Warn("error getting current directory, using home: %v", err)
			wd = "~"
		}
		cfg.WorkspacePath = wd
	}
	if cfg.NewBackend == nil {
		cfg.NewBackend = provider.New
	}
	if cfg.Previewer == nil {
		cfg.Previewer = preview.NewResponder()
	}
	if store == nil {
		store = config.NewStore()
	}

	return &Engine{
		WorkspacePath: cfg.WorkspacePath,
		store:         store,
		config:        cfg,
		tracker:       metrics.NewTracker(),
		previewer:     cfg.Previewer,
		eventChan:     make(chan Event, 100),
		sessions:      make(map[string]*Session),
		previews:      make(map[int]*pendingPreview),
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.mainCtx, e.mainCancel = context.WithCancel(ctx)
	e.mu.Unlock()

	go e.eventLoop(e.mainCtx)
	logger.Info("engine started")
}

// Stop cancels every running session and preview and shuts the event loop down
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		logger.Info("stopping engine...")

		e.mu.Lock()
		e.stopped = true
		if e.mainCancel != nil {
			e.mainCancel()
		}
		sessions := make([]*Session, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		for id, p := range e.previews {
			p.cancel()
			delete(e.previews, id)
		}
		close(e.eventChan)
		e.mu.Unlock()

		for _, s := range sessions {
			s.Cancel(types.CancelCaller)
		}
		e.previewer.Close()

		logger.Info("engine stopped")
	})
}

// Wait blocks until every session started by Autocomplete and every preview has finished
func (e *Engine) Wait() { e.wg.Wait() }

// SetEditor attaches the editor and schedules a settings reload on the event loop
func (e *Engine) SetEditor(editor Editor) {
	e.mu.Lock()
	e.editor = editor
	e.mu.Unlock()
	e.Dispatch(Event{Type: EventConfigChanged})
}

// Config returns the current configuration snapshot
func (e *Engine) Config() *config.Snapshot { return e.store.Current() }

// Summary aggregates metrics of finished sessions
func (e *Engine) Summary() metrics.Summary { return e.tracker.Summary() }

// Dispatch queues an event without blocking. It reports false when the
// engine is stopped or the queue is full.
func (e *Engine) Dispatch(event Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return false
	}
	select {
	case e.eventChan <- event:
		return true
	default:
		logger.Warn("event queue full, dropping %s", event.Type)
		return false
	}
}

func (e *Engine) eventLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event loop panic recovered: %v", r)
			e.eventLoop(e.mainCtx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-e.eventChan:
			if !ok {
				return
			}

			e.mu.RLock()
			stopped := e.stopped
			e.mu.RUnlock()
			if stopped {
				return
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("event handler panic recovered for event %v: %v", event.Type, r)
					}
				}()
				e.handleEvent(event)
			}()
		}
	}
}

func (e *Engine) handleEvent(event Event) {
	logger.Debug("handle event: %v", event)

	switch event.Type {
	case EventAutocomplete:
		if _, err := e.Autocomplete(e.baseContext()); err != nil {
			logger.Error("autocomplete failed: %v", err)
			e.showError(err)
		}
	case EventCancel:
		id, _ := event.Data.(string)
		if id == "" {
			e.CancelAll()
		} else {
			e.Cancel(id)
		}
	case EventBufferClosed:
		if doc, ok := event.Data.(types.DocumentID); ok {
			e.DocumentClosed(doc)
		}
	case EventConfigChanged:
		e.ReloadConfig()
	case EventPreview:
		if id, ok := event.Data.(int); ok {
			e.Preview(id)
		}
	case EventPreviewCancel:
		if id, ok := event.Data.(int); ok {
			e.CancelPreview(id)
		}
	default:
		logger.Warn("unknown event: %v", event.Type)
	}
}

// Autocomplete reads the editor state and starts a streaming session on its
// own goroutine. Cancelling ctx cancels the session.
func (e *Engine) Autocomplete(ctx context.Context) (*Session, error) {
	editor := e.currentEditor()
	if editor == nil {
		return nil, ErrNoEditor
	}
	state, err := editor.Sync(e.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("sync editor state: %w", err)
	}

	s := e.newSession(state, editor)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.finishSession(s, s.Run(ctx))
	}()
	return s, nil
}

// Run streams one completion for state and waits for it to end. The error is
// the session's failure, if any; cancellation is not an error.
func (e *Engine) Run(ctx context.Context, state *types.EditorState) (*Result, error) {
	editor := e.currentEditor()
	if editor == nil {
		return nil, ErrNoEditor
	}
	s := e.newSession(state, editor)
	res := s.Run(ctx)
	e.finishSession(s, res)
	return res, res.Err
}

func (e *Engine) newSession(state *types.EditorState, editor Editor) *Session {
	snap := e.store.Current()
	backend := e.config.NewBackend(snap)
	p := prompt.Build(prompt.NewContext(state), snap.PromptWindowSize)

	s := NewSession(metrics.GenerateID(), state, p, snap, backend, editor)
	e.tracker.Start(s.ID)

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	logger.Debug("session %s: %s backend, document %d at %d:%d",
		s.ID, backend.Name(), state.Target.ID, state.Cursor.Line, state.Cursor.Character)
	return s
}

func (e *Engine) finishSession(s *Session, res *Result) {
	e.mu.Lock()
	delete(e.sessions, s.ID)
	e.mu.Unlock()

	done := Progress{SessionID: s.ID, Done: true}
	switch res.Outcome {
	case metrics.OutcomeFailed:
		logger.Error("session %s failed: %v", s.ID, res.Err)
		if err := s.editor.ShowError(ErrorPrefix + res.Err.Error()); err != nil {
			logger.Warn("session %s: show error failed: %v", s.ID, err)
		}
	case metrics.OutcomeCancelled:
		logger.Debug("session %s cancelled by %s", s.ID, res.CancelSource)
	default:
		done.Message = MessageFinished
	}
	if err := s.editor.ReportProgress(done); err != nil {
		logger.Debug("session %s: progress report failed: %v", s.ID, err)
	}

	offset := utils.ByteOffset(s.before, res.Start.Line, res.Start.Character)
	after := s.before[:offset] + res.Text + s.before[offset:]
	additions, deletions := metrics.CountChanges(s.before, after)

	e.tracker.Finish(metrics.SessionMetrics{
		ID:            s.ID,
		Backend:       s.Backend.Name(),
		Outcome:       res.Outcome,
		Fragments:     res.Fragments,
		InsertedChars: len(res.Text),
		Additions:     additions,
		Deletions:     deletions,
	})
}

// Session returns a running session by id
func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Cancel aborts a running session on behalf of the progress UI
func (e *Engine) Cancel(id string) bool {
	s, ok := e.Session(id)
	if !ok {
		logger.Debug("cancel: no running session %s", id)
		return false
	}
	return s.Cancel(types.CancelProgress)
}

// CancelAll aborts every running session on behalf of the progress UI
func (e *Engine) CancelAll() int {
	e.mu.RLock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	n := 0
	for _, s := range sessions {
		if s.Cancel(types.CancelProgress) {
			n++
		}
	}
	return n
}

// DocumentClosed cancels sessions targeting doc whose backend watches document close
func (e *Engine) DocumentClosed(doc types.DocumentID) int {
	e.mu.RLock()
	var targets []*Session
	for _, s := range e.sessions {
		if s.Document == doc && s.Backend.WatchesDocumentClose() {
			targets = append(targets, s)
		}
	}
	e.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if s.Cancel(types.CancelDocumentClosed) {
			n++
		}
	}
	return n
}

// ReloadConfig re-reads the settings file and the editor's settings table.
// Sessions already running keep the snapshot they started with.
func (e *Engine) ReloadConfig() *config.Snapshot {
	var sources config.Layered
	if e.config.SettingsFile != "" {
		sources = append(sources, config.FileSource{Path: e.config.SettingsFile})
	}
	if editor := e.currentEditor(); editor != nil {
		sources = append(sources, config.SourceFunc(editor.Settings))
	}
	snap := e.store.Reload(sources)
	logger.Debug("config reloaded: endpoint=%s model=%s openai=%v", snap.Endpoint, snap.Model, snap.UseOpenAISpec)
	return snap
}

// Preview answers a preview request asynchronously and delivers the item to
// the editor. A newer request with the same id replaces the pending one.
func (e *Engine) Preview(requestID int) {
	editor := e.currentEditor()
	if editor == nil {
		logger.Warn("preview %d: %v", requestID, ErrNoEditor)
		return
	}

	ctx, cancel := context.WithCancel(e.baseContext())
	pending := &pendingPreview{cancel: cancel}
	e.mu.Lock()
	if prev, ok := e.previews[requestID]; ok {
		prev.cancel()
	}
	e.previews[requestID] = pending
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.clearPreview(requestID, pending)

		item := preview.Placeholder()
		item.Command = preview.CommandAutocomplete
		state, err := editor.Sync(e.WorkspacePath)
		if err != nil {
			logger.Warn("preview %d: sync editor state: %v", requestID, err)
		} else {
			item, err = e.previewer.Respond(ctx, e.store.Current(), preview.NewRequest(state))
			if err != nil {
				logger.Warn("preview %d: %v", requestID, err)
			}
		}

		if ctx.Err() != nil {
			logger.Debug("preview %d cancelled, not delivered", requestID)
			return
		}
		if err := editor.DeliverPreview(requestID, item); err != nil {
			logger.Warn("preview %d: deliver failed: %v", requestID, err)
		}
	}()
}

// CancelPreview aborts a pending preview
func (e *Engine) CancelPreview(requestID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.previews[requestID]; ok {
		p.cancel()
		delete(e.previews, requestID)
	}
}

type pendingPreview struct {
	cancel context.CancelFunc
}

func (e *Engine) clearPreview(requestID int, p *pendingPreview) {
	p.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	// a newer request may have replaced it
	if e.previews[requestID] == p {
		delete(e.previews, requestID)
	}
}

func (e *Engine) currentEditor() Editor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.editor
}

func (e *Engine) baseContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.mainCtx != nil {
		return e.mainCtx
	}
	return context.Background()
}

func (e *Engine) showError(err error) {
	editor := e.currentEditor()
	if editor == nil || errors.Is(err, context.Canceled) {
		return
	}
	if showErr := editor.ShowError(ErrorPrefix + err.Error()); showErr != nil {
		logger.Warn("show error failed: %v", showErr)
	}
}
