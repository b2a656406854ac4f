package engine

import (
	"context"
	"io"
	"strings"
	"sync"

	"kbcoder/client"
	"kbcoder/config"
	"kbcoder/preview"
	"kbcoder/types"
	"kbcoder/utils"
)

// --- Mock implementations ---

type selection struct {
	anchor types.Position
	active types.Position
}

type deliveredPreview struct {
	requestID int
	item      *preview.Item
}

// mockEditor implements Editor over a single in-memory document
type mockEditor struct {
	mu       sync.Mutex
	state    types.EditorState
	settings config.Settings

	// Track method calls
	syncCalls  int
	inserts    []string
	selections []selection
	progress   []Progress
	errors     []string

	insertErr error
	// onInsert runs after each successful insert, outside the lock
	onInsert func(n int)

	inserted  chan string
	done      chan Progress
	previews  chan deliveredPreview
	syncState func() (*types.EditorState, error)
}

func newMockEditor(text string, cursor types.Position) *mockEditor {
	return &mockEditor{
		state: types.EditorState{
			Target: types.Document{
				ID:       1,
				Path:     "calc.py",
				Language: "python",
				Text:     text,
			},
			Cursor:      cursor,
			ProjectName: "calc",
		},
		inserted: make(chan string, 100),
		done:     make(chan Progress, 10),
		previews: make(chan deliveredPreview, 10),
	}
}

func (m *mockEditor) Sync(workspacePath string) (*types.EditorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncCalls++
	if m.syncState != nil {
		return m.syncState()
	}
	state := m.state
	return &state, nil
}

func (m *mockEditor) InsertText(doc types.DocumentID, pos types.Position, text string) error {
	m.mu.Lock()
	if m.insertErr != nil {
		m.mu.Unlock()
		return m.insertErr
	}
	cur := m.state.Target.Text
	offset := utils.ByteOffset(cur, pos.Line, pos.Character)
	m.state.Target.Text = cur[:offset] + text + cur[offset:]
	m.inserts = append(m.inserts, text)
	n := len(m.inserts)
	hook := m.onInsert
	m.mu.Unlock()

	m.inserted <- text
	if hook != nil {
		hook(n)
	}
	return nil
}

func (m *mockEditor) SetSelection(doc types.DocumentID, anchor, active types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selections = append(m.selections, selection{anchor: anchor, active: active})
	m.state.Cursor = active
	return nil
}

func (m *mockEditor) ReportProgress(p Progress) error {
	m.mu.Lock()
	m.progress = append(m.progress, p)
	m.mu.Unlock()
	if p.Done {
		m.done <- p
	}
	return nil
}

func (m *mockEditor) ShowError(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, message)
	return nil
}

func (m *mockEditor) Settings() (config.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *mockEditor) DeliverPreview(requestID int, item *preview.Item) error {
	m.previews <- deliveredPreview{requestID: requestID, item: item}
	return nil
}

func (m *mockEditor) text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Target.Text
}

func (m *mockEditor) progressMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.progress {
		out = append(out, p.Message)
	}
	return out
}

func (m *mockEditor) errorMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errors...)
}

// fakeBackend replays fragments through a real client.TokenStream
type fakeBackend struct {
	name    string
	watches bool
	stops   []string
	frags   []client.Fragment
	openErr error
	// hold blocks after the last fragment until the stream is cancelled
	hold bool

	mu      sync.Mutex
	prompts []string
}

func newFakeBackend(stops []string, texts ...string) *fakeBackend {
	b := &fakeBackend{name: "fake", watches: true, stops: stops}
	for _, t := range texts {
		b.frags = append(b.frags, client.Fragment{Text: t})
	}
	return b
}

func (b *fakeBackend) Name() string                 { return b.name }
func (b *fakeBackend) Protocol() types.ProtocolType { return types.ProtocolRaw }
func (b *fakeBackend) StopTokens() []string         { return b.stops }
func (b *fakeBackend) WatchesDocumentClose() bool   { return b.watches }
func (b *fakeBackend) Endpoint() string             { return "http://fake" }

func (b *fakeBackend) StartStream(ctx context.Context, prompt string, snap *config.Snapshot) *client.TokenStream {
	b.mu.Lock()
	b.prompts = append(b.prompts, prompt)
	b.mu.Unlock()

	var streamCtx context.Context
	open := func(ctx context.Context) (io.ReadCloser, error) {
		if b.openErr != nil {
			return nil, b.openErr
		}
		streamCtx = ctx
		return io.NopCloser(strings.NewReader("")), nil
	}
	newDecoder := func(io.Reader) client.Decoder {
		return &replayDecoder{ctx: streamCtx, frags: append([]client.Fragment(nil), b.frags...), hold: b.hold}
	}
	return client.NewTokenStream(ctx, open, newDecoder, b.stops)
}

func (b *fakeBackend) lastPrompt() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.prompts) == 0 {
		return ""
	}
	return b.prompts[len(b.prompts)-1]
}

type replayDecoder struct {
	ctx   context.Context
	frags []client.Fragment
	hold  bool
}

func (d *replayDecoder) Next() (client.Fragment, error) {
	if len(d.frags) > 0 {
		f := d.frags[0]
		d.frags = d.frags[1:]
		return f, nil
	}
	if d.hold {
		<-d.ctx.Done()
		return client.Fragment{}, d.ctx.Err()
	}
	return client.Fragment{}, io.EOF
}

// fakeGenerator answers preview requests with a fixed response
type fakeGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

func (g *fakeGenerator) Generate(ctx context.Context, snap *config.Snapshot, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return g.response, g.err
}
