package preview

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"kbcoder/client/ollama"
	"kbcoder/config"
	"kbcoder/logger"
	"kbcoder/prompt"
	"kbcoder/types"
	"kbcoder/utils"
)

// Placeholder item contents
const (
	PlaceholderLabel      = "Autocomplete with Ollama"
	PlaceholderInsertText = "${1:}"
	Documentation         = "Press `Enter` to get an autocompletion from Ollama"
	// CommandAutocomplete asks the editor to start a full streaming completion on accept
	CommandAutocomplete = "autocomplete"
)

const (
	// DefaultCacheTTL is how long an identical preview prompt reuses its response
	DefaultCacheTTL = 30 * time.Second
	// CacheCapacity bounds the number of cached responses
	CacheCapacity = 256
	// RequestTimeout bounds a shared preview request, which outlives the callers that cancel
	RequestTimeout = 30 * time.Second
)

// StopTokens keep previews to a single line
var StopTokens = []string{"\n", "```"}

// Item is a completion item offered to the editor
type Item struct {
	Label         string `msgpack:"label" json:"label"`
	InsertText    string `msgpack:"insert_text" json:"insert_text"`
	IsSnippet     bool   `msgpack:"is_snippet" json:"is_snippet"`
	Documentation string `msgpack:"documentation" json:"documentation"`
	Command       string `msgpack:"command,omitempty" json:"command,omitempty"`
}

// Placeholder returns the item shown when no preview text is available
func Placeholder() *Item {
	return &Item{
		Label:         PlaceholderLabel,
		InsertText:    PlaceholderInsertText,
		IsSnippet:     true,
		Documentation: Documentation,
	}
}

// Request is the editor state a preview is built from
type Request struct {
	Language         string
	FileName         string
	ProjectName      string
	TextBeforeCursor string
}

// NewRequest builds a Request from editor state
func NewRequest(state *types.EditorState) Request {
	return Request{
		Language:         state.Target.Language,
		FileName:         state.Target.Path,
		ProjectName:      state.ProjectName,
		TextBeforeCursor: prompt.TextBeforeCursor(state.Target.Text, state.Cursor),
	}
}

// Generator sends one non-streamed generation request
type Generator interface {
	Generate(ctx context.Context, snap *config.Snapshot, prompt string) (string, error)
}

// OllamaGenerator sends previews to the snapshot's raw endpoint
type OllamaGenerator struct{}

// Generate implements Generator
func (OllamaGenerator) Generate(ctx context.Context, snap *config.Snapshot, prompt string) (string, error) {
	c := ollama.NewClient(snap.Endpoint, snap.BearerToken)
	req := ollama.NewGenerateRequest(snap.Model, prompt, false, snap.PreviewMaxTokens, snap.Temperature, StopTokens)
	resp, err := c.DoGenerate(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

// Responder produces preview items. Identical concurrent requests share one
// HTTP call and results are cached briefly.
type Responder struct {
	Generator Generator

	cache *ttlcache.Cache[string, string]
	group singleflight.Group
	// shared requests run under ctx, not under any one caller's
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewResponder creates a responder backed by OllamaGenerator
func NewResponder() *Responder {
	return NewResponderWith(OllamaGenerator{}, DefaultCacheTTL)
}

// NewResponderWith creates a responder with a custom generator and cache TTL.
// Expired entries are evicted in the background until Close.
func NewResponderWith(gen Generator, ttl time.Duration) *Responder {
	c := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithCapacity[string, string](CacheCapacity),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go c.Start()

	ctx, cancel := context.WithCancel(context.Background())
	return &Responder{Generator: gen, cache: c, ctx: ctx, cancel: cancel}
}

// Close aborts in-flight requests and stops the cache's eviction loop
func (r *Responder) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.cache.Stop()
	})
}

// Respond returns the item for req. It always returns a usable item; the
// error reports a failed preview request, which leaves the placeholder.
// A cancelled ctx yields the placeholder and no error.
func (r *Responder) Respond(ctx context.Context, snap *config.Snapshot, req Request) (*Item, error) {
	defer logger.Trace("preview.Respond")()

	item := Placeholder()
	if !snap.PreviewEnabled {
		item.Command = CommandAutocomplete
		return item, nil
	}

	if snap.PreviewDelay > 0 {
		timer := time.NewTimer(snap.PreviewDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			item.Command = CommandAutocomplete
			return item, nil
		case <-timer.C:
		}
	}
	if ctx.Err() != nil {
		item.Command = CommandAutocomplete
		return item, nil
	}

	p := BuildPrompt(snap, req)
	text, err := r.generate(ctx, snap, p)
	if ctx.Err() != nil {
		item.Command = CommandAutocomplete
		return item, nil
	}
	if err != nil {
		item.Command = CommandAutocomplete
		return item, fmt.Errorf("preview request failed: %w", err)
	}

	produced := false
	if strings.TrimSpace(text) != "" {
		trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
		item.Label = trimmed
		item.InsertText = trimmed
		item.IsSnippet = false
		produced = true
	}

	if snap.ContinueInline || !produced {
		item.Command = CommandAutocomplete
	}
	return item, nil
}

// BuildPrompt is the substituted message header followed by the tail of the
// text before the cursor
func BuildPrompt(snap *config.Snapshot, req Request) string {
	header := prompt.SubstituteHeader(snap.MessageHeader, prompt.HeaderVars{
		Language:    req.Language,
		FileName:    req.FileName,
		ProjectName: req.ProjectName,
	})
	return header + utils.TailRunes(req.TextBeforeCursor, snap.PromptWindowSize)
}

// generate returns the cached response or joins the in-flight request for the
// same key. The shared request outlives a cancelled caller; ctx only ends
// this caller's wait.
func (r *Responder) generate(ctx context.Context, snap *config.Snapshot, p string) (string, error) {
	key := fmt.Sprintf("%s\x00%s\x00%d\x00%g\x00%s", snap.Endpoint, snap.Model, snap.PreviewMaxTokens, snap.Temperature, p)
	if cached := r.cache.Get(key); cached != nil {
		logger.Debug("preview: cache hit")
		return cached.Value(), nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		reqCtx, cancel := context.WithTimeout(r.ctx, RequestTimeout)
		defer cancel()
		text, err := r.Generator.Generate(reqCtx, snap, p)
		if err != nil {
			return "", err
		}
		r.cache.Set(key, text, ttlcache.DefaultTTL)
		return text, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			logger.Debug("preview: shared in-flight request")
		}
		return res.Val.(string), nil
	}
}
