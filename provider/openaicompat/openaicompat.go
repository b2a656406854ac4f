package openaicompat

import (
	"context"
	"slices"

	"kbcoder/client"
	"kbcoder/client/openai"
	"kbcoder/config"
	"kbcoder/types"
)

// StopTokens ends an OpenAI-compatible stream when a fragment equals one of them
var StopTokens = []string{"[DONE]", "</s>", "<|EOT|>", "<|begin_of_sentence|>", "<|end_of_sentence|>", "[INST]"}

// Backend streams from an OpenAI-compatible completions endpoint
type Backend struct {
	Client *openai.Client
}

// New creates a backend for the snapshot's client base URL and API key
func New(snap *config.Snapshot) *Backend {
	return &Backend{Client: openai.NewClient(snap.ClientBaseURL, snap.ClientAPIKey)}
}

func (b *Backend) Name() string { return "openai" }
func (b *Backend) Protocol() types.ProtocolType { return types.ProtocolOpenAI }
func (b *Backend) StopTokens() []string { return slices.Clone(StopTokens) }
func (b *Backend) Endpoint() string { return b.Client.BaseURL + "/completions" }

// WatchesDocumentClose is false: closing the target document does not abort
// an OpenAI-compatible stream.
func (b *Backend) WatchesDocumentClose() bool { return false }

// StartStream opens a streamed completion and yields the first choice's text per event
func (b *Backend) StartStream(ctx context.Context, prompt string, snap *config.Snapshot) *client.TokenStream {
	req := openai.NewCompletionRequest(snap.Model, prompt, snap.MaxPredictedTokens, snap.Temperature, StopTokens)
	return b.Client.DoTokenStream(ctx, req, StopTokens)
}
