package raw

import (
	"context"
	"slices"

	"kbcoder/client"
	"kbcoder/client/ollama"
	"kbcoder/config"
	"kbcoder/types"
)

// StopTokens ends a raw stream when a fragment equals one of them
var StopTokens = []string{"```", "[DONE]", "</s>", "<|EOL|>"}

// Backend streams from a raw generation endpoint
type Backend struct {
	Client *ollama.Client
}

// New creates a raw backend for the snapshot's endpoint and bearer token
func New(snap *config.Snapshot) *Backend {
	return &Backend{Client: ollama.NewClient(snap.Endpoint, snap.BearerToken)}
}

func (b *Backend) Name() string { return "raw" }
func (b *Backend) Protocol() types.ProtocolType { return types.ProtocolRaw }
func (b *Backend) StopTokens() []string { return slices.Clone(StopTokens) }
func (b *Backend) WatchesDocumentClose() bool { return true }
func (b *Backend) Endpoint() string { return b.Client.URL }

// StartStream posts the prompt in raw mode and streams the response fragments
func (b *Backend) StartStream(ctx context.Context, prompt string, snap *config.Snapshot) *client.TokenStream {
	req := ollama.NewGenerateRequest(snap.Model, prompt, true, snap.MaxPredictedTokens, snap.Temperature, StopTokens)
	return b.Client.DoTokenStream(ctx, req, StopTokens)
}
