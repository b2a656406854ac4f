package provider

import (
	"context"

	"kbcoder/client"
	"kbcoder/config"
	"kbcoder/logger"
	"kbcoder/provider/openaicompat"
	"kbcoder/provider/raw"
	"kbcoder/types"
	"kbcoder/utils"
)

// Backend is one streaming wire protocol
type Backend interface {
	Name() string
	Protocol() types.ProtocolType
	StopTokens() []string
	// WatchesDocumentClose reports whether closing the target document cancels the stream
	WatchesDocumentClose() bool
	Endpoint() string
	StartStream(ctx context.Context, prompt string, snap *config.Snapshot) *client.TokenStream
}

// Compile-time checks
var (
	_ Backend = (*raw.Backend)(nil)
	_ Backend = (*openaicompat.Backend)(nil)
	_ Backend = (*Provider)(nil)
)

// Factory builds the backend for a snapshot
type Factory func(snap *config.Snapshot) Backend

// Provider wraps a Backend with request and response logging
type Provider struct {
	Backend
}

// New picks the backend selected by the snapshot's protocol flag
func New(snap *config.Snapshot) Backend {
	if snap.UseOpenAISpec {
		return &Provider{Backend: openaicompat.New(snap)}
	}
	return &Provider{Backend: raw.New(snap)}
}

// StartStream implements Backend
func (p *Provider) StartStream(ctx context.Context, prompt string, snap *config.Snapshot) *client.TokenStream {
	p.logRequest(prompt, snap)
	return p.Backend.StartStream(ctx, prompt, snap)
}

// LogResult records the end of a stream
func (p *Provider) LogResult(result client.StreamResult) {
	logger.Debug("%s provider response:\n  Text length: %d chars\n  FinishReason: %s\n  Err: %v\n  Text: %q",
		p.Name(),
		len(result.Text),
		result.FinishReason,
		result.Err,
		result.Text)
}

func (p *Provider) logRequest(prompt string, snap *config.Snapshot) {
	logger.Debug("%s provider request:\n  URL: %s\n  Model: %s\n  Temperature: %.2f\n  MaxTokens: %d\n  Prompt length: %d chars (~%d tokens)\n  Prompt:\n%s",
		p.Name(),
		p.Endpoint(),
		snap.Model,
		snap.Temperature,
		snap.MaxPredictedTokens,
		len(prompt),
		utils.EstimateTokens(prompt),
		prompt)
}
