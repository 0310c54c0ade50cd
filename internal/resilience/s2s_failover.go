package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/brokervoice/pkg/provider/s2s"
)

// S2SFailover implements [s2s.Provider] by dialling the first healthy
// provider of a group. Failover covers only [s2s.Provider.Connect]: once a
// session is established its failures end the session as usual.
type S2SFailover struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFailover)(nil)

// NewS2SFailover creates an [S2SFailover] with primary as the preferred
// provider.
func NewS2SFailover(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFailover {
	return &S2SFailover{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional provider.
func (f *S2SFailover) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Connect dials each provider in order until one accepts. Providers that do
// not offer the requested voice are skipped.
func (f *S2SFailover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	skip := func(name string, p s2s.Provider) bool {
		caps := p.Capabilities()
		if len(caps.Voices) > 0 && !caps.SupportsVoice(cfg.Voice) {
			slog.Debug("resilience: provider does not offer voice", "provider", name, "voice", cfg.Voice)
			return true
		}
		return false
	}
	h, name, err := ExecuteWithResult(ctx, f.group, skip, func(ctx context.Context, p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	if name != f.group.Names()[0] {
		slog.Info("resilience: voice session dialled on fallback provider", "provider", name)
	}
	return h, nil
}

// Capabilities returns the primary provider's capabilities.
func (f *S2SFailover) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}
