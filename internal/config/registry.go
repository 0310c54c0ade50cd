package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/MrWong99/brokervoice/pkg/audio"
	"github.com/MrWong99/brokervoice/pkg/provider/s2s"
)

var (
	// ErrProviderNotRegistered is returned by Create* methods when no factory has
	// been registered under the requested provider name.
	ErrProviderNotRegistered = errors.New("config: provider not registered")

	// ErrUnknownVoice is returned by [Registry.CheckVoice] for a voice the
	// provider does not offer.
	ErrUnknownVoice = errors.New("config: unknown voice")
)

// AudioDevices is the microphone and speaker pair produced by an audio
// backend factory.
type AudioDevices struct {
	Input  audio.InputDevice
	Output audio.OutputDevice
}

type s2sFactory struct {
	create func(ProviderEntry) (s2s.Provider, error)
	voices []string
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	s2s   map[string]s2sFactory
	audio map[AudioBackend]func(AudioConfig) (AudioDevices, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:   make(map[string]s2sFactory),
		audio: make(map[AudioBackend]func(AudioConfig) (AudioDevices, error)),
	}
}

// RegisterS2S registers an S2S provider factory under name together with the
// prebuilt voices it accepts. Subsequent calls with the same name overwrite
// the previous registration.
func (r *Registry) RegisterS2S(name string, voices []string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = s2sFactory{create: factory, voices: slices.Clone(voices)}
}

// RegisterAudio registers an audio backend factory.
func (r *Registry) RegisterAudio(backend AudioBackend, factory func(AudioConfig) (AudioDevices, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[backend] = factory
}

// CreateS2S instantiates an S2S provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	f, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f.create(entry)
}

// CreateAudio instantiates the devices of the configured backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (AudioDevices, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return AudioDevices{}, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// Voices returns the voices registered for the named S2S provider.
func (r *Registry) Voices(name string) ([]string, error) {
	r.mu.RLock()
	f, ok := r.s2s[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, name)
	}
	return slices.Clone(f.voices), nil
}

// S2SNames returns the registered S2S provider names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for n := range r.s2s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckVoice reports whether voice is offered by the named provider. The
// empty voice selects the provider default and always passes; so does a
// provider registered without a voice list.
func (r *Registry) CheckVoice(provider, voice string) error {
	if voice == "" {
		return nil
	}
	voices, err := r.Voices(provider)
	if err != nil {
		return err
	}
	if len(voices) == 0 || slices.Contains(voices, voice) {
		return nil
	}
	return fmt.Errorf("%w: %q is not offered by %s (available: %v)", ErrUnknownVoice, voice, provider, voices)
}
