package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/tutorlive/pkg/audio"
	"github.com/MrWong99/tutorlive/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider and backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	provider map[string]func(ProviderConfig) (live.Provider, error)
	capture  map[string]func(CaptureConfig) (audio.Microphone, error)
	playback map[string]func(PlaybackConfig) (audio.Speaker, error)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		provider: make(map[string]func(ProviderConfig) (live.Provider, error)),
		capture:  make(map[string]func(CaptureConfig) (audio.Microphone, error)),
		playback: make(map[string]func(PlaybackConfig) (audio.Speaker, error)),
	}
}

// RegisterProvider registers a live voice provider factory under name.
// A later registration under the same name replaces the earlier one.
func (r *Registry) RegisterProvider(name string, factory func(ProviderConfig) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider[name] = factory
}

// RegisterCapture registers a microphone backend factory under name.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (audio.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a speaker backend factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(PlaybackConfig) (audio.Speaker, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateProvider instantiates the provider registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateProvider(cfg ProviderConfig) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.provider[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateCapture instantiates the microphone backend registered under cfg.Backend.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreatePlayback instantiates the speaker backend registered under cfg.Backend.
func (r *Registry) CreatePlayback(cfg PlaybackConfig) (audio.Speaker, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
