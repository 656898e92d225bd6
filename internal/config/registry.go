package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/provider/keyword"
	"github.com/MrWong99/puertocho/pkg/provider/uplink"
	"github.com/MrWong99/puertocho/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	keyword map[string]func(ProviderEntry) (keyword.Engine, error)
	vad     map[string]func(ProviderEntry) (vad.Engine, error)
	audio   map[string]func(ProviderEntry) (audio.Source, error)
	uplink  map[string]func(ProviderEntry) (uplink.Link, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		keyword: make(map[string]func(ProviderEntry) (keyword.Engine, error)),
		vad:     make(map[string]func(ProviderEntry) (vad.Engine, error)),
		audio:   make(map[string]func(ProviderEntry) (audio.Source, error)),
		uplink:  make(map[string]func(ProviderEntry) (uplink.Link, error)),
	}
}

// RegisterKeyword registers a keyword engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterKeyword(name string, factory func(ProviderEntry) (keyword.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyword[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterAudio registers an audio source factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterUplink registers a backend link factory under name.
func (r *Registry) RegisterUplink(name string, factory func(ProviderEntry) (uplink.Link, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uplink[name] = factory
}

// create looks up entry.Name in m and runs the factory.
func create[T any](r *Registry, kind string, m map[string]func(ProviderEntry) (T, error), entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

// CreateKeyword instantiates a keyword engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateKeyword(entry ProviderEntry) (keyword.Engine, error) {
	return create(r, "keyword", r.keyword, entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(r, "vad", r.vad, entry)
}

// CreateAudio instantiates an audio source using the factory registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Source, error) {
	return create(r, "audio", r.audio, entry)
}

// CreateUplink instantiates a backend link using the factory registered under entry.Name.
func (r *Registry) CreateUplink(entry ProviderEntry) (uplink.Link, error) {
	return create(r, "uplink", r.uplink, entry)
}

// Names returns the sorted provider names registered for kind ("keyword",
// "vad", "audio" or "uplink").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "keyword":
		names = keys(r.keyword)
	case "vad":
		names = keys(r.vad)
	case "audio":
		names = keys(r.audio)
	case "uplink":
		names = keys(r.uplink)
	}
	slices.Sort(names)
	return names
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
