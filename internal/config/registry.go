package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(ProviderEntry) (llm.Provider, error)
	tts map[string]func(ProviderEntry) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateLLM instantiates the LLM provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates the TTS provider registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Check reports every provider cfg names that has no registered factory.
func (r *Registry) Check(cfg *Config) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	check := func(key, name string, known []string) {
		if name != "" && !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("%w: %s %q (registered: %v)", ErrProviderNotRegistered, key, name, known))
		}
	}
	llms := slices.Sorted(maps.Keys(r.llm))
	ttss := slices.Sorted(maps.Keys(r.tts))

	check("providers.llm", cfg.Providers.LLM.Name, llms)
	check("providers.summariser", cfg.Providers.Summariser.Name, llms)
	for i, fb := range cfg.Providers.LLMFallbacks {
		check(fmt.Sprintf("providers.llm_fallbacks[%d]", i), fb.Name, llms)
	}
	check("providers.tts", cfg.Providers.TTS.Name, ttss)
	for i, fb := range cfg.Providers.TTSFallbacks {
		check(fmt.Sprintf("providers.tts_fallbacks[%d]", i), fb.Name, ttss)
	}
	return errors.Join(errs...)
}
