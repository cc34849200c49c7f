package runner

import (
	"net/http"
	"sync"
	"time"

	"github.com/verdict-network/verdict/lib"
)

// Registry maps model providers to runners; providers without a dedicated runner use the default (if any)
type Registry struct {
	mu        sync.RWMutex
	runners   map[string]Runner
	defaultTo Runner
}

// NewRegistry() creates a registry with an optional default runner
func NewRegistry(defaultRunner Runner) *Registry {
	return &Registry{runners: make(map[string]Runner), defaultTo: defaultRunner}
}

// NewRegistryFromConfig() builds the JSON-RPC runner clients named by the configuration
func NewRegistryFromConfig(config lib.RunnerConfig, timeout time.Duration) *Registry {
	httpClient := &http.Client{Timeout: timeout}
	var def Runner
	if config.DefaultRunnerURL != "" {
		def = NewClient(config.DefaultRunnerURL, httpClient)
	}
	r := NewRegistry(def)
	for provider, url := range config.RunnerURLs {
		r.Register(provider, NewClient(url, httpClient))
	}
	return r
}

// Register() sets the runner of a provider
func (r *Registry) Register(provider string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[provider] = runner
}

// Get() returns the runner serving a provider
func (r *Registry) Get(provider string) (Runner, lib.ErrorI) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if runner, ok := r.runners[provider]; ok {
		return runner, nil
	}
	if r.defaultTo != nil {
		return r.defaultTo, nil
	}
	return nil, lib.ErrUnknownProvider(provider)
}
