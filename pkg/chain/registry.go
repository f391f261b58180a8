package chain

import (
	"sync"

	"go.uber.org/fx"
)

var Module = fx.Module("chain",
	fx.Provide(NewRegistry),
)

// Registry caches one dialed client per RPC endpoint.
type Registry struct {
	mu      sync.Mutex
	dial    func(rpcURL string) (Client, error)
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{
		dial:    Dial,
		clients: make(map[string]Client),
	}
}

// NewRegistryWithDialer is the injection point for tests.
func NewRegistryWithDialer(dial func(rpcURL string) (Client, error)) *Registry {
	return &Registry{
		dial:    dial,
		clients: make(map[string]Client),
	}
}

func (r *Registry) Client(rpcURL string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[rpcURL]; ok {
		return c, nil
	}

	c, err := r.dial(rpcURL)
	if err != nil {
		return nil, err
	}

	r.clients[rpcURL] = c
	return c, nil
}
