package render

import (
	"fmt"
	"strings"

	"atelier/pkg/config"
)

// BackendFactory builds a renderer from the render configuration.
type BackendFactory func(cfg config.RenderConfig) (Renderer, error)

var backendFactories = map[string]BackendFactory{}

// RegisterBackend registers a renderer backend factory under a name.
func RegisterBackend(name string, factory BackendFactory) {
	if name == "" || factory == nil {
		return
	}
	backendFactories[strings.ToLower(name)] = factory
}

func init() {
	RegisterBackend("http", func(cfg config.RenderConfig) (Renderer, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("http render backend requires base_url")
		}
		return NewHTTPRenderer(cfg), nil
	})
	RegisterBackend("local", func(cfg config.RenderConfig) (Renderer, error) {
		return NewLocalRenderer(cfg), nil
	})
}

// New creates the configured renderer backend. An empty backend name
// selects http when a base URL is configured and local otherwise.
func New(cfg config.RenderConfig) (Renderer, error) {
	backend := strings.ToLower(cfg.Backend)
	if backend == "" {
		backend = "local"
		if cfg.BaseURL != "" {
			backend = "http"
		}
	}

	factory, ok := backendFactories[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported render backend: %s", cfg.Backend)
	}
	return factory(cfg)
}
