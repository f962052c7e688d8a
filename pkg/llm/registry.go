package llm

import (
	"fmt"
	"os"
)

// ClientConfig describes one entry of the client registry.
type ClientConfig struct {
	Name     string            `yaml:"name"`
	Provider string            `yaml:"provider"`
	Options  map[string]string `yaml:"options"`
}

// RegistryConfig is the client_registry configuration surface.
type RegistryConfig struct {
	Primary string         `yaml:"primary"`
	Clients []ClientConfig `yaml:"clients"`
}

// Registry resolves configured LLM clients by name.
type Registry struct {
	primary string
	clients map[string]Client
}

// NewRegistry builds clients from configuration. Currently supported
// providers: "anthropic". Options: api_key, api_key_env, model, base_url.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if len(cfg.Clients) == 0 {
		return nil, fmt.Errorf("client_registry: no clients configured")
	}

	r := &Registry{clients: make(map[string]Client, len(cfg.Clients))}
	for _, cc := range cfg.Clients {
		if cc.Name == "" {
			return nil, fmt.Errorf("client_registry: client with empty name")
		}
		if _, dup := r.clients[cc.Name]; dup {
			return nil, fmt.Errorf("client_registry: duplicate client name %q", cc.Name)
		}
		client, err := buildClient(cc)
		if err != nil {
			return nil, err
		}
		r.clients[cc.Name] = client
	}

	r.primary = cfg.Primary
	if r.primary == "" {
		r.primary = cfg.Clients[0].Name
	}
	if _, ok := r.clients[r.primary]; !ok {
		return nil, fmt.Errorf("client_registry: primary %q is not a configured client", r.primary)
	}
	return r, nil
}

// NewRegistryFromClients wraps pre-built clients; used by tests and by
// callers overriding the transport.
func NewRegistryFromClients(primary string, clients ...Client) (*Registry, error) {
	r := &Registry{primary: primary, clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	if _, ok := r.clients[primary]; !ok {
		return nil, fmt.Errorf("client_registry: primary %q is not a configured client", primary)
	}
	return r, nil
}

func buildClient(cc ClientConfig) (Client, error) {
	switch cc.Provider {
	case "anthropic":
		apiKey := cc.Options["api_key"]
		if apiKey == "" {
			env := cc.Options["api_key_env"]
			if env == "" {
				env = "ANTHROPIC_API_KEY"
			}
			apiKey = os.Getenv(env)
		}
		return NewAnthropicClient(cc.Name, AnthropicConfig{
			APIKey:  apiKey,
			Model:   cc.Options["model"],
			BaseURL: cc.Options["base_url"],
		})
	default:
		return nil, fmt.Errorf("client_registry: unknown provider %q for client %q", cc.Provider, cc.Name)
	}
}

// Primary returns the default client.
func (r *Registry) Primary() Client {
	return r.clients[r.primary]
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names returns all configured client names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
