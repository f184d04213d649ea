package provider

import "fmt"

// Factory creates a provider instance from opaque config (provider-specific).
type Factory func(any) (Provider, error)

var registry = map[string]Factory{}

// Register binds a provider name to its factory.
func Register(name string, f Factory) {
	registry[name] = f
}

// New returns a provider instance by name.
func New(name string, cfg any) (Provider, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", name)
	}
	return f(cfg)
}

// NewAll builds one provider per name, in order.
func NewAll(names []string, cfg any) ([]Provider, error) {
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		p, err := New(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, p)
	}
	return out, nil
}
