package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned by EnvOverlay when neither the environment nor a
// fallback getter can supply a parameter.
var ErrNotFound = errors.New("paramstore: parameter not found")

// EnvOverlay serves parameters from environment variables first and defers to
// an optional fallback Getter (normally SSM) for the rest.
type EnvOverlay struct {
	vars     map[string]string
	lookup   func(string) string
	fallback Getter
}

type OverlayOption func(*EnvOverlay)

// WithFallback sets the getter consulted when the environment has no value.
func WithFallback(g Getter) OverlayOption {
	return func(o *EnvOverlay) {
		o.fallback = g
	}
}

// WithLookup replaces os.Getenv, e.g. in tests.
func WithLookup(lookup func(string) string) OverlayOption {
	return func(o *EnvOverlay) {
		if lookup != nil {
			o.lookup = lookup
		}
	}
}

// NewEnvOverlay maps parameter names to the environment variables that
// override them.
func NewEnvOverlay(vars map[string]string, opts ...OverlayOption) *EnvOverlay {
	o := &EnvOverlay{
		vars:   make(map[string]string, len(vars)),
		lookup: os.Getenv,
	}
	for name, env := range vars {
		o.vars[name] = env
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *EnvOverlay) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if env, ok := o.vars[name]; ok {
		if v := strings.TrimSpace(o.lookup(env)); v != "" {
			return v, nil
		}
	}
	if o.fallback == nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return o.fallback.GetParameter(ctx, name)
}

// tokenPayload is the expected JSON shape stored in SSM for API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// Token fetches an API token. Values that look like JSON are decoded as
// {"token": "..."}; anything else is used verbatim.
func Token(ctx context.Context, g Getter, name string) (string, error) {
	if g == nil {
		return "", errors.New("paramstore: getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: token parameter name is empty")
	}

	raw, err := g.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", fmt.Errorf("paramstore: API token %q is empty", name)
	}
	return raw, nil
}
