package formatter

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Davincible/msgbridge/internal/capability"
)

// ErrUnsupportedProvider is returned for provider names the registry has no formatter for.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// DefaultBindings maps provider names to the dialect their API speaks.
func DefaultBindings() map[string]string {
	return map[string]string{
		"anthropic":  DialectAnthropic,
		"openai":     DialectOpenAI,
		"openrouter": DialectOpenAI,
		"nvidia":     DialectOpenAI,
		"deepseek":   DialectOpenAI,
		"gemini":     DialectGemini,
		"ai-sdk":     DialectAISDK,
		"google":     DialectAISDK,
		"mistral":    DialectAISDK,
		"groq":       DialectAISDK,
		"xai":        DialectAISDK,
	}
}

// Registry resolves provider names to formatters. It is built once and never
// modified, so concurrent lookups need no locking.
type Registry struct {
	rules      *capability.Rules
	formatters map[string]Formatter
	bindings   map[string]string
}

// NewRegistry builds one formatter per dialect and binds every provider name to
// one of them. A nil rules value uses capability.DefaultRules.
func NewRegistry(rules *capability.Rules, logger *slog.Logger, bindings map[string]string) (*Registry, error) {
	if rules == nil {
		rules = capability.DefaultRules()
	}

	if bindings == nil {
		bindings = DefaultBindings()
	}

	dialects := map[string]Formatter{
		DialectAnthropic: NewAnthropicFormatter(rules, logger),
		DialectAISDK:     NewAISDKFormatter(rules, logger),
		DialectOpenAI:    NewOpenAIFormatter(rules, logger),
		DialectGemini:    NewGeminiFormatter(rules, logger),
	}

	r := &Registry{
		rules:      rules,
		formatters: make(map[string]Formatter, len(bindings)),
		bindings:   make(map[string]string, len(bindings)),
	}

	for provider, dialect := range bindings {
		name := strings.ToLower(strings.TrimSpace(provider))
		if name == "" {
			return nil, errors.New("empty provider name in formatter bindings")
		}

		f, ok := dialects[strings.ToLower(dialect)]
		if !ok {
			return nil, fmt.Errorf("provider %q: unknown formatter %q", provider, dialect)
		}

		r.formatters[name] = f
		r.bindings[name] = f.Name()
	}

	return r, nil
}

// Get retrieves the formatter bound to a provider name.
func (r *Registry) Get(provider string) (Formatter, bool) {
	f, ok := r.formatters[strings.ToLower(strings.TrimSpace(provider))]
	return f, ok
}

// List returns the registered provider names in sorted order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.formatters))
	for name := range r.formatters {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Dialect returns the formatter name a provider is bound to.
func (r *Registry) Dialect(provider string) string {
	return r.bindings[strings.ToLower(strings.TrimSpace(provider))]
}

// Select returns the formatter for provider together with the capability
// context to pass to it.
func (r *Registry) Select(provider, model string) (Formatter, capability.Context, error) {
	f, ok := r.Get(provider)
	if !ok {
		return nil, capability.Context{}, fmt.Errorf("%w %q", ErrUnsupportedProvider, provider)
	}

	return f, capability.Context{Provider: strings.ToLower(strings.TrimSpace(provider)), Model: model}, nil
}

// Capabilities resolves what provider and model accept under the registry's rules.
func (r *Registry) Capabilities(provider, model string) (capability.Capabilities, error) {
	if _, ok := r.Get(provider); !ok {
		return capability.Capabilities{}, fmt.Errorf("%w %q", ErrUnsupportedProvider, provider)
	}

	return r.rules.Resolve(capability.Context{Provider: strings.ToLower(strings.TrimSpace(provider)), Model: model})
}
