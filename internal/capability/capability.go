// Package capability decides what a provider/model pair accepts and prunes
// conversation history accordingly.
package capability

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrInvalidContext marks configuration errors in a filtering context.
	ErrInvalidContext = errors.New("invalid capability context")

	ErrMissingProvider = fmt.Errorf("%w: provider is required", ErrInvalidContext)
	ErrUnknownProvider = fmt.Errorf("%w: unknown provider", ErrInvalidContext)
)

// Context identifies the target of a formatting call.
type Context struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// Capabilities lists the input features a model accepts.
type Capabilities struct {
	Vision        bool
	Files         bool
	FileMIMETypes []string // empty means any type when Files is set
	SystemRole    bool
	Tools         bool
}

// AcceptsFile reports whether a file of the given media type may be sent.
func (c Capabilities) AcceptsFile(mediaType string) bool {
	if !c.Files {
		return false
	}

	if len(c.FileMIMETypes) == 0 {
		return true
	}

	return slices.Contains(c.FileMIMETypes, strings.ToLower(mediaType))
}

// Override changes selected capabilities. Nil fields inherit.
type Override struct {
	Vision        *bool
	Files         *bool
	FileMIMETypes []string
	SystemRole    *bool
	Tools         *bool
}

// Apply returns c with the set fields of o replaced.
func (o Override) Apply(c Capabilities) Capabilities {
	if o.Vision != nil {
		c.Vision = *o.Vision
	}

	if o.Files != nil {
		c.Files = *o.Files
	}

	if o.FileMIMETypes != nil {
		c.FileMIMETypes = slices.Clone(o.FileMIMETypes)
	}

	if o.SystemRole != nil {
		c.SystemRole = *o.SystemRole
	}

	if o.Tools != nil {
		c.Tools = *o.Tools
	}

	return c
}

// ModelRule applies an override to models whose name matches Pattern.
// Patterns use doublestar syntax, so "**" crosses the "/" in vendor-prefixed names.
type ModelRule struct {
	Pattern  string
	Override Override
}

// ProviderRules holds the defaults for one provider and its model rules, applied in order.
type ProviderRules struct {
	Defaults Capabilities
	Models   []ModelRule
}

// Rules maps provider names to capability rules. It is read-only once built.
type Rules struct {
	providers map[string]ProviderRules
}

// NewRules validates model patterns and builds a rule set.
func NewRules(providers map[string]ProviderRules) (*Rules, error) {
	r := &Rules{providers: make(map[string]ProviderRules, len(providers))}

	for name, pr := range providers {
		for _, mr := range pr.Models {
			if !doublestar.ValidatePattern(mr.Pattern) {
				return nil, fmt.Errorf("provider %s: invalid model pattern %q", name, mr.Pattern)
			}
		}

		r.providers[strings.ToLower(name)] = pr
	}

	return r, nil
}

// Providers returns the provider names known to the rule set.
func (r *Rules) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Resolve returns the capabilities for ctx.
func (r *Rules) Resolve(ctx Context) (Capabilities, error) {
	if r == nil {
		return Capabilities{}, fmt.Errorf("%w: no capability rules loaded", ErrInvalidContext)
	}

	provider := strings.ToLower(strings.TrimSpace(ctx.Provider))
	if provider == "" {
		return Capabilities{}, ErrMissingProvider
	}

	pr, ok := r.providers[provider]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w %q", ErrUnknownProvider, ctx.Provider)
	}

	caps := pr.Defaults
	model := strings.ToLower(ctx.Model)

	for _, mr := range pr.Models {
		if matched, _ := doublestar.Match(strings.ToLower(mr.Pattern), model); matched {
			caps = mr.Override.Apply(caps)
		}
	}

	return caps, nil
}

func boolPtr(b bool) *bool { return &b }

// DefaultRules returns the built-in capability table.
func DefaultRules() *Rules {
	rules, _ := NewRules(DefaultProviderRules())

	return rules
}

// DefaultProviderRules returns a fresh copy of the built-in rule definitions.
func DefaultProviderRules() map[string]ProviderRules {
	full := Capabilities{Vision: true, Files: true, SystemRole: true, Tools: true}
	pdfOnly := Capabilities{Vision: true, Files: true, FileMIMETypes: []string{"application/pdf"}, SystemRole: true, Tools: true}
	textOnly := Capabilities{SystemRole: true, Tools: true}

	return map[string]ProviderRules{
		"anthropic": {
			Defaults: Capabilities{Vision: true, Files: true, FileMIMETypes: []string{"application/pdf", "text/plain"}, SystemRole: true, Tools: true},
			Models: []ModelRule{
				{Pattern: "claude-instant*", Override: Override{Vision: boolPtr(false), Files: boolPtr(false)}},
				{Pattern: "claude-2*", Override: Override{Vision: boolPtr(false), Files: boolPtr(false)}},
			},
		},
		"openai": {
			Defaults: pdfOnly,
			Models: []ModelRule{
				{Pattern: "gpt-3.5*", Override: Override{Vision: boolPtr(false), Files: boolPtr(false)}},
				{Pattern: "o1-mini*", Override: Override{Vision: boolPtr(false), Files: boolPtr(false), SystemRole: boolPtr(false), Tools: boolPtr(false)}},
				{Pattern: "o1-preview*", Override: Override{Vision: boolPtr(false), Files: boolPtr(false), SystemRole: boolPtr(false), Tools: boolPtr(false)}},
			},
		},
		"openrouter": {Defaults: pdfOnly},
		"nvidia":     {Defaults: textOnly},
		"deepseek": {
			Defaults: textOnly,
			Models: []ModelRule{
				{Pattern: "deepseek-reasoner*", Override: Override{Tools: boolPtr(false)}},
			},
		},
		"gemini": {Defaults: full},
		"google": {Defaults: full},
		"ai-sdk": {Defaults: full},
		"mistral": {
			Defaults: textOnly,
			Models: []ModelRule{
				{Pattern: "pixtral*", Override: Override{Vision: boolPtr(true)}},
				{Pattern: "mistral-{medium,small}-*", Override: Override{Vision: boolPtr(true)}},
			},
		},
		"groq": {
			Defaults: textOnly,
			Models: []ModelRule{
				{Pattern: "**/llama-4-*", Override: Override{Vision: boolPtr(true)}},
			},
		},
		"xai": {
			Defaults: textOnly,
			Models: []ModelRule{
				{Pattern: "grok-*vision*", Override: Override{Vision: boolPtr(true)}},
			},
		},
	}
}
