// Package instructions resolves keyed, per-language texts used by send_message
// templates and AI prompts.
package instructions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/store"
)

// DefaultFallback is the language order tried after the user's own language.
var DefaultFallback = []string{"en", "uk", "ru"}

// Resolver looks up instruction texts with language fallback.
type Resolver struct {
	repo     store.InstructionRepo
	fallback []string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFallback replaces the default fallback chain.
func WithFallback(langs ...string) Option {
	return func(r *Resolver) {
		if len(langs) == 0 {
			return
		}
		r.fallback = make([]string, 0, len(langs))
		for _, l := range langs {
			if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
				r.fallback = append(r.fallback, l)
			}
		}
	}
}

// NewResolver creates a resolver over repo.
func NewResolver(repo store.InstructionRepo, opts ...Option) *Resolver {
	r := &Resolver{repo: repo, fallback: append([]string(nil), DefaultFallback...)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Languages returns the lookup order for a user language. The user language is
// only tried first when it is part of the fallback chain.
func (r *Resolver) Languages(lang string) []string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	// "uk-UA" style tags fall back to their primary subtag.
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	order := make([]string, 0, len(r.fallback)+1)
	for _, l := range r.fallback {
		if l == lang {
			order = append(order, l)
			break
		}
	}
	for _, l := range r.fallback {
		if l != lang {
			order = append(order, l)
		}
	}
	return order
}

// Resolve returns the first non-blank text for key in the language order.
// ok is false when no language variant exists.
func (r *Resolver) Resolve(ctx context.Context, key, lang string) (string, bool, error) {
	texts, err := r.repo.GetInstruction(ctx, key)
	if err != nil {
		return "", false, err
	}
	order := r.Languages(lang)
	for _, l := range order {
		if text := strings.TrimSpace(texts[l]); text != "" {
			slog.Debug("Resolver.Resolve: instruction found", "key", key, "lang", l)
			return text, true, nil
		}
	}
	slog.Warn("Resolver.Resolve: instruction not found in any language", "key", key, "languages", order)
	return "", false, nil
}
