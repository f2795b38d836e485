package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Candidate is one (provider, model) pair in a fallback chain.
type Candidate struct {
	Provider string
	Model    string
}

func (c Candidate) String() string {
	if c.Model == "" {
		return c.Provider
	}
	return c.Provider + "/" + c.Model
}

// ResolveChain returns the primary pair followed by the configured
// fallbacks, without duplicates. A fallback without a provider prefix
// reuses the primary provider.
func ResolveChain(provider, model string, fallbacks []string) []Candidate {
	chain := make([]Candidate, 0, 1+len(fallbacks))
	seen := make(map[string]bool)
	add := func(c Candidate) {
		c.Provider = strings.TrimSpace(c.Provider)
		c.Model = strings.TrimSpace(c.Model)
		if c.Provider == "" {
			return
		}
		k := strings.ToLower(c.Provider) + "/" + c.Model
		if seen[k] {
			return
		}
		seen[k] = true
		chain = append(chain, c)
	}

	add(Candidate{Provider: provider, Model: model})
	for _, fb := range fallbacks {
		fb = strings.TrimSpace(fb)
		if fb == "" {
			continue
		}
		if p, m, ok := strings.Cut(fb, "/"); ok {
			add(Candidate{Provider: p, Model: m})
		} else {
			add(Candidate{Provider: provider, Model: fb})
		}
	}
	return chain
}

// FallbackAttempt records one failed candidate.
type FallbackAttempt struct {
	Candidate Candidate
	Err       error
}

// FallbackError is returned when every candidate in a chain failed.
type FallbackError struct {
	Attempts []FallbackAttempt
}

func (e *FallbackError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Candidate, a.Err)
	}
	return fmt.Sprintf("all models failed (%d): %s", len(e.Attempts), strings.Join(parts, " | "))
}

func (e *FallbackError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// runWithModelFallback tries each candidate in order until one succeeds.
// It stops early on abort and on errors that another model cannot fix.
func runWithModelFallback[T any](ctx context.Context, chain []Candidate, run func(context.Context, Candidate) (T, error)) (T, Candidate, error) {
	var zero T
	if len(chain) == 0 {
		return zero, Candidate{}, fmt.Errorf("no provider configured")
	}

	var attempts []FallbackAttempt
	for i, c := range chain {
		res, err := run(ctx, c)
		if err == nil {
			if i > 0 {
				slog.Info("agent: fallback model succeeded", "candidate", c.String(), "failed", len(attempts))
			}
			return res, c, nil
		}
		if ctx.Err() != nil || !failoverWorthy(err) {
			return zero, c, err
		}
		attempts = append(attempts, FallbackAttempt{Candidate: c, Err: err})
		if i < len(chain)-1 {
			slog.Warn("agent: model failed, trying fallback",
				"candidate", c.String(), "next", chain[i+1].String(), "error", SanitizeErrorText(err.Error()))
		}
	}

	last := attempts[len(attempts)-1]
	if len(attempts) == 1 {
		return zero, last.Candidate, last.Err
	}
	return zero, last.Candidate, &FallbackError{Attempts: attempts}
}
