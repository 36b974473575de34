// Package enrichment implements rule nodes that look up reference data for
// a message and copy selected fields of the record into its metadata.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"rulecore/internal/config"
	"rulecore/pkg/circuitbreaker"
	"rulecore/pkg/metrics"
)

// errNoRecord reports a lookup that reached its source but matched nothing.
var errNoRecord = errors.New("no matching record")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Source locates the reference data. Which fields apply depends on the
// provider; string values may contain a {value} placeholder that is
// replaced by the lookup key.
type Source struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`

	KeyPattern string `json:"key_pattern"`

	Database string `json:"database"`
	// Collection is the MongoDB collection or the PostgreSQL table.
	Collection string `json:"collection"`
	// Field is matched against the key when Query is empty.
	Field string                 `json:"field"`
	Query map[string]interface{} `json:"query"`
}

// Provider fetches one record by key.
type Provider interface {
	Name() string
	Validate(src Source) error
	Fetch(ctx context.Context, src Source, key string) (map[string]interface{}, error)
}

func substitute(s, key string) string {
	s = strings.ReplaceAll(s, "{field_value}", key)
	return strings.ReplaceAll(s, "{value}", key)
}

func substituteQuery(query map[string]interface{}, key string) map[string]interface{} {
	out := make(map[string]interface{}, len(query))
	for k, v := range query {
		if s, ok := v.(string); ok {
			out[k] = substitute(s, key)
			continue
		}
		out[k] = v
	}
	return out
}

// CircuitBreakerProvider stops calling a failing source for a while.
// A missing record does not count as a failure.
type CircuitBreakerProvider struct {
	next Provider
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerProvider(next Provider, cfg config.CircuitBreakerConfig) Provider {
	if !cfg.Enabled {
		return next
	}
	cbCfg := circuitbreaker.FromSettings("enrichment-"+next.Name(), cfg.Settings)
	cbCfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errNoRecord)
	}
	return &CircuitBreakerProvider{next: next, cb: circuitbreaker.NewWrapper(cbCfg)}
}

func (p *CircuitBreakerProvider) Name() string              { return p.next.Name() }
func (p *CircuitBreakerProvider) Validate(src Source) error { return p.next.Validate(src) }

func (p *CircuitBreakerProvider) Fetch(ctx context.Context, src Source, key string) (map[string]interface{}, error) {
	rec, err := circuitbreaker.Execute(ctx, p.cb, func() (map[string]interface{}, error) {
		return p.next.Fetch(ctx, src, key)
	})
	if err != nil && p.cb.IsOpen() {
		return nil, fmt.Errorf("circuit breaker is open for %s: %w", p.cb.Name(), err)
	}
	return rec, err
}

// instrumented records request counts and latency per provider.
type instrumented struct {
	Provider
}

func (p instrumented) Fetch(ctx context.Context, src Source, key string) (map[string]interface{}, error) {
	start := time.Now()
	rec, err := p.Provider.Fetch(ctx, src, key)
	status := "success"
	switch {
	case errors.Is(err, errNoRecord):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	metrics.ObserveEnrichmentProvider(p.Name(), status, time.Since(start))
	return rec, err
}

// Wrap stacks metrics and the circuit breaker around a provider.
func Wrap(p Provider, cb config.CircuitBreakerConfig) Provider {
	return instrumented{NewCircuitBreakerProvider(p, cb)}
}
