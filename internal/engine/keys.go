package engine

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Health factor parameters. A key is never excluded outright — failure
// isolation comes from the fallback chain, not from ejecting credentials —
// but repeated failures push its selection weight down to the floor.
const (
	healthFloor = 0.1
	healthDecay = 0.1
)

// Key is one upstream credential. The secret value never appears in logs;
// use Redacted for diagnostics.
type Key struct {
	value  string
	Weight float64

	// Models is the allow-list. Empty means the key serves every model.
	Models []string

	consecutiveFailures int
	lastFailure         time.Time
}

// NewKey creates a Key. Non-positive weights are clamped to 1.
func NewKey(value string, weight float64, models []string) *Key {
	if weight <= 0 {
		weight = 1
	}
	return &Key{value: value, Weight: weight, Models: models}
}

// Value returns the secret.
func (k *Key) Value() string { return k.value }

// Redacted returns a log-safe form of the secret: first 4 and last 4
// characters with the middle elided.
func (k *Key) Redacted() string {
	if len(k.value) <= 8 {
		return "***"
	}
	return k.value[:4] + "…" + k.value[len(k.value)-4:]
}

func (k *Key) servesModel(model string) bool {
	return len(k.Models) == 0 || slices.Contains(k.Models, model)
}

// healthFactor is max(floor, 1 − failures × decay).
func (k *Key) healthFactor() float64 {
	f := 1 - float64(k.consecutiveFailures)*healthDecay
	if f < healthFloor {
		return healthFloor
	}
	return f
}

// KeyHealth is a read-only snapshot of one key's state for the health
// endpoint and logs.
type KeyHealth struct {
	Key                 string    `json:"key"`
	Weight              float64   `json:"weight"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

// KeySelector picks a credential for each attempt by weighted random draw
// over the provider's keys, with the configured weight scaled by the key's
// health factor. It is the sole writer of key health fields; all state is
// guarded by a short per-provider critical section.
type KeySelector struct {
	mu       sync.Mutex
	provider string
	keys     []*Key // configuration order; ties resolve to the earlier key
	randF    func() float64
}

// NewKeySelector creates a selector over keys in configuration order.
func NewKeySelector(provider string, keys []*Key) *KeySelector {
	return &KeySelector{provider: provider, keys: keys, randF: rand.Float64}
}

// Select returns one key eligible for model, or a no_viable_key error when
// the provider has no key whose allow-list admits the model.
func (s *KeySelector) Select(model string) (*Key, *providers.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0.0
	for _, k := range s.keys {
		if k.servesModel(model) {
			total += k.Weight * k.healthFactor()
		}
	}
	if total == 0 {
		return nil, &providers.Error{
			Kind:     providers.KindAuth,
			Message:  "no key eligible for model " + model,
			Reason:   providers.ReasonNoViableKey,
			Provider: s.provider,
			Model:    model,
		}
	}

	r := s.randF() * total
	for _, k := range s.keys {
		if !k.servesModel(model) {
			continue
		}
		r -= k.Weight * k.healthFactor()
		if r < 0 {
			return k, nil
		}
	}
	// Floating-point underflow on the last step: return the last eligible key.
	for i := len(s.keys) - 1; i >= 0; i-- {
		if s.keys[i].servesModel(model) {
			return s.keys[i], nil
		}
	}
	return nil, &providers.Error{
		Kind:     providers.KindAuth,
		Message:  "no key eligible for model " + model,
		Reason:   providers.ReasonNoViableKey,
		Provider: s.provider,
		Model:    model,
	}
}

// RecordFailure bumps the key's consecutive-failure counter. Call it for
// errors classified retryable-from-provider.
func (s *KeySelector) RecordFailure(k *Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.consecutiveFailures++
	k.lastFailure = time.Now()
}

// RecordSuccess resets the key's failure counter.
func (s *KeySelector) RecordSuccess(k *Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.consecutiveFailures = 0
}

// Snapshot returns the current health of every key, secrets redacted.
func (s *KeySelector) Snapshot() []KeyHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]KeyHealth, len(s.keys))
	for i, k := range s.keys {
		out[i] = KeyHealth{
			Key:                 k.Redacted(),
			Weight:              k.Weight,
			ConsecutiveFailures: k.consecutiveFailures,
			LastFailure:         k.lastFailure,
		}
	}
	return out
}
