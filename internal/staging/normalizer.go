package staging

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type (
	// Configuration is the read-only tenant+provider configuration handed to
	// normalizers. Credential handling and feature toggles live with the
	// orchestrator that owns configurations; normalizers only read settings.
	Configuration struct {
		ID           int64
		ProviderSlug string
		Settings     map[string]interface{}
	}

	// Normalizer turns one staged record into a canonical domain record.
	// One implementation is registered per (provider, feature) pair.
	//
	// Returning ErrDuplicateTarget (wrapped or bare) signals that the
	// canonical target already exists; the record transitions to duplicate
	// instead of failed. Any other error transitions the record to failed
	// with the error text classified for retriability.
	Normalizer interface {
		Normalize(ctx context.Context, record *Record, cfg *Configuration) (NormalizedRef, error)
	}

	// NormalizerFunc adapts a function to the Normalizer interface.
	NormalizerFunc func(ctx context.Context, record *Record, cfg *Configuration) (NormalizedRef, error)

	// registryKey indexes normalizers by capability.
	registryKey struct {
		providerSlug string
		featureKey   string
	}

	// Registry maps (provider, feature) pairs to normalizers. Registration
	// happens at startup; lookups are concurrent-safe.
	Registry struct {
		mu          sync.RWMutex
		normalizers map[registryKey]Normalizer
	}
)

// Sentinel errors for normalizer dispatch.
var (
	// ErrNoNormalizer indicates no normalizer is registered for the pair.
	// Permanent: retrying cannot make a registration appear.
	ErrNoNormalizer = errors.New("no normalizer registered")

	// ErrNormalizerNil indicates a nil normalizer was passed to Register.
	ErrNormalizerNil = errors.New("normalizer cannot be nil")

	// ErrDuplicateTarget is returned by normalizers when the canonical
	// record they would create already exists.
	ErrDuplicateTarget = errors.New("normalized target already exists")

	// ErrAlreadyRegistered indicates a second registration for the same pair.
	ErrAlreadyRegistered = errors.New("normalizer already registered")
)

// Normalize implements Normalizer.
func (f NormalizerFunc) Normalize(ctx context.Context, record *Record, cfg *Configuration) (NormalizedRef, error) {
	return f(ctx, record, cfg)
}

// NewRegistry creates an empty normalizer registry.
func NewRegistry() *Registry {
	return &Registry{normalizers: make(map[registryKey]Normalizer)}
}

// Register adds a normalizer for a (provider, feature) pair. A pair may be
// registered once; duplicate registration is a wiring bug surfaced at startup.
func (r *Registry) Register(providerSlug, featureKey string, n Normalizer) error {
	if n == nil {
		return ErrNormalizerNil
	}

	if providerSlug == "" {
		return ErrProviderSlugEmpty
	}

	if featureKey == "" {
		return ErrFeatureKeyEmpty
	}

	key := registryKey{providerSlug: providerSlug, featureKey: featureKey}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.normalizers[key]; exists {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyRegistered, providerSlug, featureKey)
	}

	r.normalizers[key] = n

	return nil
}

// Lookup returns the normalizer for a (provider, feature) pair.
func (r *Registry) Lookup(providerSlug, featureKey string) (Normalizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.normalizers[registryKey{providerSlug: providerSlug, featureKey: featureKey}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoNormalizer, providerSlug, featureKey)
	}

	return n, nil
}

// Len returns the number of registered normalizers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.normalizers)
}
