package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jmerrifield20/assetledger/internal/store"
)

// DefaultCacheTTL is used when NewKeyRegistry is given a zero TTL.
const DefaultCacheTTL = 5 * time.Minute

// KeyRegistry stores entity keys in the ledger store's registry. Asymmetric
// keys live under store.KindCertificate, HMAC secrets under store.KindSecret;
// an entity uses one kind only.
type KeyRegistry struct {
	store  store.Store
	cache  *keyCache
	group  singleflight.Group
	logger *zap.Logger
}

// NewKeyRegistry creates a KeyRegistry over s.
func NewKeyRegistry(s store.Store, ttl time.Duration, logger *zap.Logger) *KeyRegistry {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &KeyRegistry{store: s, cache: newKeyCache(ttl), logger: logger}
}

func registryKey(entityID string, version uint64) string {
	return fmt.Sprintf("%s/%d", entityID, version)
}

func kindOf(alg Algorithm) string {
	if alg.Symmetric() {
		return store.KindSecret
	}
	return store.KindCertificate
}

// Register stores k. A version can be registered once; an entity that
// already has keys of the other kind is rejected.
func (r *KeyRegistry) Register(ctx context.Context, k *Key) error {
	kind, other := kindOf(k.Algorithm), store.KindCertificate
	if kind == store.KindCertificate {
		other = store.KindSecret
	}
	entries, err := r.store.List(ctx, other)
	if err != nil {
		return err
	}
	prefix := k.EntityID + "/"
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			return ErrMixedKeys.New(k.EntityID, other)
		}
	}
	if err := r.claimKind(ctx, k.EntityID, kind); err != nil {
		return err
	}

	raw, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	id := registryKey(k.EntityID, k.Version)
	if err := r.store.Register(ctx, kind, id, raw); err != nil {
		if errors.Is(err, store.ErrAlreadyRegistered) {
			return ErrKeyExists.New(k.EntityID, k.Version)
		}
		return err
	}
	r.cache.invalidate(id)
	r.logger.Info("key registered",
		zap.String("entity_id", k.EntityID),
		zap.Uint64("version", k.Version),
		zap.String("algorithm", string(k.Algorithm)),
	)
	return nil
}

// claimKind records kind as the entity's key kind unless another kind was
// recorded first. The insert is atomic in every store, so concurrent
// registrations of different kinds cannot both pass.
func (r *KeyRegistry) claimKind(ctx context.Context, entityID, kind string) error {
	err := r.store.Register(ctx, store.KindEntity, entityID, []byte(kind))
	if err == nil || !errors.Is(err, store.ErrAlreadyRegistered) {
		return err
	}
	held, err := r.store.Lookup(ctx, store.KindEntity, entityID)
	if err != nil {
		return err
	}
	if string(held) != kind {
		return ErrMixedKeys.New(entityID, string(held))
	}
	return nil
}

// Lookup returns the key entityID registered under version.
func (r *KeyRegistry) Lookup(ctx context.Context, entityID string, version uint64) (*Key, error) {
	id := registryKey(entityID, version)
	if k, ok := r.cache.get(id); ok {
		return k, nil
	}
	v, err, _ := r.group.Do(id, func() (any, error) {
		for _, kind := range []string{store.KindCertificate, store.KindSecret} {
			raw, err := r.store.Lookup(ctx, kind, id)
			if errors.Is(err, store.ErrNotRegistered) {
				continue
			}
			if err != nil {
				return nil, err
			}
			var k Key
			if err := json.Unmarshal(raw, &k); err != nil {
				return nil, fmt.Errorf("decode key %s: %w", id, err)
			}
			if err := k.load(); err != nil {
				return nil, err
			}
			r.cache.set(id, &k)
			return &k, nil
		}
		return nil, ErrKeyNotFound.New(entityID, version)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Key), nil
}

// Verify checks that sig over payload was made with entityID's key version.
// An unknown key is an invalid signature; storage failures pass through.
func (r *KeyRegistry) Verify(ctx context.Context, entityID string, version uint64, payload, sig []byte) error {
	k, err := r.Lookup(ctx, entityID, version)
	if errors.Is(err, ErrKeyNotFound) {
		return ErrInvalidSignature.Wrap(err)
	}
	if err != nil {
		return err
	}
	return k.Verify(payload, sig)
}

// Evict drops expired cache entries until ctx is done.
func (r *KeyRegistry) Evict(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.cache.evict(); n > 0 {
				r.logger.Debug("evicted cached keys", zap.Int("count", n))
			}
		}
	}
}
