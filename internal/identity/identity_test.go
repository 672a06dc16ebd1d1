package identity_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/fault"
	"github.com/jmerrifield20/assetledger/internal/identity"
	"github.com/jmerrifield20/assetledger/internal/store"
)

func executePayload(arg string) []byte {
	return identity.NewPayload(identity.TagExecute).
		String("alice").
		Uint64(1).
		String("transfer").
		String(arg).
		String("n1").
		Build()
}

func signers(t *testing.T) map[string]*identity.Signer {
	t.Helper()
	ec, err := identity.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	ed, err := identity.GenerateEd25519Key()
	if err != nil {
		t.Fatal(err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	out := make(map[string]*identity.Signer)
	for name, key := range map[string]any{
		"ES256": ec,
		"EdDSA": ed,
		"HS256": secret,
	} {
		s, err := identity.NewSigner("alice", 1, key)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		out[name] = s
	}
	return out
}

func TestPayload_lengthPrefixed(t *testing.T) {
	a := identity.NewPayload(identity.TagExecute).String("ab").String("c").Build()
	b := identity.NewPayload(identity.TagExecute).String("a").String("bc").Build()
	if bytes.Equal(a, b) {
		t.Error("field boundaries must be unambiguous")
	}
	c := identity.NewPayload(identity.TagAbort).String("ab").String("c").Build()
	if bytes.Equal(a, c) {
		t.Error("request tag must be part of the payload")
	}
	want := []byte{byte(identity.TagExecute), 0, 0, 0, 2, 'a', 'b', 0, 0, 0, 0, 0, 0, 0, 7}
	if got := identity.NewPayload(identity.TagExecute).String("ab").Uint64(7).Build(); !bytes.Equal(got, want) {
		t.Errorf("payload = %v, want %v", got, want)
	}
}

func TestSignAndVerify(t *testing.T) {
	others := signers(t)
	for name, s := range signers(t) {
		t.Run(name, func(t *testing.T) {
			if string(s.Algorithm()) != name {
				t.Fatalf("algorithm = %s", s.Algorithm())
			}
			payload := executePayload(`{"amount":30}`)
			sig, err := s.Sign(payload)
			if err != nil {
				t.Fatal(err)
			}
			key, err := s.Key()
			if err != nil {
				t.Fatal(err)
			}
			if err := key.Verify(payload, sig); err != nil {
				t.Fatalf("own key: %v", err)
			}

			other, err := others[name].Key()
			if err != nil {
				t.Fatal(err)
			}
			corrupted := bytes.Clone(sig)
			corrupted[len(corrupted)-1] ^= 0xff

			failures := map[string]error{
				"other key":        other.Verify(payload, sig),
				"altered argument": key.Verify(executePayload(`{"amount":31}`), sig),
				"corrupted bytes":  key.Verify(payload, corrupted),
				"other request":    key.Verify(identity.NewPayload(identity.TagAbort).Build(), sig),
				"empty signature":  key.Verify(payload, nil),
			}
			for what, err := range failures {
				if !errors.Is(err, identity.ErrInvalidSignature) {
					t.Errorf("%s: err = %v, want ErrInvalidSignature", what, err)
				}
				if fault.CodeOf(err) != fault.InvalidSignature {
					t.Errorf("%s: code = %v", what, fault.CodeOf(err))
				}
			}
		})
	}
}

func TestNewSigner_rejects(t *testing.T) {
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]struct {
		entity string
		key    any
	}{
		"P-384 curve":  {"alice", p384},
		"short secret": {"alice", []byte("short")},
		"string key":   {"alice", "not a key"},
		"empty entity": {"", []byte("0123456789abcdef")},
		"slash entity": {"a/b", []byte("0123456789abcdef")},
	}
	for name, tt := range tests {
		if _, err := identity.NewSigner(tt.entity, 1, tt.key); !errors.Is(err, identity.ErrUnsupportedKey) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestPrivateKeyPEM_roundTrip(t *testing.T) {
	ec, err := identity.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := identity.WritePrivateKeyFile(path, ec); err != nil {
		t.Fatal(err)
	}
	loaded, err := identity.ReadPrivateKeyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := identity.NewSigner("alice", 1, loaded)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := s.Sign([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	pub, err := identity.MarshalPublicKeyPEM(&ec.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	key, err := identity.NewCertificateKey("alice", 1, pub)
	if err != nil {
		t.Fatal(err)
	}
	if err := key.Verify([]byte("payload"), sig); err != nil {
		t.Errorf("reloaded key signature: %v", err)
	}

	if _, err := identity.LoadPrivateKeyPEM([]byte("garbage")); err == nil {
		t.Error("expected error for non-PEM input")
	}
	if _, _, err := identity.ParsePublicKey([]byte("garbage")); !errors.Is(err, identity.ErrUnsupportedKey) {
		t.Errorf("ParsePublicKey garbage: %v", err)
	}
}

func TestEntityCertificate(t *testing.T) {
	ed, err := identity.GenerateEd25519Key()
	if err != nil {
		t.Fatal(err)
	}
	certPEM, err := identity.IssueEntityCertificate("bob", ed, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	key, err := identity.NewCertificateKey("bob", 1, certPEM)
	if err != nil {
		t.Fatalf("register own certificate: %v", err)
	}
	if key.Algorithm != identity.EdDSA {
		t.Errorf("algorithm = %s, want EdDSA", key.Algorithm)
	}
	s, err := identity.NewSigner("bob", 1, ed)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := s.Sign([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if err := key.Verify([]byte("payload"), sig); err != nil {
		t.Errorf("certificate key signature: %v", err)
	}

	if _, err := identity.NewCertificateKey("mallory", 1, certPEM); !errors.Is(err, identity.ErrUnsupportedKey) {
		t.Errorf("foreign subject: %v", err)
	}
	if _, err := identity.IssueEntityCertificate("a/b", ed, time.Hour); err == nil {
		t.Error("expected error for entity id containing '/'")
	}
}

func TestKeyRegistry(t *testing.T) {
	ctx := context.Background()
	reg := identity.NewKeyRegistry(store.NewMemory(), time.Minute, zap.NewNop())
	s := signers(t)

	ecKey, err := s["ES256"].Key()
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, ecKey); err != nil {
		t.Fatal(err)
	}

	payload := executePayload(`{}`)
	sig, err := s["ES256"].Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Verify(ctx, "alice", 1, payload, sig); err != nil {
		t.Errorf("verify registered key: %v", err)
	}
	// second lookup is served from the cache
	if err := reg.Verify(ctx, "alice", 1, payload, sig); err != nil {
		t.Errorf("verify cached key: %v", err)
	}

	if err := reg.Verify(ctx, "alice", 2, payload, sig); !errors.Is(err, identity.ErrInvalidSignature) {
		t.Errorf("unknown version: %v", err)
	}
	if _, err := reg.Lookup(ctx, "bob", 1); fault.CodeOf(err) != fault.KeyNotFound {
		t.Errorf("lookup unknown entity: %v", err)
	}
	if err := reg.Register(ctx, ecKey); fault.CodeOf(err) != fault.KeyAlreadyRegistered {
		t.Errorf("duplicate version: %v", err)
	}

	hmacKey, err := s["HS256"].Key()
	if err != nil {
		t.Fatal(err)
	}
	hmacKey.Version = 2
	if err := reg.Register(ctx, hmacKey); !errors.Is(err, identity.ErrMixedKeys) {
		t.Errorf("mixing key kinds: %v", err)
	}

	bob, err := identity.NewSecretKey("bob", 1, []byte("0123456789abcdef-shared"))
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, bob); err != nil {
		t.Fatal(err)
	}
	bobSigner, err := identity.NewSigner("bob", 1, []byte("0123456789abcdef-shared"))
	if err != nil {
		t.Fatal(err)
	}
	bobSig, err := bobSigner.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Verify(ctx, "bob", 1, payload, bobSig); err != nil {
		t.Errorf("verify HMAC: %v", err)
	}
	if err := reg.Verify(ctx, "alice", 1, payload, bobSig); !errors.Is(err, identity.ErrInvalidSignature) {
		t.Errorf("HMAC signature under alice's key: %v", err)
	}
}

func TestKeyRegistry_concurrentKinds(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	reg := identity.NewKeyRegistry(s, time.Minute, zap.NewNop())

	ec, err := identity.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := identity.MarshalPublicKeyPEM(&ec.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		entity := fmt.Sprintf("e%d", i)
		cert, err := identity.NewCertificateKey(entity, 1, pub)
		if err != nil {
			t.Fatal(err)
		}
		secret, err := identity.NewSecretKey(entity, 2, []byte("0123456789abcdef-shared"))
		if err != nil {
			t.Fatal(err)
		}

		errs := make([]error, 2)
		var wg sync.WaitGroup
		for j, k := range []*identity.Key{cert, secret} {
			wg.Add(1)
			go func(j int, k *identity.Key) {
				defer wg.Done()
				errs[j] = reg.Register(ctx, k)
			}(j, k)
		}
		wg.Wait()

		switch {
		case errs[0] == nil && errs[1] == nil:
			t.Fatalf("%s: both key kinds registered", entity)
		case errs[0] != nil && errs[1] != nil:
			t.Fatalf("%s: neither registered: %v, %v", entity, errs[0], errs[1])
		}
		for _, err := range errs {
			if err != nil && !errors.Is(err, identity.ErrMixedKeys) {
				t.Errorf("%s: err = %v, want ErrMixedKeys", entity, err)
			}
		}

		kind, err := s.Lookup(ctx, store.KindEntity, entity)
		if err != nil {
			t.Fatal(err)
		}
		want := store.KindCertificate
		if errs[0] != nil {
			want = store.KindSecret
		}
		if string(kind) != want {
			t.Errorf("%s: recorded kind %s, want %s", entity, kind, want)
		}
	}
}
