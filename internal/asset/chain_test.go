package asset_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// buildChain returns n correctly chained versions of key.
func buildChain(t *testing.T, key asset.Key, n int) []*asset.Asset {
	t.Helper()
	var out []*asset.Asset
	var prev []byte
	for age := 0; age < n; age++ {
		a := &asset.Asset{
			Key:        key,
			Age:        uint64(age),
			Data:       json.RawMessage(fmt.Sprintf(`{"v":%d}`, age)),
			Input:      json.RawMessage(`{}`),
			ContractID: "asset.put",
			Argument:   json.RawMessage(fmt.Sprintf(`{"nonce":"n%d"}`, age)),
			Signature:  []byte("sig"),
			PrevHash:   prev,
		}
		h, err := a.ComputeHash()
		if err != nil {
			t.Fatal(err)
		}
		a.Hash = h
		prev = h
		out = append(out, a)
	}
	return out
}

func TestVerifyChain_valid(t *testing.T) {
	chain := buildChain(t, asset.NewKey("", "a"), 5)
	if err := asset.VerifyChain(chain); err != nil {
		t.Fatalf("VerifyChain() on intact chain: %v", err)
	}
	for i := 1; i < len(chain); i++ {
		if string(chain[i].PrevHash) != string(chain[i-1].Hash) {
			t.Errorf("age %d prevHash does not equal hash of age %d", i, i-1)
		}
	}
	if len(chain[0].PrevHash) != 0 {
		t.Error("age 0 must have no prevHash")
	}
}

func TestVerifyChain_emptyAndSuffix(t *testing.T) {
	if err := asset.VerifyChain(nil); err != nil {
		t.Errorf("empty chain: %v", err)
	}
	chain := buildChain(t, asset.NewKey("", "a"), 5)
	if err := asset.VerifyChain(chain[2:]); err != nil {
		t.Errorf("suffix starting at age 2: %v", err)
	}
}

func TestVerifyChain_detectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func([]*asset.Asset) []*asset.Asset
		want   error
	}{
		{"data", func(c []*asset.Asset) []*asset.Asset {
			c[2].Data = json.RawMessage(`{"v":999}`)
			return c
		}, asset.ErrInvalidHash},
		{"prevHash", func(c []*asset.Asset) []*asset.Asset {
			c[3].PrevHash = c[1].Hash
			return c
		}, asset.ErrInvalidPrevHash},
		{"gap", func(c []*asset.Asset) []*asset.Asset {
			return append(c[:2], c[3:]...)
		}, asset.ErrAgeSequence},
		{"genesis prevHash", func(c []*asset.Asset) []*asset.Asset {
			c[0].PrevHash = []byte("x")
			return c
		}, asset.ErrInvalidPrevHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := tt.tamper(buildChain(t, asset.NewKey("", "a"), 5))
			if err := asset.VerifyChain(chain); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCanonicalize(t *testing.T) {
	a, err := asset.Canonicalize([]byte(`{ "b": 1, "a": {"y": [1, 2.50], "x": "<tag>"} }`))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":{"x":"<tag>","y":[1,2.50]},"b":1}`
	if string(a) != want {
		t.Errorf("got %s, want %s", a, want)
	}

	b, err := asset.Canonicalize([]byte(`{"a":{"y":[1,2.50],"x":"<tag>"},"b":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("equivalent documents must canonicalize identically")
	}

	if _, err := asset.Canonicalize([]byte(`{"a":`)); !errors.Is(err, asset.ErrNotCanonical) {
		t.Errorf("malformed JSON: got %v", err)
	}
	if _, err := asset.Canonicalize([]byte(`{} {}`)); !errors.Is(err, asset.ErrNotCanonical) {
		t.Errorf("trailing document: got %v", err)
	}
	if _, err := asset.Canonicalize([]byte("{\"a\":\"\xff\"}")); !errors.Is(err, asset.ErrNotCanonical) {
		t.Errorf("invalid UTF-8: got %v", err)
	}
}
