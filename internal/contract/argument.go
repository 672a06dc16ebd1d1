package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// MaxArgumentDepth bounds the nesting of argument documents.
const MaxArgumentDepth = 32

// NonceField is the argument member carrying the request nonce.
const NonceField = "nonce"

// View is a typed view over one JSON object of an argument tree.
// Numbers are kept as json.Number so no precision is lost.
type View struct {
	m map[string]any
}

// Argument is a contract invocation argument, parsed and checked once.
type Argument struct {
	View
	raw json.RawMessage
}

// ParseArgument parses raw as an argument document. It must be a JSON object
// no deeper than MaxArgumentDepth. When nonce is non-empty the argument must
// carry it: an argument without a "nonce" member gets it added, one with a
// different nonce is rejected. The stored form is canonical.
func ParseArgument(raw []byte, nonce string) (*Argument, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, ErrInvalidArgument.Wrap(err, "malformed JSON")
	}
	if dec.More() {
		return nil, ErrInvalidArgument.New("trailing data after document")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrInvalidArgument.New("argument must be a JSON object")
	}
	if d := depth(m); d > MaxArgumentDepth {
		return nil, ErrInvalidArgument.New(fmt.Sprintf("nesting depth %d exceeds %d", d, MaxArgumentDepth))
	}

	if nonce != "" {
		switch got, present := m[NonceField]; {
		case !present:
			m[NonceField] = nonce
		case got != nonce:
			return nil, ErrInvalidArgument.New("argument nonce does not match the request nonce")
		}
	}

	canonical, err := asset.CanonicalMarshal(m)
	if err != nil {
		return nil, ErrInvalidArgument.Wrap(err, "not encodable")
	}
	return &Argument{View: View{m: m}, raw: canonical}, nil
}

// NewArgument builds an argument from a Go value, for sub-contract calls.
func NewArgument(v any) (*Argument, error) {
	if a, ok := v.(*Argument); ok {
		return a, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, ErrInvalidArgument.Wrap(err, "not encodable")
	}
	return ParseArgument(raw, "")
}

func depth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		d := 0
		for _, e := range t {
			d = max(d, depth(e))
		}
		return d + 1
	case []any:
		d := 0
		for _, e := range t {
			d = max(d, depth(e))
		}
		return d + 1
	}
	return 0
}

// Raw returns the canonical encoding.
func (a *Argument) Raw() json.RawMessage { return a.raw }

// Nonce returns the embedded nonce, or "".
func (a *Argument) Nonce() string {
	s, _ := a.m[NonceField].(string)
	return s
}

// Decode unmarshals the argument into v.
func (a *Argument) Decode(v any) error {
	if err := json.Unmarshal(a.raw, v); err != nil {
		return ErrInvalidArgument.Wrap(err, "decode")
	}
	return nil
}

// Has reports whether key is present.
func (o View) Has(key string) bool {
	_, ok := o.m[key]
	return ok
}

// Value returns the raw decoded member.
func (o View) Value(key string) (any, bool) {
	v, ok := o.m[key]
	return v, ok
}

func (o View) get(key string) (any, error) {
	v, ok := o.m[key]
	if !ok {
		return nil, ErrInvalidArgument.New(fmt.Sprintf("missing field %q", key))
	}
	return v, nil
}

func typeErr(key, want string) error {
	return ErrInvalidArgument.New(fmt.Sprintf("field %q must be %s", key, want))
}

// String returns a string member.
func (o View) String(key string) (string, error) {
	v, err := o.get(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", typeErr(key, "a string")
	}
	return s, nil
}

// StringOr returns a string member, or def when absent.
func (o View) StringOr(key, def string) (string, error) {
	if !o.Has(key) {
		return def, nil
	}
	return o.String(key)
}

// Int64 returns an integer member.
func (o View) Int64(key string) (int64, error) {
	v, err := o.get(key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, typeErr(key, "an integer")
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, typeErr(key, "an integer")
	}
	return i, nil
}

// Uint64 returns a non-negative integer member.
func (o View) Uint64(key string) (uint64, error) {
	v, err := o.get(key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, typeErr(key, "a non-negative integer")
	}
	u, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, typeErr(key, "a non-negative integer")
	}
	return u, nil
}

// Bool returns a boolean member.
func (o View) Bool(key string) (bool, error) {
	v, err := o.get(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, typeErr(key, "a boolean")
	}
	return b, nil
}

// Object returns a nested object member.
func (o View) Object(key string) (View, error) {
	v, err := o.get(key)
	if err != nil {
		return View{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return View{}, typeErr(key, "an object")
	}
	return View{m: m}, nil
}

// Array returns an array member.
func (o View) Array(key string) ([]any, error) {
	v, err := o.get(key)
	if err != nil {
		return nil, err
	}
	a, ok := v.([]any)
	if !ok {
		return nil, typeErr(key, "an array")
	}
	return a, nil
}

// Keys returns the member names in sorted order.
func (o View) Keys() []string {
	out := make([]string, 0, len(o.m))
	for k := range o.m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// JSON returns the canonical encoding of a member.
func (o View) JSON(key string) (json.RawMessage, error) {
	v, err := o.get(key)
	if err != nil {
		return nil, err
	}
	return asset.CanonicalMarshal(v)
}
