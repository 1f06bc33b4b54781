package types

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ResourceSlot maps a resource-type name (e.g. "cpu", "mem", "cuda.shares")
// to a non-negative decimal quantity. The zero value is usable and means
// "no resources".
type ResourceSlot map[string]decimal.Decimal

// NewResourceSlot builds a slot vector from string quantities.
// Invalid quantities return an error rather than silently becoming zero.
func NewResourceSlot(quantities map[string]string) (ResourceSlot, error) {
	rs := make(ResourceSlot, len(quantities))
	for name, qty := range quantities {
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity for slot %q: %w", name, err)
		}
		rs[name] = d
	}
	return rs, nil
}

// MustResourceSlot is NewResourceSlot that panics on bad input. Test helper.
func MustResourceSlot(quantities map[string]string) ResourceSlot {
	rs, err := NewResourceSlot(quantities)
	if err != nil {
		panic(err)
	}
	return rs
}

// Get returns the quantity for name, treating a missing key as zero.
func (rs ResourceSlot) Get(name string) decimal.Decimal {
	if q, ok := rs[name]; ok {
		return q
	}
	return decimal.Zero
}

// Clone returns an independent copy.
func (rs ResourceSlot) Clone() ResourceSlot {
	out := make(ResourceSlot, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}

// Add returns rs + other componentwise over the union of keys.
func (rs ResourceSlot) Add(other ResourceSlot) ResourceSlot {
	out := rs.Clone()
	for k, v := range other {
		out[k] = out.Get(k).Add(v)
	}
	return out
}

// Sub returns rs - other componentwise over the union of keys. Results may
// go negative; callers that care use LessOrEqual first.
func (rs ResourceSlot) Sub(other ResourceSlot) ResourceSlot {
	out := rs.Clone()
	for k, v := range other {
		out[k] = out.Get(k).Sub(v)
	}
	return out
}

// LessOrEqual reports whether rs <= other componentwise. Keys missing on
// either side compare as zero.
func (rs ResourceSlot) LessOrEqual(other ResourceSlot) bool {
	for k, v := range rs {
		if v.GreaterThan(other.Get(k)) {
			return false
		}
	}
	return true
}

// StrictLessOrEqual is LessOrEqual but requires both vectors to carry the
// same key set; a mismatch is an error.
func (rs ResourceSlot) StrictLessOrEqual(other ResourceSlot) (bool, error) {
	if len(rs) != len(other) {
		return false, fmt.Errorf("slot key mismatch: %v vs %v", rs.Names(), other.Names())
	}
	for k := range rs {
		if _, ok := other[k]; !ok {
			return false, fmt.Errorf("slot key mismatch: %q missing on right side", k)
		}
	}
	return rs.LessOrEqual(other), nil
}

// IsZero reports whether every component is zero.
func (rs ResourceSlot) IsZero() bool {
	for _, v := range rs {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// HasNegative reports whether any component is below zero.
func (rs ResourceSlot) HasNegative() bool {
	for _, v := range rs {
		if v.IsNegative() {
			return true
		}
	}
	return false
}

// Names returns the slot names in sorted order.
func (rs ResourceSlot) Names() []string {
	names := make([]string, 0, len(rs))
	for k := range rs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NonZeroNames returns names of slots with a non-zero quantity, sorted.
func (rs ResourceSlot) NonZeroNames() []string {
	names := make([]string, 0, len(rs))
	for k, v := range rs {
		if !v.IsZero() {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the vector as a JSON object of stringified decimals,
// e.g. {"cpu":"2","mem":"4294967296"}.
func (rs ResourceSlot) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(rs))
	for k, v := range rs {
		m[k] = v.String()
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the stringified-decimal object form.
func (rs *ResourceSlot) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out, err := NewResourceSlot(m)
	if err != nil {
		return err
	}
	*rs = out
	return nil
}

// String renders the vector in sorted key order for logs.
func (rs ResourceSlot) String() string {
	names := rs.Names()
	s := "{"
	for i, k := range names {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s:%s", k, rs[k].String())
	}
	return s + "}"
}
