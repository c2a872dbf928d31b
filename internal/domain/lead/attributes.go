package lead

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/davidleathers/leadflow-engine/internal/domain/errors"
)

// AttributeKind distinguishes numeric from categorical qualification attributes
type AttributeKind int

const (
	KindNumeric AttributeKind = iota
	KindCategorical
)

// AttributeValue holds one qualification attribute. Exactly one of the
// value fields is meaningful depending on Kind.
type AttributeValue struct {
	Kind AttributeKind
	Num  float64
	Str  string
}

// AttributeSet is a sparse key → value map of qualification attributes
type AttributeSet map[string]AttributeValue

// Numeric creates a numeric attribute value
func Numeric(v float64) AttributeValue {
	return AttributeValue{Kind: KindNumeric, Num: v}
}

// Categorical creates a categorical attribute value
func Categorical(v string) AttributeValue {
	return AttributeValue{Kind: KindCategorical, Str: v}
}

// MarshalJSON encodes numeric values as JSON numbers and categorical
// values as JSON strings, matching the wire format of the attribute stream.
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	if v.Kind == KindNumeric {
		return json.Marshal(v.Num)
	}
	return json.Marshal(v.Str)
}

// UnmarshalJSON accepts JSON numbers and strings. Any other JSON type is
// rejected rather than silently coerced.
func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch val := raw.(type) {
	case float64:
		*v = Numeric(val)
		return nil
	case string:
		*v = Categorical(val)
		return nil
	default:
		return errors.NewValidationError("INVALID_ATTRIBUTE",
			fmt.Sprintf("attribute value must be numeric or string, got %T", raw))
	}
}

// Hash returns a stable fnv-64a digest of the attribute set, used as the
// scoring cache key. Keys are sorted so the digest is order-independent.
func (s AttributeSet) Hash() uint64 {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		v := s[k]
		h.Write([]byte(k))
		h.Write([]byte{'='})
		if v.Kind == KindNumeric {
			h.Write([]byte(strconv.FormatFloat(v.Num, 'g', -1, 64)))
		} else {
			h.Write([]byte(v.Str))
		}
		h.Write([]byte{';'})
	}
	return h.Sum64()
}

// Clone returns a copy of the attribute set
func (s AttributeSet) Clone() AttributeSet {
	out := make(AttributeSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ErrInvalidTransition builds the state machine violation error
func ErrInvalidTransition(from, to State) error {
	return errors.NewBusinessError("INVALID_STATE_TRANSITION",
		fmt.Sprintf("cannot transition lead from %s to %s", from, to)).
		WithDetails(map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
}
