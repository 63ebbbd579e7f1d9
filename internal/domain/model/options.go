package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OptionPair is one flag=value pair in declaration order.
type OptionPair struct {
	Key   string
	Value string
}

// OptionSet is an ordered bag of key->value flags accepted in three JSON
// shapes: an object ({"key":"value"}), a flat array of alternating
// flag/value strings (["-key","value",...]), or a single whitespace
// separated string ("-key value -key2 value2"). All three normalize to the
// same ordered pair list so the command builder only has one shape to walk.
type OptionSet struct {
	Pairs []OptionPair
}

// Flatten returns the "-key","value",... argv expansion in pair order:
// declaration order for the array and string forms, key order for the
// object form. MarshalJSON writes the object form, so a set that went
// through JSON encoding comes back sorted by key.
func (o OptionSet) Flatten() []string {
	if len(o.Pairs) == 0 {
		return nil
	}
	out := make([]string, 0, len(o.Pairs)*2)
	for _, p := range o.Pairs {
		key := p.Key
		if !strings.HasPrefix(key, "-") {
			key = "-" + key
		}
		out = append(out, key)
		if p.Value != "" {
			out = append(out, p.Value)
		}
	}
	return out
}

// Empty reports whether the set has no pairs.
func (o OptionSet) Empty() bool { return len(o.Pairs) == 0 }

func (o *OptionSet) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		o.Pairs = nil
		return nil
	}

	switch trimmed[0] {
	case '{':
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("option set object: %w", err)
		}
		// map iteration order is not stable; pairs are sorted by key so
		// the argv built from object-form options is deterministic.
		pairs := make([]OptionPair, 0, len(m))
		for k, v := range m {
			pairs = append(pairs, OptionPair{Key: k, Value: v})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
		o.Pairs = pairs
		return nil
	case '[':
		var arr []string
		if err := json.Unmarshal(data, &arr); err != nil {
			return fmt.Errorf("option set array: %w", err)
		}
		return o.fromFlat(arr)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("option set string: %w", err)
		}
		return o.fromFlat(strings.Fields(s))
	default:
		return fmt.Errorf("unsupported option set shape")
	}
}

func (o *OptionSet) fromFlat(fields []string) error {
	var pairs []OptionPair
	for i := 0; i < len(fields); i++ {
		key := fields[i]
		value := ""
		if i+1 < len(fields) && !strings.HasPrefix(fields[i+1], "-") {
			value = fields[i+1]
			i++
		}
		pairs = append(pairs, OptionPair{Key: key, Value: value})
	}
	o.Pairs = pairs
	return nil
}

func (o OptionSet) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(o.Pairs))
	for _, p := range o.Pairs {
		m[p.Key] = p.Value
	}
	return json.Marshal(m)
}
