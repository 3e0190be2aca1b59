package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ValueKind tags the variant held by a ConfigValue. It doubles as the field
// kind in a node type schema.
type ValueKind string

const (
	KindNumber  ValueKind = "number"
	KindString  ValueKind = "string"
	KindBoolean ValueKind = "boolean"
	KindArray   ValueKind = "array"
	KindObject  ValueKind = "object"
)

// ConfigValue is a tagged union over the JSON values a node config can hold.
// The zero value (empty Kind) means "absent".
type ConfigValue struct {
	Kind   ValueKind
	Number float64
	String string
	Bool   bool
	Array  []ConfigValue
	Object map[string]ConfigValue
}

func Number(v float64) ConfigValue { return ConfigValue{Kind: KindNumber, Number: v} }
func String(v string) ConfigValue  { return ConfigValue{Kind: KindString, String: v} }
func Boolean(v bool) ConfigValue   { return ConfigValue{Kind: KindBoolean, Bool: v} }

func Array(items ...ConfigValue) ConfigValue {
	return ConfigValue{Kind: KindArray, Array: items}
}

func Object(fields map[string]ConfigValue) ConfigValue {
	return ConfigValue{Kind: KindObject, Object: fields}
}

// IsZero reports whether the value is absent.
func (v ConfigValue) IsZero() bool {
	return v.Kind == ""
}

// FromAny converts a decoded JSON value (as produced by encoding/json into
// an interface{}) into a ConfigValue.
func FromAny(raw any) (ConfigValue, error) {
	switch t := raw.(type) {
	case nil:
		return ConfigValue{}, nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return ConfigValue{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case bool:
		return Boolean(t), nil
	case []any:
		items := make([]ConfigValue, 0, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return ConfigValue{}, fmt.Errorf("index %d: %w", i, err)
			}
			items = append(items, v)
		}
		return Array(items...), nil
	case map[string]any:
		fields := make(map[string]ConfigValue, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return ConfigValue{}, fmt.Errorf("field %q: %w", k, err)
			}
			fields[k] = v
		}
		return Object(fields), nil
	default:
		return ConfigValue{}, fmt.Errorf("unsupported config value type %T", raw)
	}
}

// Interface converts the value back to plain Go values suitable for JSON
// encoding and for storing as node input/output snapshots.
func (v ConfigValue) Interface() any {
	switch v.Kind {
	case KindNumber:
		return v.Number
	case KindString:
		return v.String
	case KindBoolean:
		return v.Bool
	case KindArray:
		out := make([]any, len(v.Array))
		for i, item := range v.Array {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for k, item := range v.Object {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v ConfigValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *ConfigValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Config is the per-node configuration map.
type Config map[string]ConfigValue

// ConfigFromMap converts loosely typed JSON input into a Config.
func ConfigFromMap(raw map[string]any) (Config, error) {
	cfg := make(Config, len(raw))
	var errs []error
	for _, key := range sortedKeys(raw) {
		v, err := FromAny(raw[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("config %q: %w", key, err))
			continue
		}
		cfg[key] = v
	}
	return cfg, errors.Join(errs...)
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v.clone()
	}
	return out
}

func (v ConfigValue) clone() ConfigValue {
	switch v.Kind {
	case KindArray:
		items := make([]ConfigValue, len(v.Array))
		for i, item := range v.Array {
			items[i] = item.clone()
		}
		return Array(items...)
	case KindObject:
		fields := make(map[string]ConfigValue, len(v.Object))
		for k, item := range v.Object {
			fields[k] = item.clone()
		}
		return Object(fields)
	default:
		return v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
