// Package jsonfield encodes documents that carry typed known fields next to an
// open set of caller-defined keys. Unknown keys survive a decode/encode cycle
// unchanged, numbers included.
package jsonfield

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
)

var keyCache sync.Map // reflect.Type -> map[string]struct{}

// Marshal encodes known and merges extra keys that known does not define.
func Marshal(known any, extra map[string]any) ([]byte, error) {
	b, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return b, nil
	}

	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}

	keys := KnownKeys(known)
	for k, v := range extra {
		if _, ok := keys[k]; ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}

	return json.Marshal(out)
}

// Unmarshal decodes data into known and stores the remaining keys in extra.
// Existing values in known and extra are kept for keys data does not contain.
func Unmarshal(data []byte, known any, extra *map[string]any) error {
	if isNull(data) {
		return nil
	}

	if err := decode(data, known); err != nil {
		return err
	}

	all := map[string]any{}
	if err := decode(data, &all); err != nil {
		return err
	}

	keys := KnownKeys(known)
	for k, v := range all {
		if _, ok := keys[k]; ok {
			continue
		}
		if *extra == nil {
			*extra = map[string]any{}
		}
		(*extra)[k] = v
	}

	return nil
}

// KnownKeys lists the JSON names of the exported fields of v's struct type.
func KnownKeys(v any) map[string]struct{} {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return map[string]struct{}{}
	}

	if cached, ok := keyCache.Load(t); ok {
		return cached.(map[string]struct{})
	}

	keys := map[string]struct{}{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		keys[name] = struct{}{}
	}

	keyCache.Store(t, keys)
	return keys
}

// Merge returns a copy of base overlaid with patch. Objects present on both
// sides are merged recursively, any other patch value replaces the base value.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		next, ok := v.(map[string]any)
		prev, both := out[k].(map[string]any)
		if ok && both {
			out[k] = Merge(prev, next)
			continue
		}
		out[k] = v
	}
	return out
}

// Apply merges the JSON object raw into the document doc points to. Keys
// absent from raw keep their current value at every depth.
func Apply(doc any, raw []byte) error {
	var patch map[string]any
	if err := decode(raw, &patch); err != nil {
		return err
	}
	if patch == nil {
		return errors.New("jsonfield: patch must be an object")
	}

	current, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var base map[string]any
	if err := decode(current, &base); err != nil {
		return err
	}

	merged, err := json.Marshal(Merge(base, patch))
	if err != nil {
		return err
	}

	rv := reflect.ValueOf(doc)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("jsonfield: doc must be a non-nil pointer")
	}
	rv.Elem().SetZero()
	return decode(merged, doc)
}

// decode keeps numbers under untyped values as json.Number so integers wider
// than a float64 mantissa survive.
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func isNull(data []byte) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || bytes.Equal(d, []byte("null"))
}
