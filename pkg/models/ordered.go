package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// KV is one payload entry.
type KV struct {
	Key   string
	Value Value
}

// Payload is an insertion-ordered key/value mapping. Mutating methods return
// a new Payload and leave the receiver untouched.
type Payload []KV

func (p Payload) Get(key string) (Value, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return Value{}, false
}

// Set replaces an existing key in place or appends a new one.
func (p Payload) Set(key string, v Value) Payload {
	out := p.Clone()
	for i := range out {
		if out[i].Key == key {
			out[i].Value = v.clone()
			return out
		}
	}
	return append(out, KV{Key: key, Value: v.clone()})
}

func (p Payload) Delete(key string) Payload {
	out := make(Payload, 0, len(p))
	for _, kv := range p {
		if kv.Key != key {
			out = append(out, KV{Key: kv.Key, Value: kv.Value.clone()})
		}
	}
	return out
}

func (p Payload) Keys() []string {
	keys := make([]string, len(p))
	for i, kv := range p {
		keys[i] = kv.Key
	}
	return keys
}

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for i, kv := range p {
		out[i] = KV{Key: kv.Key, Value: kv.Value.clone()}
	}
	return out
}

// Map flattens the payload to plain Go values, e.g. for CEL evaluation.
func (p Payload) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value.Interface()
	}
	return m
}

func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := kv.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("payload key %q: %w", kv.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	out := Payload{}
	err := decodeOrderedObject(data, func(key string, raw json.RawMessage) error {
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("payload key %q: %w", key, err)
		}
		out = out.Set(key, v)
		return nil
	})
	if err != nil {
		return err
	}
	*p = out
	return nil
}

// Pair is one metadata entry.
type Pair struct {
	Key   string
	Value string
}

// Metadata is an insertion-ordered string mapping carrying routing hints.
type Metadata []Pair

func (m Metadata) Get(key string) (string, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (m Metadata) Value(key string) string {
	v, _ := m.Get(key)
	return v
}

func (m Metadata) Set(key, value string) Metadata {
	out := m.Clone()
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Pair{Key: key, Value: value})
}

func (m Metadata) Delete(key string) Metadata {
	out := make(Metadata, 0, len(m))
	for _, p := range m {
		if p.Key != key {
			out = append(out, p)
		}
	}
	return out
}

func (m Metadata) Keys() []string {
	keys := make([]string, len(m))
	for i, p := range m {
		keys[i] = p.Key
	}
	return keys
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return append(Metadata(nil), m...)
}

func (m Metadata) Map() map[string]string {
	out := make(map[string]string, len(m))
	for _, p := range m {
		out[p.Key] = p.Value
	}
	return out
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	out := Metadata{}
	err := decodeOrderedObject(data, func(key string, raw json.RawMessage) error {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("metadata key %q: %w", key, err)
		}
		out = out.Set(key, s)
		return nil
	})
	if err != nil {
		return err
	}
	*m = out
	return nil
}

// decodeOrderedObject walks a JSON object and calls fn for each member in
// document order.
func decodeOrderedObject(data []byte, fn func(key string, raw json.RawMessage) error) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}

	_, err = dec.Token()
	return err
}
