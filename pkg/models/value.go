package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type ValueType string

const (
	ValueBoolean ValueType = "BOOLEAN"
	ValueLong    ValueType = "LONG"
	ValueDouble  ValueType = "DOUBLE"
	ValueString  ValueType = "STRING"
	ValueJSON    ValueType = "JSON"
)

// Value is a typed payload scalar. Exactly one field matching Type is set.
type Value struct {
	Type   ValueType
	Bool   bool
	Long   int64
	Double float64
	Str    string
	JSON   json.RawMessage
}

func BoolValue(v bool) Value      { return Value{Type: ValueBoolean, Bool: v} }
func LongValue(v int64) Value     { return Value{Type: ValueLong, Long: v} }
func DoubleValue(v float64) Value { return Value{Type: ValueDouble, Double: v} }
func StringValue(v string) Value  { return Value{Type: ValueString, Str: v} }

// JSONValue stores a compacted nested document. Invalid JSON is kept as a
// string value.
func JSONValue(raw []byte) Value {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return StringValue(string(raw))
	}
	return Value{Type: ValueJSON, JSON: json.RawMessage(buf.Bytes())}
}

// Interface returns the value as a plain Go type, decoding nested JSON.
func (v Value) Interface() interface{} {
	switch v.Type {
	case ValueBoolean:
		return v.Bool
	case ValueLong:
		return v.Long
	case ValueDouble:
		return v.Double
	case ValueJSON:
		var out interface{}
		if err := json.Unmarshal(v.JSON, &out); err != nil {
			return string(v.JSON)
		}
		return out
	default:
		return v.Str
	}
}

// String renders the value the way it would appear in metadata.
func (v Value) String() string {
	switch v.Type {
	case ValueBoolean:
		return strconv.FormatBool(v.Bool)
	case ValueLong:
		return strconv.FormatInt(v.Long, 10)
	case ValueDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case ValueJSON:
		return string(v.JSON)
	default:
		return v.Str
	}
}

func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case ValueBoolean:
		return v.Bool == o.Bool
	case ValueLong:
		return v.Long == o.Long
	case ValueDouble:
		return v.Double == o.Double
	case ValueJSON:
		return bytes.Equal(v.JSON, o.JSON)
	default:
		return v.Str == o.Str
	}
}

func (v Value) clone() Value {
	if v.JSON != nil {
		v.JSON = append(json.RawMessage(nil), v.JSON...)
	}
	return v
}

type wireValue struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.Type {
	case ValueBoolean:
		raw, err = json.Marshal(v.Bool)
	case ValueLong:
		raw = []byte(strconv.FormatInt(v.Long, 10))
	case ValueDouble:
		raw, err = json.Marshal(v.Double)
	case ValueString:
		raw, err = json.Marshal(v.Str)
	case ValueJSON:
		raw = v.JSON
	default:
		return nil, fmt.Errorf("unknown value type %q", v.Type)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.Type, Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Value{Type: w.Type}
	var err error
	switch w.Type {
	case ValueBoolean:
		err = json.Unmarshal(w.Value, &out.Bool)
	case ValueLong:
		err = json.Unmarshal(w.Value, &out.Long)
	case ValueDouble:
		err = json.Unmarshal(w.Value, &out.Double)
	case ValueString:
		err = json.Unmarshal(w.Value, &out.Str)
	case ValueJSON:
		var buf bytes.Buffer
		if err = json.Compact(&buf, w.Value); err == nil {
			out.JSON = json.RawMessage(buf.Bytes())
		}
	default:
		return fmt.Errorf("unknown value type %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", w.Type, err)
	}
	*v = out
	return nil
}
