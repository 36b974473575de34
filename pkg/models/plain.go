package models

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ValueFromJSON converts a parsed JSON value. Integral numbers become
// longs, other numbers doubles, objects and arrays nested JSON.
func ValueFromJSON(res gjson.Result) Value {
	switch res.Type {
	case gjson.True, gjson.False:
		return BoolValue(res.Bool())
	case gjson.String:
		return StringValue(res.Str)
	case gjson.Number:
		if !strings.ContainsAny(res.Raw, ".eE") {
			return LongValue(res.Int())
		}
		return DoubleValue(res.Num)
	default:
		return JSONValue([]byte(res.Raw))
	}
}

// PayloadFromJSON builds a payload from a plain JSON object, keeping the
// key order of the document.
func PayloadFromJSON(data []byte) (Payload, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	out := Payload{}
	doc.ForEach(func(key, value gjson.Result) bool {
		out = out.Set(key.String(), ValueFromJSON(value))
		return true
	})
	return out, nil
}
