package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// SafeSerialize recursively converts an arbitrary value into one a standard
// JSON encoder accepts without further conversion: primitives pass through,
// times become ISO-8601, byte slices become "b64:<base64>", map keys are
// coerced to strings, and anything else falls back to its string form.
func SafeSerialize(v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = "<unserializable>"
		}
	}()
	return serialize(v, 0)
}

const maxSerializeDepth = 32

func serialize(v any, depth int) any {
	if depth > maxSerializeDepth {
		return "<unserializable>"
	}
	if v == nil {
		return nil
	}

	switch tv := v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return tv
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return tv.String()
	case []byte:
		return "b64:" + base64.StdEncoding.EncodeToString(tv)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(tv, &decoded); err == nil {
			return decoded
		}
		return string(tv)
	case error:
		return tv.Error()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return serialize(rv.Elem().Interface(), depth+1)
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			out[key] = serialize(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, serialize(rv.Index(i).Interface(), depth+1))
		}
		return out
	case reflect.Struct:
		return serializeStruct(v, depth)
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Sprintf("<%s>", rv.Kind())
	default:
		return fmt.Sprint(v)
	}
}

// serializeStruct converts a struct through its JSON representation, which
// honors custom marshalers and field tags. Unmarshalable structs degrade to
// their string form.
func serializeStruct(v any, depth int) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return string(data)
	}
	// Round-tripped values may still hold non-string-keyed maps inside
	// interface slots; normalize them.
	return serialize(decoded, depth+1)
}
