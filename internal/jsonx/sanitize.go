package jsonx

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Unserializable is substituted when a value cannot even be formatted.
const Unserializable = "[Unserializable Object]"

// Sanitize converts v into a tree made only of JSON-native values. Values the
// encoder rejects are coerced to their string form one field at a time, so a
// single bad field never fails the whole payload.
func Sanitize(v any) any {
	return sanitize(v, 0)
}

const maxDepth = 32

type marshaler interface {
	MarshalJSON() ([]byte, error)
}

func sanitize(v any, depth int) any {
	if v == nil {
		return nil
	}
	if depth > maxDepth {
		return stringify(v)
	}

	switch val := v.(type) {
	case string, bool, Number, RawMessage:
		return val
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val
	case float32:
		return sanitizeFloat(float64(val))
	case float64:
		return sanitizeFloat(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case error:
		return val.Error()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = sanitize(item, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitize(item, depth+1)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = sanitize(iter.Value().Interface(), depth+1)
			}
			return out
		}
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() != reflect.Uint8 {
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				out[i] = sanitize(rv.Index(i).Interface(), depth+1)
			}
			return out
		}
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return stringify(v)
	}

	if _, custom := v.(marshaler); !custom {
		if s, ok := v.(fmt.Stringer); ok {
			return stringify(s)
		}
	}

	// Structs and named types: let the encoder decide, then normalise.
	data, err := Marshal(v)
	if err != nil {
		if fields, ok := sanitizeStruct(rv, depth); ok {
			return fields
		}
		return stringify(v)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		return stringify(v)
	}
	return decoded
}

// sanitizeStruct walks the exported fields of a struct the encoder rejected,
// honouring json tags, so only the offending fields are coerced.
func sanitizeStruct(rv reflect.Value, depth int) (map[string]any, bool) {
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	if _, custom := rv.Interface().(marshaler); custom {
		return nil, false
	}

	out := make(map[string]any, rv.NumField())
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		value := rv.Field(i)
		if field.Anonymous && name == "" {
			if embedded, ok := sanitizeStruct(value, depth+1); ok {
				for k, item := range embedded {
					if _, taken := out[k]; !taken {
						out[k] = item
					}
				}
				continue
			}
		}
		if name == "" {
			name = field.Name
		}
		if strings.Contains(opts, "omitempty") && value.IsZero() {
			continue
		}
		out[name] = sanitize(value.Interface(), depth+1)
	}
	return out, true
}

func sanitizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	return f
}

func stringify(v any) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = Unserializable
		}
	}()
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}

// MarshalSafe encodes v after sanitizing it.
func MarshalSafe(v any) ([]byte, error) {
	return Marshal(Sanitize(v))
}
