package config

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Flatten renders a typed config section as dotted keys and string values.
// Booleans become "1" and "0", durations use their Go notation and maps
// contribute one level per key.
func Flatten(section interface{}) map[string]string {
	out := make(map[string]string)
	flattenValue(reflect.ValueOf(section), "", out, nil)
	return out
}

// flattenTyped is Flatten that also records the Go type behind each key
func flattenTyped(section interface{}) (map[string]string, map[string]reflect.Type) {
	out := make(map[string]string)
	types := make(map[string]reflect.Type)
	flattenValue(reflect.ValueOf(section), "", out, types)
	return out, types
}

func flattenValue(v reflect.Value, prefix string, out map[string]string, types map[string]reflect.Type) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}

	if types != nil && v.Kind() != reflect.Struct && v.Kind() != reflect.Map {
		types[prefix] = v.Type()
	}

	if v.Type() == durationType {
		out[prefix] = time.Duration(v.Int()).String()
		return
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			flattenValue(v.Field(i), join(prefix, fieldKey(f)), out, types)
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			flattenValue(v.MapIndex(k), join(prefix, strings.ToLower(k.String())), out, types)
		}
	case reflect.Bool:
		if v.Bool() {
			out[prefix] = "1"
		} else {
			out[prefix] = "0"
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out[prefix] = strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		out[prefix] = strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		out[prefix] = strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Slice:
		parts := make([]string, v.Len())
		for i := range parts {
			parts[i] = v.Index(i).String()
		}
		out[prefix] = strings.Join(parts, ",")
	default:
		out[prefix] = v.String()
	}
}

// Keys lists the dotted option keys of a struct type in declaration order.
// Map fields have no fixed keys and are skipped.
func Keys(t reflect.Type) []string {
	var keys []string
	collectKeys(t, "", &keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, keys *[]string) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		key := join(prefix, fieldKey(f))
		switch {
		case f.Type == durationType:
			*keys = append(*keys, key)
		case f.Type.Kind() == reflect.Struct:
			collectKeys(f.Type, key, keys)
		case f.Type.Kind() == reflect.Map:
		default:
			*keys = append(*keys, key)
		}
	}
}

func fieldKey(f reflect.StructField) string {
	if tag := f.Tag.Get("mapstructure"); tag != "" {
		return strings.Split(tag, ",")[0]
	}
	return strings.ToLower(f.Name)
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
