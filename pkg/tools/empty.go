package tools

import "reflect"

// IsEmptyResult reports whether tool results carry nothing worth reporting.
// An empty map is empty. Otherwise the results are non-empty as soon as one
// payload is a non-empty list, or a map holding a non-empty list or map, or
// a number greater than zero.
func IsEmptyResult(results map[string]any) bool {
	for _, payload := range results {
		if meaningful(payload) {
			return false
		}
	}
	return true
}

func meaningful(payload any) bool {
	v := reflect.ValueOf(payload)
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return v.Len() > 0
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if fieldMeaningful(iter.Value()) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() && fieldMeaningful(v.Field(i)) {
				return true
			}
		}
	}
	return false
}

func fieldMeaningful(v reflect.Value) bool {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return v.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() > 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() > 0
	case reflect.Float32, reflect.Float64:
		return v.Float() > 0
	}
	return false
}
