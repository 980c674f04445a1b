package util

import "reflect"

// DeepCopy creates a deep copy of a given value. It is safe for cyclic data
// structures. A fast path covers the map/slice/primitive shapes that dominate
// operation context data; anything else goes through reflection.
func DeepCopy(src interface{}) interface{} {
	if src == nil {
		return nil
	}
	// Maps the address of an original map/slice/pointer to its copy so a
	// structure reachable from itself copies to a structure with the same
	// shape instead of recursing forever.
	visited := make(map[uintptr]interface{})
	return deepCopyValue(src, visited)
}

func deepCopyValue(src interface{}, visited map[uintptr]interface{}) interface{} {
	if src == nil {
		return nil
	}

	original := reflect.ValueOf(src)
	switch original.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr:
		if cpy, seen := visited[original.Pointer()]; seen {
			return cpy
		}
	}

	switch v := src.(type) {
	case map[string]interface{}:
		cpy := make(map[string]interface{}, len(v))
		// Register before recursing so cycles resolve to the same copy.
		visited[original.Pointer()] = cpy
		for key, value := range v {
			cpy[key] = deepCopyValue(value, visited)
		}
		return cpy

	case []interface{}:
		cpy := make([]interface{}, len(v), cap(v))
		visited[original.Pointer()] = cpy
		for i, value := range v {
			cpy[i] = deepCopyValue(value, visited)
		}
		return cpy

	case string, int, int64, int32, int16, int8,
		uint, uint64, uint32, uint16, uint8,
		float64, float32, bool, complex64, complex128:
		// Copied by value.
		return v

	default:
		return deepCopyReflect(original, visited)
	}
}

// deepCopyReflect handles structs, arrays, typed maps/slices and pointers
// that the fast path does not cover.
func deepCopyReflect(original reflect.Value, visited map[uintptr]interface{}) interface{} {
	if !original.IsValid() {
		return nil
	}

	switch original.Kind() {
	case reflect.Ptr:
		if original.IsNil() {
			return nil
		}
		newPtr := reflect.New(original.Type().Elem())
		visited[original.Pointer()] = newPtr.Interface()
		if elem := deepCopyValue(original.Elem().Interface(), visited); elem != nil {
			newPtr.Elem().Set(reflect.ValueOf(elem))
		}
		return newPtr.Interface()

	case reflect.Interface:
		if original.IsNil() {
			return nil
		}
		return deepCopyValue(original.Elem().Interface(), visited)

	case reflect.Slice:
		if original.IsNil() {
			return nil
		}
		cpy := reflect.MakeSlice(original.Type(), original.Len(), original.Cap())
		visited[original.Pointer()] = cpy.Interface()
		for i := 0; i < original.Len(); i++ {
			if elem := deepCopyValue(original.Index(i).Interface(), visited); elem != nil {
				cpy.Index(i).Set(reflect.ValueOf(elem))
			}
		}
		return cpy.Interface()

	case reflect.Map:
		if original.IsNil() {
			return nil
		}
		cpy := reflect.MakeMap(original.Type())
		visited[original.Pointer()] = cpy.Interface()
		for _, key := range original.MapKeys() {
			copiedKey := deepCopyValue(key.Interface(), visited)
			copiedValue := deepCopyValue(original.MapIndex(key).Interface(), visited)
			cpy.SetMapIndex(reflect.ValueOf(copiedKey), reflect.ValueOf(copiedValue))
		}
		return cpy.Interface()

	case reflect.Struct:
		cpy := reflect.New(original.Type()).Elem()
		for i := 0; i < original.NumField(); i++ {
			if !cpy.Field(i).CanSet() {
				// Unexported fields stay zero; context data is expected to
				// be plain exported shapes.
				continue
			}
			if fieldCopy := deepCopyValue(original.Field(i).Interface(), visited); fieldCopy != nil {
				cpy.Field(i).Set(reflect.ValueOf(fieldCopy))
			}
		}
		return cpy.Interface()

	case reflect.Array:
		cpy := reflect.New(original.Type()).Elem()
		for i := 0; i < original.Len(); i++ {
			if elem := deepCopyValue(original.Index(i).Interface(), visited); elem != nil {
				cpy.Index(i).Set(reflect.ValueOf(elem))
			}
		}
		return cpy.Interface()

	default:
		cpy := reflect.New(original.Type()).Elem()
		cpy.Set(original)
		return cpy.Interface()
	}
}
