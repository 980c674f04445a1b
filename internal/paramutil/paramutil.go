// Package paramutil provides typed accessors for module parameter maps.
// Manifest params arrive as map[string]interface{} after YAML decoding and
// template rendering; these helpers turn loose lookups into validated values
// with consistent ValidationError messages.
package paramutil

import (
	"fmt"
	"time"

	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
)

// GetRequiredString retrieves a required string parameter.
func GetRequiredString(params map[string]interface{}, key string) (string, error) {
	value, exists := params[key]
	if !exists {
		return "", opflowerrors.NewValidationError(fmt.Sprintf("missing required parameter '%s'", key), nil)
	}

	strValue, ok := value.(string)
	if !ok {
		return "", opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a string, got %T", key, value), nil)
	}

	return strValue, nil
}

// GetOptionalString retrieves an optional string parameter. The second return
// reports presence; a present value of the wrong type is an error.
func GetOptionalString(params map[string]interface{}, key string) (string, bool, error) {
	value, exists := params[key]
	if !exists {
		return "", false, nil
	}

	strValue, ok := value.(string)
	if !ok {
		return "", false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a string, got %T", key, value), nil)
	}

	return strValue, true, nil
}

// GetOptionalStringSlice retrieves an optional list-of-strings parameter,
// converting from []interface{} as produced by the YAML decoder.
func GetOptionalStringSlice(params map[string]interface{}, key string) ([]string, bool, error) {
	value, exists := params[key]
	if !exists {
		return nil, false, nil
	}

	if stringSlice, ok := value.([]string); ok {
		return stringSlice, true, nil
	}

	sliceValue, ok := value.([]interface{})
	if !ok {
		return nil, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a list, got %T", key, value), nil)
	}

	result := make([]string, 0, len(sliceValue))
	for i, item := range sliceValue {
		strItem, ok := item.(string)
		if !ok {
			return nil, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a list of strings, found %T at index %d", key, item, i), nil)
		}
		result = append(result, strItem)
	}

	return result, true, nil
}

// GetRequiredMap retrieves a required map parameter with string keys.
func GetRequiredMap(params map[string]interface{}, key string) (map[string]interface{}, error) {
	mapValue, found, err := GetOptionalMap(params, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, opflowerrors.NewValidationError(fmt.Sprintf("missing required parameter '%s'", key), nil)
	}
	return mapValue, nil
}

// GetOptionalMap retrieves an optional map parameter, converting from
// map[interface{}]interface{} when the YAML decoder produces that form.
func GetOptionalMap(params map[string]interface{}, key string) (map[string]interface{}, bool, error) {
	value, exists := params[key]
	if !exists {
		return nil, false, nil
	}

	if mapValue, ok := value.(map[string]interface{}); ok {
		return mapValue, true, nil
	}

	if genericMap, ok := value.(map[interface{}]interface{}); ok {
		convertedMap := make(map[string]interface{}, len(genericMap))
		for k, v := range genericMap {
			strKey, ok := k.(string)
			if !ok {
				return nil, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a map with string keys, found key of type %T", key, k), nil)
			}
			convertedMap[strKey] = v
		}
		return convertedMap, true, nil
	}

	return nil, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a map, got %T", key, value), nil)
}

// GetOptionalInt retrieves an optional integer parameter, coercing from the
// numeric types YAML and templates can produce. Floats convert only when they
// carry a whole number.
func GetOptionalInt(params map[string]interface{}, key string) (int, bool, error) {
	value, exists := params[key]
	if !exists {
		return 0, false, nil
	}

	switch v := value.(type) {
	case int:
		return v, true, nil
	case int8:
		return int(v), true, nil
	case int16:
		return int(v), true, nil
	case int32:
		return int(v), true, nil
	case int64:
		intValue := int(v)
		if int64(intValue) != v {
			return 0, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' value %v overflows int", key, v), nil)
		}
		return intValue, true, nil
	case float32:
		if v == float32(int(v)) {
			return int(v), true, nil
		}
		return 0, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' is a non-integer number (%v)", key, v), nil)
	case float64:
		if v == float64(int(v)) {
			return int(v), true, nil
		}
		return 0, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' is a non-integer number (%v)", key, v), nil)
	default:
		return 0, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be an integer, got %T", key, value), nil)
	}
}

// GetOptionalFloat retrieves an optional float parameter, coercing from the
// numeric types YAML and templates can produce.
func GetOptionalFloat(params map[string]interface{}, key string) (float64, bool, error) {
	value, exists := params[key]
	if !exists {
		return 0, false, nil
	}

	switch v := value.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int32:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	default:
		return 0, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a number, got %T", key, value), nil)
	}
}

// GetOptionalDuration retrieves an optional duration parameter given as a Go
// duration string such as "30s" or "1m30s". Negative durations are rejected.
func GetOptionalDuration(params map[string]interface{}, key string) (time.Duration, bool, error) {
	strValue, found, err := GetOptionalString(params, key)
	if err != nil || !found {
		return 0, found, err
	}

	d, parseErr := time.ParseDuration(strValue)
	if parseErr != nil {
		return 0, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' is not a valid duration: %v", key, parseErr), nil)
	}
	if d < 0 {
		return 0, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' cannot be negative", key), nil)
	}
	return d, true, nil
}

// GetOptionalBool retrieves an optional boolean parameter.
func GetOptionalBool(params map[string]interface{}, key string) (bool, bool, error) {
	value, exists := params[key]
	if !exists {
		return false, false, nil
	}

	boolValue, ok := value.(bool)
	if !ok {
		return false, false, opflowerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a boolean, got %T", key, value), nil)
	}

	return boolValue, true, nil
}

// CheckRequired validates that every key in required is present.
func CheckRequired(params map[string]interface{}, required []string) error {
	for _, key := range required {
		if _, exists := params[key]; !exists {
			return opflowerrors.NewValidationError(fmt.Sprintf("missing required parameter '%s'", key), nil)
		}
	}
	return nil
}

// CheckAllowed validates that only keys from allowed are present. An empty
// allowed list disables the check.
func CheckAllowed(params map[string]interface{}, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, key := range allowed {
		allowedSet[key] = struct{}{}
	}

	for key := range params {
		if _, isAllowed := allowedSet[key]; !isAllowed {
			return opflowerrors.NewValidationError(fmt.Sprintf("unknown parameter '%s' provided", key), nil)
		}
	}
	return nil
}

// CheckExclusive ensures at most one of exclusiveKeys is present.
func CheckExclusive(params map[string]interface{}, exclusiveKeys []string) error {
	var firstFoundKey string
	for _, key := range exclusiveKeys {
		if _, exists := params[key]; exists {
			if firstFoundKey != "" {
				return opflowerrors.NewValidationError(fmt.Sprintf("parameters '%s' and '%s' are mutually exclusive", firstFoundKey, key), nil)
			}
			firstFoundKey = key
		}
	}
	return nil
}
