// pkg/converter/array.go
package converter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// convertToJSON renders a value as a JSON document string
func (c *TypeConverter) convertToJSON(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		// Check if already valid JSON
		if json.Valid([]byte(v)) {
			return v, nil
		}
		// If not valid JSON, encode it as a JSON string
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		if json.Valid(v) {
			return string(v), nil
		}
		b, err := json.Marshal(string(v))
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		return string(v), nil

	default:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal to JSON: %w", err)
		}
		return string(jsonBytes), nil
	}
}

// HandleArray normalizes a value into a JSON array
func (c *TypeConverter) HandleArray(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		// If looks like JSON array, use as is
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") && json.Valid([]byte(trimmed)) {
			return []byte(trimmed), nil
		}
		// Otherwise, treat as single element array
		return json.Marshal([]string{v})

	case []interface{}:
		return json.Marshal(v)

	case nil:
		return []byte("[]"), nil

	default:
		val := reflect.ValueOf(value)
		if val.Kind() == reflect.Slice {
			return json.Marshal(value)
		}
		// Single value, convert to single-element array
		return json.Marshal([]interface{}{value})
	}
}

// HandleObject normalizes a value into a JSON object. Map keys are
// stringified; scalars are wrapped as {"value": v}.
func (c *TypeConverter) HandleObject(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		return json.Marshal(v)

	case map[string]string:
		return json.Marshal(v)

	case string:
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(v), &obj); err == nil {
			return []byte(v), nil
		}
		return json.Marshal(map[string]interface{}{"value": v})

	case nil:
		return []byte("{}"), nil

	default:
		val := reflect.ValueOf(value)
		if val.Kind() == reflect.Map {
			result := make(map[string]interface{}, val.Len())
			for _, key := range val.MapKeys() {
				result[fmt.Sprintf("%v", key.Interface())] = val.MapIndex(key).Interface()
			}
			return json.Marshal(result)
		}
		if val.Kind() == reflect.Struct {
			return json.Marshal(value)
		}
		return json.Marshal(map[string]interface{}{"value": value})
	}
}
