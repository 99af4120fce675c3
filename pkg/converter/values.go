// pkg/converter/values.go
package converter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ConvertValue converts a value for insertion into col under dialect d
func (c *TypeConverter) ConvertValue(value interface{}, col Column, d Dialect) (interface{}, error) {
	// Handle NULL values
	if isNull(value) {
		if !col.Nullable || col.PrimaryKey {
			return nil, fmt.Errorf("column %s does not accept NULL", col.Name)
		}
		return nil, nil
	}

	switch col.Type {
	case TypeString:
		s, err := c.convertToText(value)
		if err != nil {
			return nil, err
		}
		if col.Length > 0 && len(s) > col.Length {
			return nil, fmt.Errorf("value of %d bytes exceeds %s length %d", len(s), col.Name, col.Length)
		}
		return s, nil

	case TypeInteger, TypeFloat:
		return c.convertToNumeric(value, col.Type)

	case TypeBoolean:
		b, err := c.convertToBoolean(value)
		if err != nil {
			return nil, err
		}
		if d == DialectSQLite {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return b, nil

	case TypeTimestamp:
		return c.convertToTimestamp(value)

	case TypeJSON:
		return c.convertToJSON(value)

	default:
		// Default to string conversion for unknown types
		strVal, err := c.convertToText(value)
		if err != nil {
			return nil, fmt.Errorf("fallback string conversion failed for %s: %w", col.Name, err)
		}
		return strVal, nil
	}
}

// ConvertRow converts one row positionally against cols
func (c *TypeConverter) ConvertRow(values []interface{}, cols []Column, d Dialect) ([]interface{}, error) {
	if len(values) != len(cols) {
		return nil, fmt.Errorf("row has %d values, expected %d", len(values), len(cols))
	}
	out := make([]interface{}, len(values))
	for i, v := range values {
		cv, err := c.ConvertValue(v, cols[i], d)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", cols[i].Name, err)
		}
		out[i] = cv
	}
	return out, nil
}

// isNull determines if a value should be treated as NULL
func isNull(value interface{}) bool {
	if value == nil {
		return true
	}

	// Check string representations of NULL
	if strVal, ok := value.(string); ok {
		switch strVal {
		case "null", "NULL", "nil", "NIL", "":
			return true
		}
	}

	return false
}

// convertToText converts a value to text/string
func (c *TypeConverter) convertToText(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return fmt.Sprintf("%v", v), nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		// named string types such as enumerations
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
			return rv.String(), nil
		}
		// Try JSON marshaling for complex types
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return string(jsonBytes), nil
	}
}

// convertToNumeric converts a value to an integer or float
func (c *TypeConverter) convertToNumeric(value interface{}, t LogicalType) (interface{}, error) {
	var f float64
	switch v := value.(type) {
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		if t == TypeInteger {
			return v, nil
		}
		f = float64(v)
	case float32:
		f = float64(v)
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("cannot convert '%s' to numeric", v)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert string '%s' to numeric", v)
		}
		f = parsed
	case bool:
		if v {
			f = 1
		}
	default:
		return nil, fmt.Errorf("cannot convert %T to numeric", value)
	}

	if t == TypeInteger {
		return int64(f), nil
	}
	return f, nil
}

// convertToBoolean converts a value to boolean
func (c *TypeConverter) convertToBoolean(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0.0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "yes", "y", "1", "on":
			return true, nil
		case "false", "f", "no", "n", "0", "off":
			return false, nil
		default:
			return false, fmt.Errorf("cannot convert string '%s' to boolean", v)
		}
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}

// convertToTimestamp converts a value to a UTC timestamp
func (c *TypeConverter) convertToTimestamp(value interface{}) (interface{}, error) {
	loc, err := time.LoadLocation(c.config.DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}

	switch v := value.(type) {
	case time.Time:
		return v.In(loc), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return v.In(loc), nil
	case string:
		// Detect format (if possible)
		if format := DetectTimeFormat(v); format != "" {
			if parsed, err := time.ParseInLocation(format, v, loc); err == nil {
				return parsed, nil
			}
		}

		for _, layout := range []string{time.RFC3339Nano, time.RFC1123, time.RFC1123Z} {
			if parsed, err := time.Parse(layout, v); err == nil {
				return parsed.In(loc), nil
			}
		}
		return nil, fmt.Errorf("cannot parse '%s' as timestamp", v)
	case int64:
		// Assume Unix timestamp (seconds since epoch)
		return time.Unix(v, 0).In(loc), nil
	case float64:
		// Assume Unix timestamp with possible fractional seconds
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).In(loc), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to timestamp", value)
	}
}
