// pkg/converter/mapping.go
package converter

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// handleVarcharType sizes a Postgres string column. Zero length means TEXT.
func (c *TypeConverter) handleVarcharType(length int) string {
	if length <= 0 {
		return "TEXT"
	}
	if length > c.config.MaxVarcharLength {
		c.logger.Debug("Converting large VARCHAR to TEXT", zap.Int("length", length))
		return "TEXT"
	}
	if !c.config.OptimizeStorage {
		return fmt.Sprintf("VARCHAR(%d)", length)
	}

	return fmt.Sprintf("VARCHAR(%d)", bucketLength(length))
}

// bucketLength rounds a string length up to a common column size
func bucketLength(length int) int {
	switch {
	case length > 1000:
		return 10000
	case length > 255:
		return 1000
	case length > 100:
		return 255
	case length > 50:
		return 100
	case length > 16:
		return 50
	default:
		// Keep the original size for small fields
		return length
	}
}

// DetectTimeFormat analyzes a value to determine its timestamp format
func DetectTimeFormat(value string) string {
	// Common formats to check
	formats := []string{
		"2006-01-02T15:04:05Z",             // ISO8601 UTC
		"2006-01-02T15:04:05-07:00",        // ISO8601 with timezone
		"2006-01-02 15:04:05",              // SQL timestamp
		"2006-01-02",                       // Date only
		"20060102T150405Z",                 // Compact ISO8601
		"2006-01-02T15:04:05.999999Z",      // ISO8601 with microseconds
		"2006-01-02T15:04:05.999999-07:00", // ISO8601 with microseconds and TZ
		"2006:01:02 15:04:05",              // EXIF DateTime
	}

	for _, format := range formats {
		_, err := time.Parse(format, value)
		if err == nil {
			return format
		}
	}

	return ""
}
