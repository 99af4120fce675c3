// pkg/converter/converter.go
package converter

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Dialect identifies the SQL flavour of a warehouse
type Dialect string

const (
	DialectPostgres  Dialect = "postgres"
	DialectSnowflake Dialect = "snowflake"
	DialectSQLite    Dialect = "sqlite"
)

// DialectForDriver maps a database/sql driver name onto its dialect
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return DialectPostgres, nil
	case "snowflake":
		return DialectSnowflake, nil
	case "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("no SQL dialect for driver %q", driver)
	}
}

// LogicalType is the dialect independent type of a manifest column
type LogicalType int

const (
	TypeString LogicalType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeTimestamp
	TypeJSON
)

// String returns a string representation of the logical type
func (t LogicalType) String() string {
	switch t {
	case TypeString:
		return "String"
	case TypeInteger:
		return "Integer"
	case TypeFloat:
		return "Float"
	case TypeBoolean:
		return "Boolean"
	case TypeTimestamp:
		return "Timestamp"
	case TypeJSON:
		return "JSON"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// Column describes one exported column. Length applies to strings; zero
// means unbounded.
type Column struct {
	Name       string
	Type       LogicalType
	Length     int
	Nullable   bool
	PrimaryKey bool
}

// TypeConverter handles mapping and conversion of data types and values
type TypeConverter struct {
	logger *zap.Logger
	// Configuration options
	config TypeConverterConfig
}

// TypeConverterConfig provides configuration options for type conversion
type TypeConverterConfig struct {
	// Maximum VARCHAR length before converting to TEXT
	MaxVarcharLength int
	// Whether to shrink string columns to the observed data
	OptimizeStorage bool
	// Timezone timestamps are normalized to
	DefaultTimezone string
	// Whether to treat empty strings as NULL
	EmptyStringAsNull bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() TypeConverterConfig {
	return TypeConverterConfig{
		MaxVarcharLength:  10485760, // 10MB is PostgreSQL's TEXT practical limit
		OptimizeStorage:   true,
		DefaultTimezone:   "UTC",
		EmptyStringAsNull: true,
	}
}

// NewTypeConverter creates a new TypeConverter with default configuration
func NewTypeConverter(logger *zap.Logger) *TypeConverter {
	return NewTypeConverterWithConfig(logger, DefaultConfig())
}

// NewTypeConverterWithConfig creates a TypeConverter with custom configuration
func NewTypeConverterWithConfig(logger *zap.Logger, config TypeConverterConfig) *TypeConverter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypeConverter{
		logger: logger,
		config: config,
	}
}

// MapType returns the column type of col in dialect d
func (c *TypeConverter) MapType(col Column, d Dialect) (string, error) {
	switch d {
	case DialectPostgres:
		switch col.Type {
		case TypeString:
			return c.handleVarcharType(col.Length), nil
		case TypeInteger:
			return "BIGINT", nil
		case TypeFloat:
			return "DOUBLE PRECISION", nil
		case TypeBoolean:
			return "BOOLEAN", nil
		case TypeTimestamp:
			return "TIMESTAMP WITH TIME ZONE", nil
		case TypeJSON:
			return "JSONB", nil
		}
	case DialectSnowflake:
		switch col.Type {
		case TypeString:
			if col.Length > 0 {
				return fmt.Sprintf("VARCHAR(%d)", col.Length), nil
			}
			return "VARCHAR", nil
		case TypeInteger:
			return "NUMBER(18,0)", nil
		case TypeFloat:
			return "FLOAT", nil
		case TypeBoolean:
			return "BOOLEAN", nil
		case TypeTimestamp:
			return "TIMESTAMP_TZ", nil
		case TypeJSON:
			// bound parameters cannot target VARIANT directly
			return "VARCHAR", nil
		}
	case DialectSQLite:
		switch col.Type {
		case TypeString, TypeJSON:
			return "TEXT", nil
		case TypeInteger, TypeBoolean:
			return "INTEGER", nil
		case TypeFloat:
			return "REAL", nil
		case TypeTimestamp:
			return "TIMESTAMP", nil
		}
	default:
		return "", fmt.Errorf("unsupported dialect %q", d)
	}

	c.logger.Warn("Unknown column type encountered",
		zap.String("column", col.Name),
		zap.String("type", col.Type.String()))
	return "TEXT", fmt.Errorf("unknown type %s for column %s (mapped to TEXT as fallback)", col.Type, col.Name)
}

// GenerateColumnDefinitions creates column definitions for dialect d
func (c *TypeConverter) GenerateColumnDefinitions(cols []Column, d Dialect) ([]string, error) {
	definitions := make([]string, 0, len(cols))

	for _, col := range cols {
		sqlType, err := c.MapType(col, d)
		if err != nil {
			return nil, err
		}

		nullability := "NULL"
		if col.PrimaryKey || !col.Nullable {
			nullability = "NOT NULL"
		}

		definitions = append(definitions, fmt.Sprintf("%s %s %s",
			QuoteIdentifier(col.Name, d),
			sqlType,
			nullability))
	}

	return definitions, nil
}

// PrimaryKey returns the quoted primary key column list, or empty
func PrimaryKey(cols []Column, d Dialect) string {
	var keys []string
	for _, col := range cols {
		if col.PrimaryKey {
			keys = append(keys, QuoteIdentifier(col.Name, d))
		}
	}
	return strings.Join(keys, ", ")
}

// QuoteIdentifier properly quotes and escapes an identifier. Snowflake
// folds unquoted names to upper case, the others to lower case.
func QuoteIdentifier(name string, d Dialect) string {
	escaped := strings.ReplaceAll(name, "\"", "\"\"")
	if d == DialectSnowflake {
		return fmt.Sprintf("\"%s\"", strings.ToUpper(escaped))
	}
	return fmt.Sprintf("\"%s\"", strings.ToLower(escaped))
}
