// pkg/cleaner/cleaner.go
package cleaner

import (
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/tree"
)

// DataCleaner normalizes declared clinical metadata before validation
type DataCleaner struct {
	logger *zap.Logger
}

// NewDataCleaner creates a new DataCleaner instance
func NewDataCleaner(logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataCleaner{logger: logger}
}

// CleanMetadata returns a cleaned copy of the declared metadata together with
// every operation performed. Non-object input is returned unchanged.
func (c *DataCleaner) CleanMetadata(declared tree.Node) (tree.Node, []model.CleaningOperation) {
	if declared.Kind() != tree.KindObject {
		return declared, nil
	}

	cleaned := declared
	var operations []model.CleaningOperation

	for _, field := range declared.Fields() {
		value, ok := field.Value.Str()
		if !ok {
			continue
		}

		newValue, ops := cleanField(field.Key, value)
		if len(ops) == 0 {
			continue
		}

		cleaned = cleaned.With(field.Key, tree.String(newValue))
		operations = append(operations, ops...)
	}

	if len(operations) > 0 {
		c.logger.Debug("Cleaned declared metadata", zap.Int("operations", len(operations)))
	}

	return cleaned, operations
}

// cleanField applies the cleaning chain for one top-level field
func cleanField(key, value string) (string, []model.CleaningOperation) {
	var operations []model.CleaningOperation

	apply := func(fn func(string, string) (string, *model.CleaningOperation)) {
		newValue, op := fn(key, value)
		if op != nil {
			operations = append(operations, *op)
			value = newValue
		}
	}

	apply(trimWhitespace)

	switch key {
	case "category":
		apply(lowercase)
		apply(collapseSpaces)
	case "sex":
		apply(lowercase)
		apply(mapSexCode)
	case "ageRange":
		apply(normalizeAgeRange)
	case "location":
		apply(collapseSpaces)
	}

	return value, operations
}
