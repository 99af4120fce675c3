// pkg/converter/optimizations.go
package converter

import (
	"go.uber.org/zap"
)

// OptimizeColumns narrows unbounded string columns to the longest value
// observed in rows, rounded up to a common size. Columns with a declared
// length are left unchanged.
func (c *TypeConverter) OptimizeColumns(cols []Column, rows [][]interface{}) []Column {
	optimized := make([]Column, len(cols))
	copy(optimized, cols)
	if !c.config.OptimizeStorage {
		return optimized
	}

	for i, col := range optimized {
		if col.Type != TypeString || col.Length > 0 {
			continue
		}

		longest := 0
		for _, row := range rows {
			if i >= len(row) || isNull(row[i]) {
				continue
			}
			s, err := c.convertToText(row[i])
			if err != nil {
				continue
			}
			if len(s) > longest {
				longest = len(s)
			}
		}
		if longest == 0 || longest > c.config.MaxVarcharLength {
			continue
		}

		optimized[i].Length = bucketLength(longest)
		c.logger.Debug("Optimized string column",
			zap.String("column", col.Name),
			zap.Int("longest", longest),
			zap.Int("length", optimized[i].Length))
	}

	return optimized
}
