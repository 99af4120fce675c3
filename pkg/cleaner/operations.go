// pkg/cleaner/operations.go
package cleaner

import (
	"regexp"
	"strings"

	"github.com/David-Botos/endo-ingress/pkg/model"
)

var (
	multiSpace = regexp.MustCompile(`\s{2,}`)

	// "40 - 49", "40to49", "40 a 49" style ranges
	ageRangePattern = regexp.MustCompile(`^(\d{1,3})\s*(?:-|–|to|a|até)\s*(\d{1,3})$`)
	// "80 +", "80 plus"
	ageOpenPattern = regexp.MustCompile(`^(\d{1,3})\s*(?:\+|plus|or more)$`)
)

// sexCodes maps common spellings and codes to the canonical enumeration
var sexCodes = map[string]string{
	"m":         "male",
	"man":       "male",
	"masculino": "male",
	"masc":      "male",
	"h":         "male",
	"f":         "female",
	"woman":     "female",
	"feminino":  "female",
	"fem":       "female",
	"o":         "other",
	"outro":     "other",
	"u":         "unknown",
	"unk":       "unknown",
	"n/a":       "unknown",
	"na":        "unknown",
	"ignorado":  "unknown",
}

// trimWhitespace removes surrounding whitespace
func trimWhitespace(field, value string) (string, *model.CleaningOperation) {
	trimmed := strings.TrimSpace(value)
	if trimmed == value {
		return value, nil
	}
	return trimmed, &model.CleaningOperation{
		Field:             field,
		OriginalValue:     value,
		NewValue:          trimmed,
		CleaningOperation: "trim_whitespace",
		CleaningReason:    "surrounding_whitespace",
	}
}

// lowercase converts enumeration values to lower case
func lowercase(field, value string) (string, *model.CleaningOperation) {
	lower := strings.ToLower(value)
	if lower == value {
		return value, nil
	}
	return lower, &model.CleaningOperation{
		Field:             field,
		OriginalValue:     value,
		NewValue:          lower,
		CleaningOperation: "lowercase",
		CleaningReason:    "case_insensitive_enumeration",
	}
}

// collapseSpaces replaces internal whitespace runs with a single space
func collapseSpaces(field, value string) (string, *model.CleaningOperation) {
	collapsed := multiSpace.ReplaceAllString(value, " ")
	if collapsed == value {
		return value, nil
	}
	return collapsed, &model.CleaningOperation{
		Field:             field,
		OriginalValue:     value,
		NewValue:          collapsed,
		CleaningOperation: "collapse_whitespace",
		CleaningReason:    "repeated_whitespace",
	}
}

// mapSexCode maps abbreviations and localized spellings onto the enumeration
func mapSexCode(field, value string) (string, *model.CleaningOperation) {
	canonical, ok := sexCodes[value]
	if !ok || canonical == value {
		return value, nil
	}
	return canonical, &model.CleaningOperation{
		Field:             field,
		OriginalValue:     value,
		NewValue:          canonical,
		CleaningOperation: "map_sex_code",
		CleaningReason:    "non_canonical_code",
	}
}

// normalizeAgeRange rewrites age ranges as "40-49" or "80+"
func normalizeAgeRange(field, value string) (string, *model.CleaningOperation) {
	lower := strings.ToLower(value)

	var normalized string
	if m := ageRangePattern.FindStringSubmatch(lower); m != nil {
		normalized = m[1] + "-" + m[2]
	} else if m := ageOpenPattern.FindStringSubmatch(lower); m != nil {
		normalized = m[1] + "+"
	} else {
		return value, nil
	}

	if normalized == value {
		return value, nil
	}
	return normalized, &model.CleaningOperation{
		Field:             field,
		OriginalValue:     value,
		NewValue:          normalized,
		CleaningOperation: "normalize_age_range",
		CleaningReason:    "non_canonical_range_format",
	}
}
