package cleaner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/endo-ingress/pkg/tree"
)

func TestCleanMetadata(t *testing.T) {
	declared, err := tree.Parse([]byte(`{
		"category": "  Polyp ",
		"sex": "F",
		"ageRange": "50 - 59",
		"location": "sigmoid   colon",
		"confidence": 0.8,
		"notes": " keep  inner  spacing "
	}`))
	require.NoError(t, err)

	cleaned, ops := NewDataCleaner(zaptest.NewLogger(t)).CleanMetadata(declared)

	get := func(key string) string {
		n, ok := cleaned.Get(key)
		require.True(t, ok)
		return n.Text()
	}
	assert.Equal(t, "polyp", get("category"))
	assert.Equal(t, "female", get("sex"))
	assert.Equal(t, "50-59", get("ageRange"))
	assert.Equal(t, "sigmoid colon", get("location"))
	assert.Equal(t, "keep  inner  spacing", get("notes"))
	assert.Equal(t, "0.8", get("confidence"))

	var names []string
	for _, op := range ops {
		names = append(names, op.Field+":"+op.CleaningOperation)
	}
	assert.Equal(t, []string{
		"category:trim_whitespace",
		"category:lowercase",
		"sex:lowercase",
		"sex:map_sex_code",
		"ageRange:normalize_age_range",
		"location:collapse_whitespace",
		"notes:trim_whitespace",
	}, names)

	// original tree untouched
	orig, _ := declared.Get("category")
	assert.Equal(t, "  Polyp ", orig.Text())
}

func TestCleanMetadataNoChanges(t *testing.T) {
	declared, err := tree.Parse([]byte(`{"category":"polyp","sex":"male","ageRange":"80+"}`))
	require.NoError(t, err)

	cleaned, ops := NewDataCleaner(nil).CleanMetadata(declared)
	assert.Empty(t, ops)
	assert.True(t, cleaned.Equal(declared))
}

func TestNormalizeAgeRange(t *testing.T) {
	tests := map[string]string{
		"40 to 49": "40-49",
		"40 a 49":  "40-49",
		"80 +":     "80+",
		"80 plus":  "80+",
		"adult":    "adult",
	}
	for in, want := range tests {
		got, _ := normalizeAgeRange("ageRange", in)
		assert.Equal(t, want, got, in)
	}
}

func TestOperationString(t *testing.T) {
	_, op := mapSexCode("sex", "m")
	require.NotNil(t, op)
	assert.Equal(t, `Normalized sex: "m" -> "male" (map_sex_code)`, op.String())
}
