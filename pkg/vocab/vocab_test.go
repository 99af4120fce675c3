package vocab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokens(t *testing.T) {
	tests := []struct {
		key  string
		want []string
	}{
		{"patientID", []string{"patient", "id"}},
		{"lens_serial-no", []string{"lens", "serial", "no"}},
		{"GPSLatitude", []string{"gps", "latitude"}},
		{"XPComment", []string{"xp", "comment"}},
		{"width", []string{"width"}},
		{"record2024", []string{"record", "2024"}},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokens(tt.key))
		})
	}
}

func TestMatch(t *testing.T) {
	v := New("name", "id", "Patient", "name")
	assert.Equal(t, []string{"name", "id", "patient"}, v.Terms())

	term, ok := v.Match("patientName")
	assert.True(t, ok)
	assert.Equal(t, "name", term)

	term, ok = v.Match("exam_id")
	assert.True(t, ok)
	assert.Equal(t, "id", term)

	_, ok = v.Match("width")
	assert.False(t, ok, "short terms must match whole tokens only")

	_, ok = v.Match("category")
	assert.False(t, ok)
}

func TestExtend(t *testing.T) {
	basic := New("name")
	strict := basic.Extend("device", "NAME")

	assert.Equal(t, []string{"name"}, basic.Terms())
	assert.Equal(t, []string{"name", "device"}, strict.Terms())
	assert.True(t, strict.Contains("Device"))
}
