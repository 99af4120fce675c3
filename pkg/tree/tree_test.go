package tree

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePreservesKeyOrder(t *testing.T) {
	doc := `{"zeta":1,"alpha":{"b":[1,"two",true,null],"a":2.50},"mid":"x"}`

	n, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, KindObject, n.Kind())

	out, err := json.Marshal(n)
	require.NoError(t, err)
	assert.Equal(t, doc, string(out))
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestAccessors(t *testing.T) {
	n, err := Parse([]byte(`{"s":"text","f":0.75,"b":false,"arr":[1,2]}`))
	require.NoError(t, err)

	s, ok := n.Get("s")
	require.True(t, ok)
	str, ok := s.Str()
	assert.True(t, ok)
	assert.Equal(t, "text", str)

	f, _ := n.Get("f")
	v, ok := f.Float()
	assert.True(t, ok)
	assert.InDelta(t, 0.75, v, 1e-12)
	assert.Equal(t, "0.75", f.Text())

	b, _ := n.Get("b")
	bv, ok := b.BoolValue()
	assert.True(t, ok)
	assert.False(t, bv)

	arr, _ := n.Get("arr")
	assert.Equal(t, 2, arr.Len())
	assert.True(t, n.Has("arr"))
	assert.False(t, n.Has("missing"))
}

func TestWithAndWithoutDoNotMutate(t *testing.T) {
	orig := Object(Field{Key: "a", Value: String("1")}, Field{Key: "b", Value: String("2")})

	replaced := orig.With("a", String("x"))
	appended := orig.With("c", Bool(true))
	removed := orig.Without("a")

	a, _ := orig.Get("a")
	assert.Equal(t, "1", a.Text())

	a, _ = replaced.Get("a")
	assert.Equal(t, "x", a.Text())
	assert.Equal(t, "a", replaced.Fields()[0].Key)

	assert.Equal(t, 3, appended.Len())
	assert.Equal(t, "c", appended.Fields()[2].Key)

	assert.False(t, removed.Has("a"))
	assert.Equal(t, 2, orig.Len())
}

func TestEqual(t *testing.T) {
	a, err := Parse([]byte(`{"x":[1,{"y":"z"}]}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"x":[1,{"y":"z"}]}`))
	require.NoError(t, err)
	c, err := Parse([]byte(`{"x":[1,{"y":"w"}]}`))
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, Null().Equal(Node{}))
}

func TestUnmarshalJSON(t *testing.T) {
	var wrapper struct {
		Data Node `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"k":"v"}}`), &wrapper))
	v, ok := wrapper.Data.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v.Text())
}
