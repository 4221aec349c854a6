package canonical

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": "x", "c": []any{true, nil}}
	b := map[string]any{"c": []any{true, nil}, "a": "x", "b": 1}

	ca, err := Marshal(a)
	require.NoError(t, err)
	cb, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, `{"a":"x","b":1,"c":[true,null]}`, string(ca))
	assert.Equal(t, ca, cb)
}

func TestMarshal_NumberForms(t *testing.T) {
	want := `{"n":5}`
	for _, v := range []any{5, int64(5), uint8(5), float64(5), float32(5), json.Number("5"), json.Number("5.0")} {
		got, err := Marshal(map[string]any{"n": v})
		require.NoError(t, err, "%T", v)
		assert.Equal(t, want, string(got), "%T", v)
	}

	got, err := Marshal(2.5)
	require.NoError(t, err)
	assert.Equal(t, "2.5", string(got))

	got, err = Marshal(json.Number("0.1"))
	require.NoError(t, err)
	assert.Equal(t, "0.1", string(got))
}

func TestMarshal_RejectsNonFinite(t *testing.T) {
	_, err := Marshal(math.NaN())
	assert.Error(t, err)
	_, err = Marshal(map[string]any{"x": math.Inf(1)})
	assert.Error(t, err)
}

func TestMarshal_Strings(t *testing.T) {
	got, err := Marshal("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got), "no HTML escaping")

	got, err = Marshal("line\u2028sep")
	require.NoError(t, err)
	assert.Equal(t, "\"line\u2028sep\"", string(got))

	got, err = Marshal(`back\u2028slash`)
	require.NoError(t, err)
	assert.Equal(t, `"back\\u2028slash"`, string(got))

	decomposed, err := Marshal("e\u0301")
	require.NoError(t, err)
	precomposed, err := Marshal("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, "\"e\u0301\"", string(decomposed), "strings are encoded byte for byte")
	assert.NotEqual(t, precomposed, decomposed)

	h1, err := Hash(map[string]any{"action": "caf\u00e9"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"action": "cafe\u0301"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+1F600 is a surrogate pair (0xD83D...) which sorts before U+FF21
	// in UTF-16 but after it in UTF-8.
	got, err := Marshal(map[string]any{"\uFF21": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFF21\":1}", string(got))
}

func TestMarshal_StructsAndTime(t *testing.T) {
	type inner struct {
		Name  string   `json:"name"`
		Count int      `json:"count"`
		Tags  []string `json:"tags"`
	}
	got, err := Marshal(inner{Name: "n", Count: 2, Tags: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, `{"count":2,"name":"n","tags":["x"]}`, string(got))

	ts := time.Date(2024, 1, 15, 9, 0, 0, 123, time.UTC)
	got, err = Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2024-01-15T09:00:00.000000123Z"`, string(got))

	// Same instant, different offset: not the same value.
	shifted, err := Marshal(ts.In(time.FixedZone("x", 3600)))
	require.NoError(t, err)
	assert.Equal(t, `"2024-01-15T10:00:00.000000123+01:00"`, string(shifted))
}

func TestNormalizeMap(t *testing.T) {
	m, err := NormalizeMap(nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Empty(t, m)

	m, err = NormalizeMap(map[string]any{"fields": []string{"ssn"}, "n": 3})
	require.NoError(t, err)
	assert.Equal(t, []any{"ssn"}, m["fields"])
	assert.Equal(t, json.Number("3"), m["n"])
}

func TestNormalize_NFC(t *testing.T) {
	m, err := NormalizeMap(map[string]any{
		"na\u0303o": []any{"cafe\u0301", map[string]any{"k": "e\u0301"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"caf\u00e9", map[string]any{"k": "\u00e9"}}, m["n\u00e3o"])
	assert.Equal(t, "\u00e9", NFC("e\u0301"))
}

func TestHashChangesWithContent(t *testing.T) {
	h1, err := Hash(map[string]any{"action": "read"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"action": "reae"})
	require.NoError(t, err)
	h3, err := Hash(map[string]any{"action": "read", "extra": nil})
	require.NoError(t, err)

	assert.Len(t, h1, DigestSize)
	assert.True(t, IsDigest(h1))
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3, "an explicit null must not alias an absent key")
}

func TestDigestWithDomain(t *testing.T) {
	data := []byte("payload")
	assert.NotEqual(t, Digest(data), DigestWithDomain("a", data))
	assert.NotEqual(t, DigestWithDomain("a", data), DigestWithDomain("b", data))
	assert.Equal(t, DigestWithDomain("a", data), DigestWithDomain("a", data))
}

func TestIsDigest(t *testing.T) {
	assert.False(t, IsDigest("abc"))
	assert.False(t, IsDigest(Digest(nil)[:63]+"G"))
	assert.True(t, IsDigest(Digest(nil)))
}
