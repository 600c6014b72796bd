package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_SortsKeys(t *testing.T) {
	a, err := Encode(map[string]any{"b": 1.0, "a": 2.0})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestEncode_NumberNormalization(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"negative zero", -0.0, "0"},
		{"integral float", 3.0, "3"},
		{"fraction", 1.5, "1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Encode(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(out))
		})
	}
}

func TestEncode_StringEscaping(t *testing.T) {
	out, err := Encode("line\nbreak \"quoted\" \\ slash/ok")
	require.NoError(t, err)
	assert.Equal(t, `"line\nbreak \"quoted\" \\ slash/ok"`, string(out))
}

func TestEncode_Deterministic(t *testing.T) {
	m := map[string]any{
		"z": []any{1.0, 2.0, 3.0},
		"a": map[string]any{"nested": true},
	}
	first, err := Encode(m)
	require.NoError(t, err)
	second, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEncode_UnsupportedType(t *testing.T) {
	_, err := Encode(struct{ X int }{X: 1})
	assert.Error(t, err)
}

func TestHash_DifferentKindsDiffer(t *testing.T) {
	body := []byte(`{"a":1}`)
	blobHash := Hash(KindBlob, body)
	commitHash := Hash(KindCommit, body)
	assert.NotEqual(t, blobHash, commitHash)
}

func TestHexString_Length(t *testing.T) {
	h := Hash(KindBlob, []byte("x"))
	assert.Len(t, HexString(h), 64)
}

func TestHashValue_EquivalentRepresentations(t *testing.T) {
	a, err := HashValue(map[string]any{"x": 1.0, "y": 2.0})
	require.NoError(t, err)
	b, err := HashValue(map[string]any{"y": 2.0, "x": 1.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeJSON_RoundTrips(t *testing.T) {
	out, err := EncodeJSON([]byte(`{"b": 1, "a": [1,2,3]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2,3],"b":1}`, string(out))
}
