package document

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string][]uint64
	}{
		{"repeated", "hello world hello", map[string][]uint64{"hello": {0, 2}, "world": {1}}},
		{"collapses whitespace", "a  b\tc\n", map[string][]uint64{"a": {0}, "b": {1}, "c": {2}}},
		{"empty", "", map[string][]uint64{}},
		{"only whitespace", " \t\n ", map[string][]uint64{}},
		{"case and punctuation preserved", "Hello, hello", map[string][]uint64{"Hello,": {0}, "hello": {1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Tokenize(tt.raw))
		})
	}
}

func TestNewTokenizesImmediately(t *testing.T) {
	assert := require.New(t)
	d := New(42, "to be or not to be")
	assert.True(d.HasID())
	assert.EqualValues(42, *d.ID)
	assert.Equal([]uint64{0, 4}, d.Locations["to"])
	assert.Equal([]uint64{1, 5}, d.Locations["be"])
	assert.Equal(6, d.TokenCount())
	assert.Equal([]string{"be", "not", "or", "to"}, d.Terms())
}

func TestFromStringDefersTokenization(t *testing.T) {
	assert := require.New(t)
	d := FromString("lazy text")
	assert.False(d.HasID())
	assert.Empty(d.Locations)

	d.Tokenize()
	assert.Equal([]uint64{0}, d.Locations["lazy"])

	d.SetID(7)
	assert.EqualValues(7, *d.ID)
}

func TestSetRawRecomputes(t *testing.T) {
	assert := require.New(t)
	d := New(1, "old words")
	d.SetRaw("new new")
	assert.Equal(map[string][]uint64{"new": {0, 1}}, d.Locations)
}

func BenchmarkTokenize(b *testing.B) {
	text := strings.Repeat("distributed search engines process queries across multiple shards ", 50)
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	for i := 0; i < b.N; i++ {
		_ = Tokenize(text)
	}
}
