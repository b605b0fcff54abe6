package keypath

import (
	"testing"

	"chunkdrop/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Examples(t *testing.T) {
	tests := []struct {
		prefix string
		base   string
		want   types.ObjectKey
	}{
		{"", "f.txt", "f.txt"},
		{"/", "f.txt", "f.txt"},
		{"///", "f.txt", "f.txt"},
		{"/a//b/", "f.txt", "/a/b/f.txt"},
		{"a/b", "f.txt", "/a/b/f.txt"},
		{"a", "f.txt", "/a/f.txt"},
		{"/x/", "y.bin", "/x/y.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"|"+tt.base, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.prefix, tt.base))
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "/", NormalizePrefix(""))
	assert.Equal(t, "/a/b", NormalizePrefix("//a///b//"))
	assert.Equal(t, "/a/b", NormalizePrefix("/a/b"))
}

func TestNormalize_Idempotent(t *testing.T) {
	prefixes := []string{"", "/", "a", "/a//b/", "a/b/c", "//x//", "with space/dir"}
	bases := []string{"f.txt", "model.bin", ".hidden"}

	for _, p := range prefixes {
		for _, b := range bases {
			once := Normalize(p, b)
			twice := Normalize(NormalizePrefix(p), b)
			assert.Equal(t, once, twice, "prefix=%q base=%q", p, b)

			// 已规范化的 key 再经过 Canonical 不变
			canon, err := Canonical(string(once))
			require.NoError(t, err)
			assert.Equal(t, once, canon)
		}
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		input   string
		want    types.ObjectKey
		wantErr bool
	}{
		{input: "f.txt", want: "f.txt"},
		{input: "/f.txt", want: "f.txt"},
		{input: "a//b/f.txt", want: "/a/b/f.txt"},
		{input: "/x/y.bin", want: "/x/y.bin"},
		{input: "", wantErr: true},
		{input: "///", wantErr: true},
		{input: "/a/../etc/passwd", wantErr: true},
		{input: "./f.txt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Canonical(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplit(t *testing.T) {
	p, b := Split("/a/b/f.txt")
	assert.Equal(t, "/a/b", p)
	assert.Equal(t, "f.txt", b)
	assert.Equal(t, types.ObjectKey("/a/b/f.txt"), Normalize(p, b))

	p, b = Split("f.txt")
	assert.Equal(t, "/", p)
	assert.Equal(t, "f.txt", b)
}

func TestHasPrefix(t *testing.T) {
	assert.True(t, HasPrefix("/a/b/f.txt", "a"))
	assert.True(t, HasPrefix("/a/b/f.txt", "/a/b/"))
	assert.False(t, HasPrefix("/ab/f.txt", "a"))
	assert.True(t, HasPrefix("f.txt", ""))
	assert.False(t, HasPrefix("f.txt", "a"))
}
