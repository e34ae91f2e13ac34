package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "0"},
		{"a", "2p"},
		{"ab", "2e9"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Checksum([]byte(tt.in)), tt.in)
	}
}

func TestChecksumDetectsSingleByteChange(t *testing.T) {
	payload := []byte(`{"documentStates":[],"version":"1.0.0"}`)
	base := Checksum(payload)

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		assert.NotEqual(t, base, Checksum(mutated), "byte %d", i)
	}
}

func TestChecksumWrapsToPositive(t *testing.T) {
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'z'
	}
	sum := Checksum(long)
	assert.NotEmpty(t, sum)
	assert.NotEqual(t, '-', rune(sum[0]))
}

func TestContentHashAndWordCount(t *testing.T) {
	assert.Len(t, ContentHash("hello"), 64)
	assert.NotEqual(t, ContentHash("hello"), ContentHash("hello "))
	assert.Equal(t, 0, WordCount("  \n\t"))
	assert.Equal(t, 4, WordCount("the quick\nbrown  fox"))
}
