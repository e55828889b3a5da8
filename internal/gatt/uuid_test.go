package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"short form", "2902", "2902"},
		{"short form uppercase", "2A00", "2a00"},
		{"hex prefix", "0x2902", "2902"},
		{"32-bit form", "6e400001", "6e400001"},
		{"full vendor uuid", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"sig base collapses to short form", "00002902-0000-1000-8000-00805F9B34FB", "2902"},
		{"whitespace trimmed", "  2902  ", "2902"},
		{"empty", "", ""},
		{"non-hex characters", "29zz", ""},
		{"odd length", "290", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	got := NormalizeUUIDs([]string{"0x2902", "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"})
	assert.Equal(t, []string{"2902", "6e400002b5a3f393e0a9e50e24dcca9e"}, got)
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "2902", ShortenUUID("2902"))
	assert.Equal(t, "6e400001", ShortenUUID("6e400001b5a3f393e0a9e50e24dcca9e"))
}

func TestValidateUUID(t *testing.T) {
	got, err := ValidateUUID("0x2902", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	require.NoError(t, err)
	assert.Equal(t, []string{"2902", "6e400001b5a3f393e0a9e50e24dcca9e"}, got)

	_, err = ValidateUUID()
	assert.Error(t, err)

	_, err = ValidateUUID("")
	assert.Error(t, err)

	_, err = ValidateUUID("not-a-uuid")
	assert.Error(t, err)
}
