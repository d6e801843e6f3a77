package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatURL(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"http://x/", "/y", "http://x/y"},
		{"http://x", "y", "http://x/y"},
		{"http://x//", "//y/z", "http://x/y/z"},
		{"http://x", "https://other/run/1", "https://other/run/1"},
		{"", "HTTP://upper/run", "HTTP://upper/run"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatURL(tt.base, tt.path), "%s + %s", tt.base, tt.path)
	}
}

func TestFormatURLIsStable(t *testing.T) {
	once := FormatURL("http://x/", "/y")
	assert.Equal(t, once, FormatURL("http://x/", once))
	assert.Equal(t, once, FormatURL("http://x", "y"))
}

func TestTargetURL(t *testing.T) {
	assert.Equal(t, "http://flow:7860/api/v1/run/1", Target{BaseURL: "http://flow:7860/", Path: "api/v1/run/1"}.URL())
}

func TestWithStreamQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://x/run", "http://x/run?stream=true"},
		{"http://x/run?a=1", "http://x/run?a=1&stream=true"},
		{"http://x/run?", "http://x/run?stream=true"},
		{"http://x/run?a=1&", "http://x/run?a=1&stream=true"},
		{"http://x/run?stream=true", "http://x/run?stream=true"},
		{"http://x/run?a=1&stream=true", "http://x/run?a=1&stream=true"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WithStreamQuery(tt.in), tt.in)
	}
}
