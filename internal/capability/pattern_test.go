package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchOperation(t *testing.T) {
	tests := []struct {
		pattern string
		op      string
		want    bool
	}{
		{"*", "tab.read", true},
		{"**", "tab.read", true},
		{"tab.read", "tab.read", true},
		{"tab.read", "tab.navigate", false},
		{"tab.*", "tab.navigate", true},
		{"tab.*", "form.fill", false},
		{"tab.*", "tab.extract.links", false},
		{"tab.**", "tab.extract.links", true},
		{"*.read", "tab.read", true},
		{"*.read", "tab.navigate", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.op, func(t *testing.T) {
			assert.Equal(t, tt.want, matchOperation(tt.pattern, tt.op))
		})
	}
}

func TestMatchResource(t *testing.T) {
	tests := []struct {
		pattern  string
		resource string
		want     bool
	}{
		{"*", "tab:42", true},
		{"tab:*", "tab:42", true},
		{"tab:*", "form:8", false},
		{"tab:42", "tab:42", true},
		{"tab:42", "tab:43", false},
		{"form:*", "form:8", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.resource, func(t *testing.T) {
			assert.Equal(t, tt.want, matchResource(tt.pattern, tt.resource))
		})
	}
}

func TestMatchURL(t *testing.T) {
	assert.True(t, matchURL("", "https://anything.test"))
	assert.True(t, matchURL("https://example.test/**", "https://example.test/login"))
	assert.False(t, matchURL("https://example.test/**", "https://evil.test/login"))
}
