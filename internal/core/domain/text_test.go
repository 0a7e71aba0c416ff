package domain

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestClipHead(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"approved", 20, "approved"},
		{"approved", 3, "app"},
		{"approved", 0, ""},
		{"crédito", 3, "cr"},  // é is two bytes at offset 2
		{"crédito", 4, "cré"}, // cut lands right after é
		{"日本語", 4, "日"},
		{"日本語", 2, ""},
	}
	for _, tt := range tests {
		got := ClipHead(tt.in, tt.n)
		assert.Equal(t, tt.want, got, "ClipHead(%q, %d)", tt.in, tt.n)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestClipTail(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"approved", 20, "approved"},
		{"approved", 3, "ved"},
		{"approved", -1, ""},
		{"análise", 5, "lise"}, // the cut would start inside á
		{"日本語", 4, "語"},
		{"日本語", 6, "本語"},
	}
	for _, tt := range tests {
		got := ClipTail(tt.in, tt.n)
		assert.Equal(t, tt.want, got, "ClipTail(%q, %d)", tt.in, tt.n)
		assert.True(t, utf8.ValidString(got))
	}
}
