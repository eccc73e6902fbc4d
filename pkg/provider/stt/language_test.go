package stt_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

func TestLanguageCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"japanese", "ja"},
		{"Japanese", "ja"},
		{"german", "de"},
		{"chinese", "zh"},
		{"nynorsk", "nn"},
		{"haitian creole", "ht"},
		{"ja", "ja"},
		{"en-US", "en"},
		{"", ""},
		{"auto", ""},
		{"not a language at all", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := stt.LanguageCode(tt.in); got != tt.want {
				t.Errorf("LanguageCode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
