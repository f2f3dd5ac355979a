package language

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"en", "en"},
		{"EN", "en"},
		{" es ", "es"},
		{"spa", "es"},
		{"es-MX", "es"},
		{"pt_BR", "pt"},
		{"Spanish", "es"},
		{"Haitian Creole", "ht"},
		{"farsi", "fa"},
		{"klingon", ""},
		{"und", ""},
		{"und-419", ""},
		{"und-Cyrl", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.expected {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSame(t *testing.T) {
	if !Same("es-MX", "Spanish") {
		t.Fatal("expected es-MX and Spanish to match")
	}
	if Same("en", "es") || Same("", "") {
		t.Fatal("unexpected match")
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"es", "Spanish"},
		{"fra", "French"},
		{"", "Unknown"},
		{"klingon", "KLINGON"},
	}
	for _, tt := range tests {
		if got := DisplayName(tt.input); got != tt.expected {
			t.Fatalf("DisplayName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestNormalizeList(t *testing.T) {
	got := NormalizeList([]string{"English", "en", "spa", "klingon", "es-MX", ""})
	want := []string{"en", "es"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeList = %v, want %v", got, want)
	}
	if NormalizeList(nil) != nil {
		t.Fatal("expected nil for empty input")
	}
}
