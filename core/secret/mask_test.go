package secret

import (
	"net/http"
	"testing"
)

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "***"},
		{"abcdef", "a****f"},
		{"Bearer 0123456789abcdefghij", "Bea***********************j"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Fatalf("Mask(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskHeader(t *testing.T) {
	h := http.Header{}
	h.Add("Authorization", "first")
	h.Add("Authorization", "Bearer secret-token")
	got := MaskHeader(h)
	if got["authorization"] != "B*****************n" {
		t.Fatalf("unexpected masked header: %#v", got)
	}
}
