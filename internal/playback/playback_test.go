package playback

import (
	"testing"
	"time"
)

func TestTokenValid(t *testing.T) {
	now := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		tok  Token
		want bool
	}{
		{"empty", Token{}, false},
		{"no expiry", Token{Value: "x"}, true},
		{"fresh", Token{Value: "x", Expiry: now.Add(time.Hour)}, true},
		{"inside margin", Token{Value: "x", Expiry: now.Add(30 * time.Second)}, false},
		{"expired", Token{Value: "x", Expiry: now.Add(-time.Second)}, false},
	}
	for _, tc := range cases {
		if got := tc.tok.Valid(now, time.Minute); got != tc.want {
			t.Errorf("%s: Valid = %v, want %v", tc.name, got, tc.want)
		}
	}
}
