package util

import "testing"

func TestSanitizeUsername(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"andrewbalitaan", "andrewbalitaan", true},
		{"some user", "some_user", true},
		{"../etc/passwd", "", false},
		{"-flaglike", "", false},
		{"", "", false},
		{"user__name", "user_name", true},
		{"_leading_trailing_", "leading_trailing", true},
	}

	for _, tt := range tests {
		got, ok := SanitizeUsername(tt.in)
		if ok != tt.ok {
			t.Fatalf("SanitizeUsername(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
		if ok && got != tt.want {
			t.Errorf("SanitizeUsername(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeUsernameTooLong(t *testing.T) {
	long := make([]byte, MaxRawUsernameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, ok := SanitizeUsername(string(long)); ok {
		t.Error("expected rejection of oversized username")
	}
}
