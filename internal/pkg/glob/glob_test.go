package glob

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"incident:7", "incident:7", true},
		{"incident:7", "incident:8", false},
		{"incident:*", "incident:7", true},
		{"incident:*", "incident:", true},
		{"incident:*", "incident:a/b", true},
		{"incident:*", "incidents:7", false},
		{"gov:*", "gov:IN/MH", true},
		{"broadcast:*", "broadcast:incidents/zone-1", true},
		{"user:*", "user:alice/inbox", true},
		{"*", "", true},
		{"*", "anything:at/all", true},
		{"zone:?", "zone:3", true},
		{"zone:?", "zone:12", false},
		{"zone:?", "zone:é", true},
		{"*:vip-*", "incident:vip-9", true},
		{"*:vip-*", "incident:9", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"a*b", "abab", true},
		{"**", "x/y", true},
		{"", "", true},
		{"", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.s, func(t *testing.T) {
			if got := Match(tt.pattern, tt.s); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.s, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, p := range []string{"incident:*", "*", "zone:?", "user:a/b"} {
		if err := Validate(p); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", p, err)
		}
	}
	for _, p := range []string{"", "[", "zone:[0-9]", `incident:\*`} {
		if err := Validate(p); err == nil {
			t.Errorf("Validate(%q) = nil, want error", p)
		}
	}
}
