package dates

import "testing"

func TestParseKnownFormats(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"9/2/24", "2024-09-02"},
		{"11/21/23", "2023-11-21"},
		{"9/2/2024", "2024-09-02"},
		{"9-2-24", "2024-09-02"},
		{"11-21-2023", "2023-11-21"},
		{"September 2, 2024", "2024-09-02"},
		{"Sep 2, 2024", "2024-09-02"},
		{"2024-09-02", "2024-09-02"},
		{"  9/2/24  ", "2024-09-02"},
	}
	for _, c := range cases {
		got, ok := Parse(c.in)
		if !ok {
			t.Errorf("Parse(%q): not recognized", c.in)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseUnrecognized(t *testing.T) {
	for _, in := range []string{"", "   ", "yesterday", "2024/09/02 15:04", "32/13/24"} {
		if got, ok := Parse(in); ok {
			t.Errorf("Parse(%q) = %q, want not recognized", in, got)
		}
	}
}
