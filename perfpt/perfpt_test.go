//go:build linux

package perfpt

import "testing"

func TestParsePTType(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    uint32
		wantErr bool
	}{
		{"plain", "8", 8, false},
		{"trailing newline", "8\n", 8, false},
		{"surrounding whitespace", "  12 \n", 12, false},
		{"empty", "", 0, true},
		{"not a number", "intel_pt\n", 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := parsePTType([]byte(c.in))
			if c.wantErr {
				if err == nil {
					t.Fatalf("parsePTType(%q) error = nil, want error", c.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePTType(%q) error = %v", c.in, err)
			}
			if got != c.want {
				t.Fatalf("parsePTType(%q) = %d, want %d", c.in, got, c.want)
			}
		})
	}
}
