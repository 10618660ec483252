package logging

import "testing"

func TestNewLogger(t *testing.T) {
	cases := []struct {
		level    string
		encoding string
		wantErr  bool
	}{
		{"debug", "json", false},
		{"INFO", "console", false},
		{"warn", "", false},
		{"nope", "json", true},
		{"info", "yaml", true},
	}

	for _, tc := range cases {
		log, err := NewLogger(tc.level, tc.encoding)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("level %q encoding %q: expected error", tc.level, tc.encoding)
			}
			continue
		}
		if err != nil {
			t.Fatalf("level %q encoding %q: %v", tc.level, tc.encoding, err)
		}
		if log == nil {
			t.Fatalf("level %q: nil logger", tc.level)
		}
	}
}
