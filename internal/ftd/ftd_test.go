package ftd

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	input := `-- import: dpm

-- dpm.snapshot: a.md
timestamp: 100

-- dpm.snapshot: docs/b c.md
timestamp: 200
`
	sections, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(sections) != 3 {
		t.Fatalf("Parse() returned %d sections, want 3", len(sections))
	}
	if sections[0].Kind != "import" || sections[0].Caption != "dpm" {
		t.Errorf("sections[0] = %+v, want import: dpm", sections[0])
	}
	if sections[2].Caption != "docs/b c.md" {
		t.Errorf("sections[2].Caption = %q, want %q", sections[2].Caption, "docs/b c.md")
	}
	v, ok := sections[2].Get("timestamp")
	if !ok || v != "200" {
		t.Errorf("Get(timestamp) = %q, %v; want 200, true", v, ok)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  int
	}{
		{"field before section", "timestamp: 1\n", 1},
		{"header without kind", "-- : a.md\n", 1},
		{"field without colon", "-- dpm.snapshot: a.md\ntimestamp\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("Parse() error = %v, want *ParseError", err)
			}
			if perr.Line != tt.line {
				t.Errorf("ParseError.Line = %d, want %d", perr.Line, tt.line)
			}
		})
	}
}

func TestEncode_ParsesBack(t *testing.T) {
	s := Section{Kind: "dpm.track", Caption: "a.md"}
	s.Set("self-timestamp", "5")
	s.Set("package", "")
	s.Set("last-merged-version", "3")

	data := Encode([]Section{Import("dpm"), s})
	want := "-- import: dpm\n\n-- dpm.track: a.md\nself-timestamp: 5\nlast-merged-version: 3\n"
	if string(data) != want {
		t.Errorf("Encode() = %q, want %q", data, want)
	}

	sections, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, ok := sections[1].Get("package"); ok {
		t.Error("empty value should not be written")
	}
}
