// Package ftd reads and writes the section format used by the package's
// manifest and track records:
//
//	-- import: dpm
//
//	-- dpm.snapshot: a.md
//	timestamp: 1638706756293421000
//
// A section starts with a "-- kind: caption" line and is followed by
// "key: value" header lines. Blank lines separate sections.
package ftd

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Field is one "key: value" header of a section.
type Field struct {
	Key   string
	Value string
}

// Section is one "-- kind: caption" block with its headers in file order.
type Section struct {
	Kind    string
	Caption string
	Fields  []Field
}

// Get returns the first value for key.
func (s *Section) Get(key string) (string, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Set appends a header. Empty values are skipped.
func (s *Section) Set(key, value string) {
	if value == "" {
		return
	}
	s.Fields = append(s.Fields, Field{Key: key, Value: value})
}

// ParseError reports a malformed line.
type ParseError struct {
	Line int
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// Parse splits data into sections.
func Parse(data []byte) ([]Section, error) {
	var (
		sections []Section
		current  *Section
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "-- "); ok {
			kind, caption, found := strings.Cut(rest, ":")
			kind = strings.TrimSpace(kind)
			if !found || kind == "" {
				return nil, &ParseError{Line: lineNo, Text: line, Msg: "section header needs a kind"}
			}
			sections = append(sections, Section{Kind: kind, Caption: strings.TrimSpace(caption)})
			current = &sections[len(sections)-1]
			continue
		}

		if current == nil {
			return nil, &ParseError{Line: lineNo, Text: line, Msg: "header outside of a section"}
		}
		key, value, found := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, &ParseError{Line: lineNo, Text: line, Msg: "expected key: value"}
		}
		current.Fields = append(current.Fields, Field{Key: key, Value: strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}
	return sections, nil
}

// Encode writes sections back in the same format, one blank line between them.
func Encode(sections []Section) []byte {
	var b bytes.Buffer
	for i, s := range sections {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "-- %s: %s\n", s.Kind, s.Caption)
		for _, f := range s.Fields {
			fmt.Fprintf(&b, "%s: %s\n", f.Key, f.Value)
		}
	}
	return b.Bytes()
}

// Import is the leading section every record file starts with.
func Import(name string) Section {
	return Section{Kind: "import", Caption: name}
}
