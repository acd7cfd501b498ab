package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

const ignoreFileName = ".dpmignore"

// defaultIgnorePatterns keep the config, the ignore file and temp files left
// by atomic writes out of every package.
var defaultIgnorePatterns = []string{"/" + ignoreFileName, "/DPM.toml", ".git/", ".tmp-*"}

// rule is one line of an ignore list.
type rule struct {
	glob     string
	anchored bool // glob is matched against the whole package path
	dir      bool // glob names a directory; everything below it matches too
	negate   bool // a match re-includes the path
}

// IgnoreMatcher decides which package paths stay out of the document set.
// The syntax is a small gitignore subset:
//
//	*.swp          basename glob, any depth
//	assets/*.psd   glob containing '/': matched against the whole path
//	/notes.md      leading '/': anchored at the package root
//	drafts/        trailing '/': the directory and everything below it
//	!keep.swp      re-include a path an earlier rule ignored
//
// Later rules win over earlier ones.
type IgnoreMatcher struct {
	rules []rule
}

// NewIgnoreMatcher parses raw lines. Blank lines and '#' comments are skipped.
func NewIgnoreMatcher(lines []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var r rule
		if rest, ok := strings.CutPrefix(line, "!"); ok {
			r.negate, line = true, rest
		}
		if rest, ok := strings.CutSuffix(line, "/"); ok {
			r.dir, line = true, rest
		}
		if rest, ok := strings.CutPrefix(line, "/"); ok {
			r.anchored, line = true, rest
		} else {
			r.anchored = strings.Contains(line, "/")
		}
		if line == "" {
			continue
		}
		r.glob = line
		m.rules = append(m.rules, r)
	}
	return m
}

// Match reports whether the slash-separated package path p is ignored.
func (m *IgnoreMatcher) Match(p string) bool {
	if p == "" {
		return false
	}
	ignored := false
	for _, r := range m.rules {
		if r.matches(p) {
			ignored = !r.negate
		}
	}
	return ignored
}

func (r rule) matches(p string) bool {
	if !r.dir {
		return r.matchOne(p)
	}
	// a directory rule matches the directory itself or any ancestor of p
	for dir := p; dir != "." && dir != "/"; dir = path.Dir(dir) {
		if r.matchOne(dir) {
			return true
		}
	}
	return false
}

func (r rule) matchOne(p string) bool {
	target := path.Base(p)
	if r.anchored {
		target = p
	}
	ok, err := path.Match(r.glob, target)
	return err == nil && ok
}

// ParseIgnoreFile reads the lines of an ignore file. A missing file has no
// lines and is not an error.
func ParseIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
