package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/basket/microclaw/internal/pathguard"
)

const (
	maxGlobMatches = 200
	maxGrepMatches = 200
	maxGrepFileLen = 1 << 20 // skip files over 1MB
)

// GlobTool lists files matching a glob pattern under the chat's
// working directory. `**` matches across directory separators.
type GlobTool struct {
	guard *pathguard.Guard
}

func NewGlobTool(guard *pathguard.Guard) *GlobTool {
	return &GlobTool{guard: guard}
}

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Risk() Risk   { return RiskLow }

func (t *GlobTool) Description() string {
	return "Find files matching a glob pattern (supports **) under the chat working directory or a given subdirectory. Returns up to 200 relative paths."
}

func (t *GlobTool) InputSchema() map[string]any {
	return objectSchema([]string{"pattern"}, map[string]any{
		"pattern": strProp("Glob pattern, e.g. **/*.go or docs/*.md."),
		"dir":     strProp("Directory to search from; defaults to the working directory."),
	})
}

func (t *GlobTool) Execute(ctx context.Context, call Call) Result {
	pattern := stringInput(call.Input, "pattern")
	if pattern == "" {
		return Errorf(ErrToolInternal, "empty pattern")
	}
	root, res := t.resolveRoot(call)
	if res != nil {
		return *res
	}

	re, err := globToRegexp(pattern)
	if err != nil {
		return Errorf(ErrToolInternal, "bad pattern %q: %v", pattern, err)
	}

	var matches []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if re.MatchString(filepath.ToSlash(rel)) {
			matches = append(matches, rel)
			if len(matches) >= maxGlobMatches {
				return fs.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		return Errorf(ErrToolInternal, "walk: %v", walkErr)
	}
	if len(matches) == 0 {
		return Text("no files matched " + pattern)
	}
	return Text(strings.Join(matches, "\n"))
}

func (t *GlobTool) resolveRoot(call Call) (string, *Result) {
	dir := stringInput(call.Input, "dir")
	if dir == "" {
		dir = "."
	}
	root, err := t.guard.Resolve(call.Chat.WorkDir, dir)
	if err != nil {
		res := pathGuardResult(dir, err)
		return "", &res
	}
	return root, nil
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	guard *pathguard.Guard
}

func NewGrepTool(guard *pathguard.Guard) *GrepTool {
	return &GrepTool{guard: guard}
}

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Risk() Risk   { return RiskLow }

func (t *GrepTool) Description() string {
	return "Search file contents with a regular expression under the chat working directory. Returns up to 200 matching lines as path:line:text."
}

func (t *GrepTool) InputSchema() map[string]any {
	return objectSchema([]string{"pattern"}, map[string]any{
		"pattern": strProp("Regular expression to search for."),
		"dir":     strProp("Directory to search from; defaults to the working directory."),
		"glob":    strProp("Optional glob filter on file paths, e.g. *.go."),
	})
}

func (t *GrepTool) Execute(ctx context.Context, call Call) Result {
	pattern := stringInput(call.Input, "pattern")
	if pattern == "" {
		return Errorf(ErrToolInternal, "empty pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Errorf(ErrToolInternal, "bad pattern %q: %v", pattern, err)
	}

	dir := stringInput(call.Input, "dir")
	if dir == "" {
		dir = "."
	}
	root, gerr := t.guard.Resolve(call.Chat.WorkDir, dir)
	if gerr != nil {
		return pathGuardResult(dir, gerr)
	}

	var fileFilter *regexp.Regexp
	if g := stringInput(call.Input, "glob"); g != "" {
		fileFilter, err = globToRegexp(g)
		if err != nil {
			return Errorf(ErrToolInternal, "bad glob %q: %v", g, err)
		}
	}

	var out []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if fileFilter != nil && !fileFilter.MatchString(filepath.ToSlash(rel)) {
			return nil
		}
		if info, infoErr := d.Info(); infoErr != nil || info.Size() > maxGrepFileLen {
			return nil
		}
		matches, scanErr := grepFile(path, rel, re, maxGrepMatches-len(out))
		if scanErr != nil {
			return nil
		}
		out = append(out, matches...)
		if len(out) >= maxGrepMatches {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		return Errorf(ErrToolInternal, "walk: %v", walkErr)
	}
	if len(out) == 0 {
		return Text("no matches for " + pattern)
	}
	return Text(strings.Join(out, "\n"))
}

func grepFile(path, rel string, re *regexp.Regexp, budget int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxGrepFileLen)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if bytes.IndexByte(line, 0) >= 0 {
			return out, nil // binary file
		}
		if re.Match(line) {
			out = append(out, fmt.Sprintf("%s:%d:%s", rel, lineNo, string(line)))
			if len(out) >= budget {
				return out, nil
			}
		}
	}
	return out, scanner.Err()
}

// globToRegexp compiles a glob pattern into an anchored regexp.
// `**` crosses directory separators, `*` and `?` do not.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				i++
				// Swallow a following slash so "**/x" also matches "x".
				if i+1 < len(glob) && glob[i+1] == '/' {
					i++
					b.WriteString(`(?:[^/]*/)*`)
				} else {
					b.WriteString(`.*`)
				}
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
