// Package hooks runs operator-provided executables around engine events.
// A hook lives in its own directory under the hooks dir with a HOOK.md
// declaring which events it handles and the command to run.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	BeforeLLMCall  = "BeforeLLMCall"
	BeforeToolCall = "BeforeToolCall"
	AfterToolCall  = "AfterToolCall"
)

const (
	DefaultTimeoutMS = 1500
	maxHookMDSize    = 1 << 20
)

// Hook is one discovered hook with its declaration.
type Hook struct {
	Name      string   `yaml:"-"`
	Dir       string   `yaml:"-"`
	Events    []string `yaml:"events"`
	Command   string   `yaml:"command"`
	TimeoutMS int      `yaml:"timeout_ms"`
	Priority  int      `yaml:"priority"`

	// Instructions is the markdown body, shown in diagnostics only.
	Instructions string `yaml:"-"`
}

// Handles reports whether the hook subscribed to event.
func (h Hook) Handles(event string) bool {
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}

// ParseHookMD parses the YAML frontmatter block of a HOOK.md file.
func ParseHookMD(data []byte) (Hook, error) {
	yamlBytes, body, err := extractFrontmatter(data)
	if err != nil {
		return Hook{}, err
	}
	if len(yamlBytes) == 0 {
		return Hook{}, fmt.Errorf("missing frontmatter")
	}
	var h Hook
	if err := yaml.Unmarshal(yamlBytes, &h); err != nil {
		return Hook{}, fmt.Errorf("parse frontmatter yaml: %w", err)
	}
	h.Command = strings.TrimSpace(h.Command)
	h.Instructions = strings.TrimSpace(body)
	if h.Command == "" {
		return Hook{}, fmt.Errorf("missing command")
	}
	if len(h.Events) == 0 {
		return Hook{}, fmt.Errorf("missing events")
	}
	for _, e := range h.Events {
		switch e {
		case BeforeLLMCall, BeforeToolCall, AfterToolCall:
		default:
			return Hook{}, fmt.Errorf("unknown event %q", e)
		}
	}
	if h.TimeoutMS <= 0 {
		h.TimeoutMS = DefaultTimeoutMS
	}
	return h, nil
}

// Discover scans dir for <name>/HOOK.md declarations. Malformed hooks are
// skipped and reported in the second return. Result is ordered by
// priority, then name for a stable tie-break.
func Discover(dir string) ([]Hook, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read hooks dir: %w", err)}
	}

	var hooks []Hook
	var errs []error
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		mdPath := filepath.Join(dir, ent.Name(), "HOOK.md")
		info, err := os.Stat(mdPath)
		if err != nil {
			continue
		}
		if info.Size() > maxHookMDSize {
			errs = append(errs, fmt.Errorf("hook %s: HOOK.md too large", ent.Name()))
			continue
		}
		data, err := os.ReadFile(mdPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", ent.Name(), err))
			continue
		}
		h, err := ParseHookMD(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", ent.Name(), err))
			continue
		}
		h.Name = ent.Name()
		h.Dir = filepath.Join(dir, ent.Name())
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority < hooks[j].Priority
		}
		return hooks[i].Name < hooks[j].Name
	})
	return hooks, errs
}

func extractFrontmatter(data []byte) ([]byte, string, error) {
	s := string(data)
	if s == "" {
		return nil, "", nil
	}
	firstLineEnd := strings.IndexByte(s, '\n')
	firstLine := s
	restStart := len(s)
	if firstLineEnd >= 0 {
		firstLine = s[:firstLineEnd]
		restStart = firstLineEnd + 1
	}
	if strings.TrimSpace(strings.TrimSuffix(firstLine, "\r")) != "---" {
		return nil, "", nil
	}

	i := restStart
	for i <= len(s) {
		nextNL := strings.IndexByte(s[i:], '\n')
		line := ""
		next := len(s)
		if nextNL >= 0 {
			line = s[i : i+nextNL]
			next = i + nextNL + 1
		} else {
			line = s[i:]
		}
		if strings.TrimSpace(strings.TrimSuffix(line, "\r")) == "---" {
			return []byte(s[restStart:i]), s[next:], nil
		}
		if next == len(s) {
			break
		}
		i = next
	}
	return nil, "", fmt.Errorf("unclosed frontmatter: opening --- found but no closing ---")
}
