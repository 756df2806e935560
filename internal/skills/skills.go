// Package skills loads operator-provided SKILL.md skill definitions.
// Skills are directories containing a SKILL.md with YAML frontmatter
// (name, description, optional requirements) and a markdown body of
// instructions. Only name and description are surfaced in the system
// prompt; the body is disclosed on demand through the use_skill tool.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const maxSkillMDSize = 1 << 20

// Skill is one parsed SKILL.md.
type Skill struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Bins         []string `yaml:"bins,omitempty"`
	Env          []string `yaml:"env,omitempty"`
	Instructions string   `yaml:"-"`
	SourceDir    string   `yaml:"-"`
	Eligible     bool     `yaml:"-"`
	Missing      []string `yaml:"-"`
}

// CanonicalKey normalizes a skill name for collision detection.
func CanonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ParseSkillMD parses a SKILL.md: YAML frontmatter between --- lines,
// then the markdown instructions body.
func ParseSkillMD(data []byte) (Skill, error) {
	yamlBytes, body, err := extractFrontmatter(data)
	if err != nil {
		return Skill{}, err
	}
	var s Skill
	if err := yaml.Unmarshal(yamlBytes, &s); err != nil {
		return Skill{}, fmt.Errorf("parse frontmatter yaml: %w", err)
	}
	s.Name = strings.TrimSpace(s.Name)
	s.Description = strings.TrimSpace(s.Description)
	s.Instructions = strings.TrimSpace(body)
	if s.Name == "" {
		return Skill{}, fmt.Errorf("missing skill name")
	}
	if s.Instructions == "" {
		return Skill{}, fmt.Errorf("skill %s has no instructions body", s.Name)
	}
	return s, nil
}

func extractFrontmatter(data []byte) (yamlBytes []byte, body string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxSkillMDSize)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "---" {
		return nil, "", fmt.Errorf("missing frontmatter")
	}
	var yamlLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			closed = true
			break
		}
		yamlLines = append(yamlLines, line)
	}
	if !closed {
		return nil, "", fmt.Errorf("unterminated frontmatter")
	}
	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}
	return []byte(strings.Join(yamlLines, "\n")), strings.Join(bodyLines, "\n"), nil
}

// checkEligibility verifies required binaries and environment
// variables. Ineligible skills are listed but refuse to load.
func checkEligibility(s *Skill) {
	s.Eligible = true
	for _, b := range s.Bins {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if _, err := exec.LookPath(b); err != nil {
			s.Eligible = false
			s.Missing = append(s.Missing, "missing bin: "+b)
		}
	}
	for _, k := range s.Env {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if os.Getenv(k) == "" {
			s.Eligible = false
			s.Missing = append(s.Missing, "missing env: "+k)
		}
	}
}

// Service holds the loaded skill set. Reload is safe to call
// concurrently with reads.
type Service struct {
	dirs []string

	mu     sync.RWMutex
	skills map[string]Skill // canonical key -> skill
	order  []string
}

// NewService scans the given directories in priority order; on a name
// collision the earlier directory wins.
func NewService(dirs ...string) *Service {
	var cp []string
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			cp = append(cp, d)
		}
	}
	return &Service{dirs: cp, skills: map[string]Skill{}}
}

// Reload rescans the skill directories. Broken skills are skipped and
// reported; the returned error joins all per-skill failures.
func (s *Service) Reload() error {
	loaded := map[string]Skill{}
	var order []string
	var errs []string

	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Sprintf("read skills dir %s: %v", dir, err))
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			skillDir := filepath.Join(dir, ent.Name())
			skill, err := loadOne(skillDir)
			if err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, fmt.Sprintf("load skill %s: %v", ent.Name(), err))
				}
				continue
			}
			key := CanonicalKey(skill.Name)
			if _, exists := loaded[key]; exists {
				continue // earlier dir wins
			}
			loaded[key] = skill
			order = append(order, key)
		}
	}

	s.mu.Lock()
	s.skills = loaded
	s.order = order
	s.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("skill load: %s", strings.Join(errs, "; "))
	}
	return nil
}

func loadOne(dir string) (Skill, error) {
	path := filepath.Join(dir, "SKILL.md")
	fi, err := os.Stat(path)
	if err != nil {
		return Skill{}, err
	}
	if fi.Size() > maxSkillMDSize {
		return Skill{}, fmt.Errorf("SKILL.md too large: %d bytes", fi.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}
	skill, err := ParseSkillMD(data)
	if err != nil {
		return Skill{}, err
	}
	skill.SourceDir = dir
	checkEligibility(&skill)
	return skill, nil
}

// All returns every loaded skill in load order.
func (s *Service) All() []Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Skill, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.skills[key])
	}
	return out
}

// Get returns a skill by name (case-insensitive).
func (s *Service) Get(name string) (Skill, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	skill, ok := s.skills[CanonicalKey(name)]
	return skill, ok
}

// Instructions returns the full instructions body for an eligible
// skill, prefixed with the skill's source directory so relative
// references in the body can be resolved.
func (s *Service) Instructions(name string) (string, error) {
	skill, ok := s.Get(name)
	if !ok {
		return "", fmt.Errorf("skill %q not found", name)
	}
	if !skill.Eligible {
		return "", fmt.Errorf("skill %q unavailable: %s", name, strings.Join(skill.Missing, ", "))
	}
	return fmt.Sprintf("Skill: %s (files in %s)\n\n%s", skill.Name, skill.SourceDir, skill.Instructions), nil
}
