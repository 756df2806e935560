// Package pathguard implements the deny-based resolver consulted by every
// file-touching tool. Paths are resolved against a working directory,
// canonicalized (symlinks and ".." collapsed), and rejected when the result
// lies under a sensitive root.
package pathguard

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrBlocked is returned (wrapped) when a path resolves under a denied root.
var ErrBlocked = fmt.Errorf("path blocked by guard")

var denyRelHome = []string{
	".ssh",
	".aws",
	".gnupg",
	".kube",
	filepath.Join(".config", "gcloud"),
	".netrc",
	".npmrc",
}

var denyAbsolute = []string{
	"/etc/shadow",
	"/etc/sudoers",
}

type Guard struct {
	deniedRoots []string // canonical absolute prefixes
	allowRoots  []string // operator allowlist: exemptions from the deny list
}

// New builds a guard from the built-in deny list plus an optional operator
// allowlist file (one root per line, '#' comments).
func New(allowlistPath string) (*Guard, error) {
	g := &Guard{}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		for _, rel := range denyRelHome {
			g.deniedRoots = append(g.deniedRoots, canonical(filepath.Join(home, rel)))
		}
	}
	for _, abs := range denyAbsolute {
		g.deniedRoots = append(g.deniedRoots, canonical(abs))
	}

	if allowlistPath != "" {
		roots, err := readAllowlist(allowlistPath)
		if err != nil {
			return nil, err
		}
		g.allowRoots = roots
	}
	return g, nil
}

func readAllowlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open path allowlist: %w", err)
	}
	defer f.Close()

	var roots []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		roots = append(roots, canonical(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read path allowlist: %w", err)
	}
	return roots, nil
}

// Resolve joins raw against workingDir (absolute raw paths are taken as-is),
// canonicalizes the result, and checks it against the deny list. The returned
// path is safe to hand to the filesystem.
func (g *Guard) Resolve(workingDir, raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty path")
	}
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(workingDir, p)
	}
	resolved, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	resolved = canonical(resolved)

	// .env files are denied by basename wherever they live.
	base := filepath.Base(resolved)
	if base == ".env" || strings.HasPrefix(base, ".env.") {
		if !g.allowed(resolved) {
			return "", fmt.Errorf("%w: %s", ErrBlocked, raw)
		}
	}

	for _, root := range g.deniedRoots {
		if underRoot(resolved, root) && !g.allowed(resolved) {
			return "", fmt.Errorf("%w: %s", ErrBlocked, raw)
		}
	}
	return resolved, nil
}

func (g *Guard) allowed(resolved string) bool {
	for _, root := range g.allowRoots {
		if underRoot(resolved, root) {
			return true
		}
	}
	return false
}

// canonical resolves symlinks for the longest existing ancestor so a symlink
// into a denied root cannot evade the prefix check. Nonexistent tails are
// appended verbatim (write targets may not exist yet).
func canonical(path string) string {
	p := filepath.Clean(path)
	var tail []string
	for {
		if eval, err := filepath.EvalSymlinks(p); err == nil {
			if len(tail) == 0 {
				return eval
			}
			// Append in reverse accumulation order.
			parts := append([]string{eval}, reverse(tail)...)
			return filepath.Join(parts...)
		}
		parent := filepath.Dir(p)
		if parent == p {
			parts := append([]string{p}, reverse(tail)...)
			return filepath.Join(parts...)
		}
		tail = append(tail, filepath.Base(p))
		p = parent
	}
}

func reverse(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
