// Package skills discovers skill documents under the workspace skills
// directory and renders the index injected into the system prompt.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Skill is one discovered skill document.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Always      bool   `json:"always"`
	Path        string `json:"path"`
}

// Loader scans workspace skills/<name>/SKILL.md files.
type Loader struct {
	dir string
}

// NewLoader creates a loader rooted at the workspace skills directory.
func NewLoader(workspaceRoot string) *Loader {
	return &Loader{dir: filepath.Join(workspaceRoot, "skills")}
}

// List returns all discovered skills sorted by name.
func (l *Loader) List() []Skill {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}

	var out []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, entry.Name(), "SKILL.md")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		s := parseFrontmatter(entry.Name(), string(data))
		s.Path = path
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (l *Loader) Get(name string) (Skill, bool) {
	for _, s := range l.List() {
		if s.Name == name {
			return s, true
		}
	}
	return Skill{}, false
}

// Load reads the full body of a skill document.
func (l *Loader) Load(name string) (string, error) {
	s, ok := l.Get(name)
	if !ok {
		return "", fmt.Errorf("skill not found: %s", name)
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Index renders the bulleted skill index for the system prompt. Flags mark
// always-on skills.
func (l *Loader) Index() string {
	all := l.List()
	if len(all) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range all {
		flags := ""
		if s.Always {
			flags = " [always]"
		}
		fmt.Fprintf(&b, "- %s%s: %s\n", s.Name, flags, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseFrontmatter extracts name, description, and always from a leading
// YAML-style block:
//
//	---
//	name: weather
//	description: "Query weather info"
//	always: true
//	---
func parseFrontmatter(dirName, content string) Skill {
	s := Skill{Name: dirName, Description: "(no description)"}

	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "---") {
		return s
	}
	end := strings.Index(content[3:], "---")
	if end < 0 {
		return s
	}

	for _, line := range strings.Split(content[3:3+end], "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "name:"):
			if v := strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "name:")), `"'`); v != "" {
				s.Name = v
			}
		case strings.HasPrefix(line, "description:"):
			if v := strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "description:")), `"'`); v != "" {
				s.Description = v
			}
		case strings.HasPrefix(line, "always:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, "always:"))
			s.Always = v == "true" || v == "yes"
		}
	}
	return s
}
