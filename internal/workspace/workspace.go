// Package workspace confines every tool filesystem operation to a single
// directory root, including through symlinks that do not exist yet.
package workspace

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ErrOutsideWorkspace is wrapped into every sandbox rejection.
var ErrOutsideWorkspace = fmt.Errorf("outside workspace")

// Workspace is the sandbox root for tool file access.
type Workspace struct {
	root string // canonical
}

// Well-known workspace files.
const (
	IdentityFile   = "IDENTITY.md"
	UserFile       = "USER.md"
	ToolPolicyFile = "TOOLS.md"
	MemoryDir      = "memory"
	SkillsDir      = "skills"
	GlobalMemory   = "memory/GLOBAL.md"
)

// Open canonicalizes the root and creates it if needed.
func Open(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	abs, err := filepath.Abs(canonical)
	if err != nil {
		return nil, err
	}
	return &Workspace{root: abs}, nil
}

// Root returns the canonical workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a tool-supplied path to an absolute path inside the
// workspace. The nearest existing ancestor is canonicalized first, so a
// symlink pointing outside the root cannot smuggle a not-yet-existing leaf
// past the check.
func (w *Workspace) Resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty path: %w", ErrOutsideWorkspace)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)

	// Walk up to the nearest existing ancestor and canonicalize it.
	existing := p
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}

	canonical, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, ErrOutsideWorkspace)
	}
	resolved := filepath.Join(append([]string{canonical}, tail...)...)

	if resolved != w.root && !strings.HasPrefix(resolved, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideWorkspace)
	}
	return resolved, nil
}

// ReadFile reads a workspace-relative file.
func (w *Workspace) ReadFile(p string) ([]byte, error) {
	resolved, err := w.Resolve(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// WriteFile writes a workspace-relative file, creating parent directories.
func (w *Workspace) WriteFile(p string, data []byte, append bool) error {
	resolved, err := w.Resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return err
	}
	if append {
		f, err := os.OpenFile(resolved, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(data)
		return err
	}
	return os.WriteFile(resolved, data, 0644)
}

// ReadOptional returns the trimmed file content, or "" when absent.
func (w *Workspace) ReadOptional(p string) string {
	data, err := w.ReadFile(p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ChatMemoryPath derives the per-chat memory file. A legacy unsanitized
// filename is honored when it already exists.
func (w *Workspace) ChatMemoryPath(channel, chatID string) string {
	legacy := filepath.Join(MemoryDir, channel+"_"+chatID+".md")
	if resolved, err := w.Resolve(legacy); err == nil {
		if _, statErr := os.Stat(resolved); statErr == nil {
			return legacy
		}
	}
	return filepath.Join(MemoryDir, channel+"_"+SanitizeChatID(chatID)+".md")
}

// SanitizeChatID makes an arbitrary chat id safe as a filename fragment:
// percent-encode, replace % with _, strip separators and controls, cap at
// 120 characters.
func SanitizeChatID(chatID string) string {
	encoded := url.PathEscape(chatID)
	encoded = strings.ReplaceAll(encoded, "%", "_")

	var b strings.Builder
	for _, r := range encoded {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}
