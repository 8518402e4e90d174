package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	skillDir := filepath.Join(root, "skills", dir)
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestListParsesFrontmatter(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "weather", "---\nname: weather\ndescription: \"Query weather info\"\n---\nUse the weather API.")
	writeSkill(t, root, "notes", "---\nname: notes\ndescription: Take notes\nalways: true\n---\nBody.")

	l := NewLoader(root)
	all := l.List()
	if len(all) != 2 {
		t.Fatalf("skills = %d, want 2", len(all))
	}
	if all[0].Name != "notes" || !all[0].Always {
		t.Fatalf("first skill = %+v, want always-on notes", all[0])
	}
	if all[1].Name != "weather" || all[1].Description != "Query weather info" {
		t.Fatalf("second skill = %+v", all[1])
	}
}

func TestListSkipsMissingSkillFile(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "skills", "empty"), 0755); err != nil {
		t.Fatal(err)
	}
	writeSkill(t, root, "real", "---\nname: real\ndescription: works\n---\n")

	all := NewLoader(root).List()
	if len(all) != 1 || all[0].Name != "real" {
		t.Fatalf("skills = %+v, want only real", all)
	}
}

func TestFrontmatterFallbacks(t *testing.T) {
	s := parseFrontmatter("mydir", "no frontmatter at all")
	if s.Name != "mydir" || s.Description != "(no description)" || s.Always {
		t.Fatalf("skill = %+v", s)
	}
}

func TestIndexFormat(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "notes", "---\nname: notes\ndescription: Take notes\nalways: true\n---\n")
	writeSkill(t, root, "weather", "---\nname: weather\ndescription: Query weather\n---\n")

	idx := NewLoader(root).Index()
	want := "- notes [always]: Take notes\n- weather: Query weather"
	if idx != want {
		t.Fatalf("index = %q, want %q", idx, want)
	}
}

func TestLoadReturnsBody(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "weather", "---\nname: weather\ndescription: d\n---\nCall the API.")

	body, err := NewLoader(root).Load("weather")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "Call the API.") {
		t.Fatalf("body = %q", body)
	}

	if _, err := NewLoader(root).Load("missing"); err == nil {
		t.Fatal("expected error for missing skill")
	}
}

func TestIndexEmptyWhenNoSkills(t *testing.T) {
	if idx := NewLoader(t.TempDir()).Index(); idx != "" {
		t.Fatalf("index = %q, want empty", idx)
	}
}
