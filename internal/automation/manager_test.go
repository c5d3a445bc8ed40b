//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Evening Close", Description: "close at dusk", Enabled: true},
		LuaCode: `blinds.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "evening_close" {
		t.Errorf("id = %q, want evening_close", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Evening Close" {
		t.Errorf("name = %q, want Evening Close", got.Meta.Name)
	}
	if got.Meta.Description != "close at dusk" {
		t.Errorf("description = %q, want close at dusk", got.Meta.Description)
	}
	if !got.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if strings.TrimSpace(got.LuaCode) != `blinds.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{ID: "morning", Meta: ScriptMeta{Name: "Morning"}, LuaCode: `blinds.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	saved.LuaCode = `blinds.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("morning")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `"v2"`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if got := strings.Join(ids, ","); got != "alpha,beta,gamma" {
		t.Errorf("ids = %s, want alpha,beta,gamma", got)
	}
}

func TestManagerListSkipsBrokenHeader(t *testing.T) {
	m := newTestManager(t)
	if err := os.WriteFile(filepath.Join(m.Dir(), "broken.lua"), []byte("-- {not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Save(&Script{Meta: ScriptMeta{Name: "ok"}}); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 || scripts[0].ID != "ok" {
		t.Errorf("scripts = %+v, want only ok", scripts)
	}
}

func TestManagerBareLuaFile(t *testing.T) {
	m := newTestManager(t)
	code := "blinds.log(\"bare\")\n"
	if err := os.WriteFile(filepath.Join(m.Dir(), "bare.lua"), []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := m.Get("bare")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "bare" || !s.Meta.Enabled {
		t.Errorf("meta = %+v, want name bare, enabled", s.Meta)
	}
	if s.LuaCode != code {
		t.Errorf("lua_code = %q, want %q", s.LuaCode, code)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "gone"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: err = %v, want ErrNotFound", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestManagerInvalidID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", "..", "../x", `a\b`, "a/b"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q): err = %v, want ErrInvalidID", id, err)
		}
	}
	if _, err := m.Save(&Script{ID: "../escape"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Save: err = %v, want ErrInvalidID", err)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != "dup" || s2.ID != "dup_1" {
		t.Errorf("ids = %q, %q, want dup, dup_1", s1.ID, s2.ID)
	}

	s3, err := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if err != nil {
		t.Fatal(err)
	}
	if s3.ID != "script" {
		t.Errorf("id = %q, want script", s3.ID)
	}
}

func TestEncodeScript(t *testing.T) {
	content := encodeScript(&Script{
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `blinds.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"enabled\":true}\nblinds.log(\"hi\")\n"
	if content != want {
		t.Errorf("encodeScript = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Living Room Blinds", "living_room_blinds"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
