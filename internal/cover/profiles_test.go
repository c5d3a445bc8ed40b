package cover

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestProfileDBLookup(t *testing.T) {
	db := NewProfileDB()
	db.Add(Profile{Match: "BLIND", Model: "Generic"})
	db.Add(Profile{Match: "BLIND-PRO", Model: "Pro"})

	if db.Len() != 2 {
		t.Fatalf("len = %d, want 2", db.Len())
	}

	tests := []struct {
		name string
		want string
	}{
		{"BLIND-PRO-7", "Pro"},
		{"blind-pro", "Pro"},
		{"BLIND-01", "Generic"},
		{"CURTAIN", ""},
		{"", ""},
	}
	for _, tt := range tests {
		p := db.Lookup(tt.name)
		got := ""
		if p != nil {
			got = p.Model
		}
		if got != tt.want {
			t.Errorf("Lookup(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}

	// Same match replaces.
	db.Add(Profile{Match: "blind", Model: "Replaced"})
	if db.Len() != 2 || db.Lookup("BLIND-01").Model != "Replaced" {
		t.Errorf("replace failed: %+v", db.All())
	}
}

func TestProfileTiming(t *testing.T) {
	base := DefaultTiming()
	var none *Profile
	if none.Timing(base) != base {
		t.Error("nil profile changed timing")
	}
	p := &Profile{StepDelayMS: 100}
	got := p.Timing(base)
	if got.StepDelay != 100*time.Millisecond || got.BaseDelay != base.BaseDelay {
		t.Errorf("timing = %+v", got)
	}
}

func TestLoadProfileDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "blinds.json"), []byte(`{
		"profiles": [
			{"match": "BLIND", "model": "Roller", "step_delay_ms": 200, "base_delay_ms": 50},
			{"match": "SHADE", "model": "Shade", "initial_position": 0}
		]
	}`), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)

	db, err := LoadProfileDir(dir, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if db.Len() != 2 {
		t.Fatalf("len = %d, want 2", db.Len())
	}
	p := db.Lookup("SHADE-3")
	if p == nil || p.InitialPosition == nil || *p.InitialPosition != 0 {
		t.Errorf("SHADE profile = %+v", p)
	}
	all := db.All()
	if all[0].Match != "BLIND" || all[1].Match != "SHADE" {
		t.Errorf("All() order = %+v", all)
	}
}

func TestLoadProfileDirMissing(t *testing.T) {
	db, err := LoadProfileDir(filepath.Join(t.TempDir(), "nope"), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if db.Len() != 0 {
		t.Errorf("len = %d, want 0", db.Len())
	}
}

func TestLoadProfileDirInvalid(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		outOfRange bool
	}{
		{"bad json", `{"profiles": [`, false},
		{"missing match", `{"profiles": [{"model": "x"}]}`, false},
		{"negative delay", `{"profiles": [{"match": "A", "step_delay_ms": -1}]}`, false},
		{"initial out of range", `{"profiles": [{"match": "A", "initial_position": 120}]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			os.WriteFile(filepath.Join(dir, "p.json"), []byte(tt.content), 0644)
			_, err := LoadProfileDir(dir, newTestLogger())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.outOfRange && !errors.Is(err, ErrOutOfRange) {
				t.Errorf("err = %v, want ErrOutOfRange", err)
			}
		})
	}
}
