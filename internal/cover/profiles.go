package cover

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Profile describes an actuator model, matched by advertised name prefix.
type Profile struct {
	Match           string `json:"match"`
	Model           string `json:"model"`
	StepDelayMS     int    `json:"step_delay_ms,omitempty"`
	BaseDelayMS     int    `json:"base_delay_ms,omitempty"`
	InitialPosition *int   `json:"initial_position,omitempty"`
}

// Timing overlays the profile's delays on base.
func (p *Profile) Timing(base Timing) Timing {
	if p == nil {
		return base
	}
	if p.StepDelayMS > 0 {
		base.StepDelay = time.Duration(p.StepDelayMS) * time.Millisecond
	}
	if p.BaseDelayMS > 0 {
		base.BaseDelay = time.Duration(p.BaseDelayMS) * time.Millisecond
	}
	return base
}

func (p *Profile) validate() error {
	if p.Match == "" {
		return fmt.Errorf("profile %q: match is required", p.Model)
	}
	if p.StepDelayMS < 0 || p.BaseDelayMS < 0 {
		return fmt.Errorf("profile %q: delays must not be negative", p.Match)
	}
	if p.InitialPosition != nil && (*p.InitialPosition < 0 || *p.InitialPosition > 100) {
		return fmt.Errorf("profile %q: initial_position %d: %w", p.Match, *p.InitialPosition, ErrOutOfRange)
	}
	return nil
}

// ProfileDB holds actuator profiles.
type ProfileDB struct {
	profiles []*Profile
}

// NewProfileDB creates an empty profile database.
func NewProfileDB() *ProfileDB {
	return &ProfileDB{}
}

// Add inserts a profile, replacing one with the same match prefix.
func (db *ProfileDB) Add(p Profile) {
	cp := p
	for i, existing := range db.profiles {
		if strings.EqualFold(existing.Match, p.Match) {
			db.profiles[i] = &cp
			return
		}
	}
	db.profiles = append(db.profiles, &cp)
}

// Lookup returns the profile with the longest match prefix of name, case
// insensitive, or nil.
func (db *ProfileDB) Lookup(name string) *Profile {
	if db == nil || name == "" {
		return nil
	}
	lower := strings.ToLower(name)
	var best *Profile
	for _, p := range db.profiles {
		if !strings.HasPrefix(lower, strings.ToLower(p.Match)) {
			continue
		}
		if best == nil || len(p.Match) > len(best.Match) {
			best = p
		}
	}
	return best
}

// All returns the profiles sorted by match prefix.
func (db *ProfileDB) All() []Profile {
	if db == nil {
		return nil
	}
	out := make([]Profile, 0, len(db.profiles))
	for _, p := range db.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Match < out[j].Match })
	return out
}

// Len returns the number of profiles.
func (db *ProfileDB) Len() int {
	if db == nil {
		return 0
	}
	return len(db.profiles)
}

// profileFile is the JSON structure for files in the profiles directory.
type profileFile struct {
	Profiles []Profile `json:"profiles"`
}

// LoadProfileDir reads all *.json files from dir into a ProfileDB.
// Returns an empty ProfileDB (not an error) if the directory doesn't exist or is empty.
func LoadProfileDir(dir string, logger *slog.Logger) (*ProfileDB, error) {
	db := NewProfileDB()

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob profiles dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no profile files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var pf profileFile
		if err := json.Unmarshal(data, &pf); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, p := range pf.Profiles {
			if err := p.validate(); err != nil {
				return db, fmt.Errorf("%s: %w", path, err)
			}
			db.Add(p)
		}
		logger.Info("loaded profile file", "path", filepath.Base(path), "profiles", len(pf.Profiles))
	}

	logger.Info("profile database loaded", "files", len(matches), "profiles", db.Len())
	return db, nil
}
