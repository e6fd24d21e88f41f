package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be hot-reloaded by the relay service are tracked;
// everything else requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when the default voice, the allowed voices or
	// turn detection changed. New relay connections pick up the change.
	SessionChanged bool

	// DirectoryChanged is true when the location or any company changed.
	DirectoryChanged bool
	CompanyChanges   []CompanyDiff
}

// CompanyDiff describes what changed for a single directory entry.
type CompanyDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Empty reports whether d carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.DirectoryChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Voice != new.Session.Voice ||
		old.Session.TurnDetection != new.Session.TurnDetection ||
		!slices.Equal(old.Session.Voices, new.Session.Voices) {
		d.SessionChanged = true
	}

	oldCompanies := make(map[string]CompanyConfig, len(old.Directory.Companies))
	for _, c := range old.Directory.Companies {
		oldCompanies[c.Name] = c
	}
	newCompanies := make(map[string]CompanyConfig, len(new.Directory.Companies))
	for _, c := range new.Directory.Companies {
		newCompanies[c.Name] = c
	}

	// Walk in config order so the result is deterministic.
	for _, c := range old.Directory.Companies {
		nc, ok := newCompanies[c.Name]
		switch {
		case !ok:
			d.CompanyChanges = append(d.CompanyChanges, CompanyDiff{Name: c.Name, Removed: true})
		case nc != c:
			d.CompanyChanges = append(d.CompanyChanges, CompanyDiff{Name: c.Name, Modified: true})
		}
	}
	for _, c := range new.Directory.Companies {
		if _, ok := oldCompanies[c.Name]; !ok {
			d.CompanyChanges = append(d.CompanyChanges, CompanyDiff{Name: c.Name, Added: true})
		}
	}

	d.DirectoryChanged = len(d.CompanyChanges) > 0 || old.Directory.Location != new.Directory.Location
	return d
}
