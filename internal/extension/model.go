package extension

import (
	"time"

	"github.com/sydlexius/shopmon/internal/shopware"
)

// Extension is a plugin or app installed in a shop, enriched with store
// catalog data where available. Name is unique within one snapshot.
type Extension struct {
	Name          string           `json:"name"`
	Label         string           `json:"label"`
	Active        bool             `json:"active"`
	Version       string           `json:"version"`
	LatestVersion *string          `json:"latestVersion"`
	Installed     bool             `json:"installed"`
	RatingAverage *float64         `json:"ratingAverage"`
	StoreLink     *string          `json:"storeLink"`
	Changelog     []ChangelogEntry `json:"changelog"`
	InstalledAt   *time.Time       `json:"installedAt"`
}

// ChangelogEntry is one release note from the store catalog.
type ChangelogEntry struct {
	Version      string `json:"version"`
	Text         string `json:"text"`
	CreationDate string `json:"creationDate"`
	IsCompatible bool   `json:"isCompatible"`
}

// Diff states.
const (
	StateInstalled   = "installed"
	StateRemoved     = "removed"
	StateUpdated     = "updated"
	StateActivated   = "activated"
	StateDeactivated = "deactivated"
)

// DiffEntry describes what happened to one extension between two scrapes.
type DiffEntry struct {
	Name       string           `json:"name"`
	Label      string           `json:"label"`
	State      string           `json:"state"`
	OldVersion *string          `json:"old_version"`
	NewVersion *string          `json:"new_version"`
	Changelog  []ChangelogEntry `json:"changelog,omitempty"`
	Active     bool             `json:"active"`
}

// installedAtLayouts covers the timestamp shapes the admin API has used.
var installedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Merge folds plugins and apps into one list. Apps are always installed;
// a plugin counts as installed once it has an installation date.
func Merge(plugins []shopware.Plugin, apps []shopware.App) []Extension {
	out := make([]Extension, 0, len(plugins)+len(apps))
	for _, p := range plugins {
		installedAt := parseInstalledAt(p.InstalledAt)
		out = append(out, Extension{
			Name:        p.Name,
			Label:       p.Label,
			Active:      p.Active,
			Version:     p.Version,
			Installed:   p.InstalledAt != nil && *p.InstalledAt != "",
			InstalledAt: installedAt,
		})
	}
	for _, a := range apps {
		out = append(out, Extension{
			Name:      a.Name,
			Label:     a.Label,
			Active:    a.Active,
			Version:   a.Version,
			Installed: true,
		})
	}
	return out
}

func parseInstalledAt(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range installedAtLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// Find returns the extension with the given name, or nil.
func Find(list []Extension, name string) *Extension {
	for i := range list {
		if list[i].Name == name {
			return &list[i]
		}
	}
	return nil
}

// Names returns the technical names of list in order.
func Names(list []Extension) []string {
	names := make([]string, len(list))
	for i, e := range list {
		names[i] = e.Name
	}
	return names
}
