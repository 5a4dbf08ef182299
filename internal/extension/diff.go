package extension

// Diff compares the extensions of the previous snapshot with the freshly
// fetched ones. A nil old list means there is no previous snapshot and
// yields no entries.
//
// Entries for old extensions come first, in old-list order, followed by
// installations in new-list order. For an extension present in both lists
// a version change wins over an activity change, so at most one entry is
// produced per name. An updated entry carries the old extension's
// changelog: the release notes captured before the upgrade.
func Diff(old, current []Extension) []DiffEntry {
	if old == nil {
		return []DiffEntry{}
	}

	byName := make(map[string]*Extension, len(current))
	for i := range current {
		byName[current[i].Name] = &current[i]
	}

	entries := []DiffEntry{}
	seen := make(map[string]struct{}, len(old))
	for i := range old {
		o := &old[i]
		seen[o.Name] = struct{}{}

		n, ok := byName[o.Name]
		if !ok {
			entries = append(entries, DiffEntry{
				Name:       o.Name,
				Label:      o.Label,
				State:      StateRemoved,
				OldVersion: strPtr(o.Version),
				Active:     false,
			})
			continue
		}

		entry := DiffEntry{
			Name:       n.Name,
			Label:      n.Label,
			OldVersion: strPtr(o.Version),
			NewVersion: strPtr(n.Version),
			Active:     n.Active,
		}
		switch {
		case o.Version != n.Version:
			entry.State = StateUpdated
			entry.Changelog = o.Changelog
		case !o.Active && n.Active:
			entry.State = StateActivated
		case o.Active && !n.Active:
			entry.State = StateDeactivated
		default:
			continue
		}
		entries = append(entries, entry)
	}

	for i := range current {
		n := &current[i]
		if _, ok := seen[n.Name]; ok {
			continue
		}
		entries = append(entries, DiffEntry{
			Name:       n.Name,
			Label:      n.Label,
			State:      StateInstalled,
			NewVersion: strPtr(n.Version),
			Active:     n.Active,
		})
	}

	return entries
}

func strPtr(s string) *string {
	return &s
}
