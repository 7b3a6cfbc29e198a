package catalog

import (
	"time"

	"github.com/tahplatform/accesshub/internal/ids"
)

// Diff is the set of catalog mutations one sync produces. Refresh holds
// entries that did not change but still get their last-seen bookkeeping
// updated.
type Diff struct {
	Add       []Entry
	Update    []Entry
	Refresh   []Entry
	Deprecate []string
	Remove    []string
}

// Summary converts a diff into run counters.
func (d *Diff) Summary() SyncSummary {
	return SyncSummary{
		Added:      len(d.Add),
		Updated:    len(d.Update),
		Deprecated: len(d.Deprecate),
		Removed:    len(d.Remove),
		Unchanged:  len(d.Refresh),
	}
}

// computeDiff compares the stored catalog of an application against a
// manifest. Pure function so the transition rules are testable without
// a database.
func computeDiff(existing []Entry, m *Manifest, appID string, now time.Time, retention time.Duration) *Diff {
	moduleNames := make(map[string]string, len(m.Modules))
	for _, mod := range m.Modules {
		moduleNames[mod.ID] = mod.Name
	}

	desired := make(map[string]Entry)
	for _, f := range m.Features {
		for _, action := range f.Actions {
			key := f.ID + ":" + action
			desired[key] = Entry{
				ApplicationID: appID,
				ModuleKey:     f.Module,
				ModuleName:    moduleNames[f.Module],
				PermissionKey: key,
				Description:   f.Description,
			}
		}
	}

	current := make(map[string]Entry, len(existing))
	for _, e := range existing {
		current[e.PermissionKey] = e
	}

	diff := &Diff{}
	for key, want := range desired {
		have, ok := current[key]
		if !ok {
			want.ID = ids.New()
			want.Lifecycle = LifecycleActive
			want.FirstSeenVersion = m.Version
			want.LastSeenVersion = m.Version
			want.DiscoveredAt = now
			want.LastSeenAt = now
			diff.Add = append(diff.Add, want)
			continue
		}
		changed := have.ModuleKey != want.ModuleKey ||
			have.ModuleName != want.ModuleName ||
			have.Description != want.Description ||
			have.Lifecycle != LifecycleActive
		have.ModuleKey = want.ModuleKey
		have.ModuleName = want.ModuleName
		have.Description = want.Description
		have.Lifecycle = LifecycleActive
		have.LastSeenVersion = m.Version
		have.LastSeenAt = now
		if changed {
			diff.Update = append(diff.Update, have)
		} else {
			diff.Refresh = append(diff.Refresh, have)
		}
	}

	for key, have := range current {
		if _, ok := desired[key]; ok {
			continue
		}
		switch have.Lifecycle {
		case LifecycleActive:
			diff.Deprecate = append(diff.Deprecate, have.ID)
		case LifecycleDeprecated:
			if now.Sub(have.LastSeenAt) > retention {
				diff.Remove = append(diff.Remove, have.ID)
			}
		}
	}
	return diff
}
