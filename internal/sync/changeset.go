package sync

import (
	"strings"
	"time"

	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/store"
)

// ChangeKind is one of the non-conflicting outcomes of diffing a page.
type ChangeKind string

const (
	ChangeCreateLocal  ChangeKind = "create_local"
	ChangeUpdateLocal  ChangeKind = "update_local"
	ChangeDeleteLocal  ChangeKind = "delete_local"
	ChangeCreateRemote ChangeKind = "create_remote"
	ChangeUpdateRemote ChangeKind = "update_remote"
	ChangeDeleteRemote ChangeKind = "delete_remote"
)

// Change is one non-conflicting write the orchestrator applies directly.
type Change struct {
	Kind   ChangeKind
	Local  *store.CalendarEvent
	Remote *provider.RemoteEvent
}

// Divergence is a (local, remote) pair that cannot be applied automatically;
// it is routed to the ConflictDetector for classification.
type Divergence struct {
	Local  *store.CalendarEvent  // nil never; duplicate candidates carry the matched unlinked local
	Remote *provider.RemoteEvent // nil for pure local-side divergences (none today)
	Linked bool                  // false when matched by heuristic rather than identity
}

// ChangeSet is the outcome of diffing one page of remote events.
type ChangeSet struct {
	Changes   []Change
	Divergent []Divergence
}

// ChangeSetBuilder computes per-event diffs between the last known local
// snapshot and pages of remote results. One builder instance covers one
// mapping's run; it keeps cross-page state so unlinked locals matched by the
// duplicate heuristic on an earlier page are not later pushed as new remote
// events.
type ChangeSetBuilder struct {
	lastSync time.Time // zero means the mapping has never completed a run
	matcher  *DuplicateMatcher
	unlinked []*store.CalendarEvent
	consumed map[string]bool
	seen     map[string]bool // remote event IDs observed across pages
}

// NewChangeSetBuilder creates a builder for one mapping's run. unlinked is
// the mapping's live local-only events; lastSync is the mapping's last
// successful sync timestamp.
func NewChangeSetBuilder(lastSync time.Time, unlinked []*store.CalendarEvent, matcher *DuplicateMatcher) *ChangeSetBuilder {
	return &ChangeSetBuilder{
		lastSync: lastSync,
		matcher:  matcher,
		unlinked: unlinked,
		consumed: make(map[string]bool),
		seen:     make(map[string]bool),
	}
}

// BuildPage diffs one page of remote events against the locally linked set.
// linked is keyed by remote event ID.
func (b *ChangeSetBuilder) BuildPage(remotes []provider.RemoteEvent, linked map[string]*store.CalendarEvent) *ChangeSet {
	cs := &ChangeSet{}

	for i := range remotes {
		remote := &remotes[i]
		b.seen[remote.ID] = true
		local := linked[remote.ID]

		switch {
		case remote.IsCancelled():
			b.diffCancelled(cs, local, remote)
		case local == nil:
			b.diffUnlinked(cs, remote)
		default:
			b.diffLinked(cs, local, remote)
		}
	}

	return cs
}

// diffCancelled handles a remote deletion/cancellation.
func (b *ChangeSetBuilder) diffCancelled(cs *ChangeSet, local *store.CalendarEvent, remote *provider.RemoteEvent) {
	if local == nil {
		// Never knew this event; nothing to converge.
		return
	}
	if local.IsTombstoned() {
		// Already converged.
		return
	}
	if !b.localModified(local) {
		cs.Changes = append(cs.Changes, Change{Kind: ChangeDeleteLocal, Local: local, Remote: remote})
		return
	}
	// Remote deleted while local carries unsynced changes.
	cs.Divergent = append(cs.Divergent, Divergence{Local: local, Remote: remote, Linked: true})
}

// diffUnlinked handles a remote event with no local link: either a new
// create-local, or a duplicate conflict when an unlinked local matches it.
func (b *ChangeSetBuilder) diffUnlinked(cs *ChangeSet, remote *provider.RemoteEvent) {
	if match := b.matchDuplicate(remote); match != nil {
		cs.Divergent = append(cs.Divergent, Divergence{Local: match, Remote: remote, Linked: false})
		return
	}
	cs.Changes = append(cs.Changes, Change{Kind: ChangeCreateLocal, Remote: remote})
}

// diffLinked compares a linked pair's modification state since last sync.
func (b *ChangeSetBuilder) diffLinked(cs *ChangeSet, local *store.CalendarEvent, remote *provider.RemoteEvent) {
	localChanged := b.localModified(local)
	remoteChanged := remoteModified(local, remote)

	switch {
	case localChanged && remoteChanged:
		cs.Divergent = append(cs.Divergent, Divergence{Local: local, Remote: remote, Linked: true})
	case remoteChanged:
		cs.Changes = append(cs.Changes, Change{Kind: ChangeUpdateLocal, Local: local, Remote: remote})
	case localChanged:
		kind := ChangeUpdateRemote
		if local.IsTombstoned() {
			kind = ChangeDeleteRemote
		}
		cs.Changes = append(cs.Changes, Change{Kind: kind, Local: local, Remote: remote})
	}
}

// LocalOnly returns create-remote changes for unlinked locals that survived
// the whole listing without being matched by the duplicate heuristic. Call
// after the final page.
func (b *ChangeSetBuilder) LocalOnly() []Change {
	var changes []Change
	for _, local := range b.unlinked {
		if b.consumed[local.ID] || local.IsTombstoned() {
			continue
		}
		changes = append(changes, Change{Kind: ChangeCreateRemote, Local: local})
	}
	return changes
}

// UnseenLocalChanges returns pushes for linked locals that changed since
// last sync but never appeared in the listing — the case on incremental
// runs, where an unchanged remote event is simply absent from the delta.
// Call after the final page.
func (b *ChangeSetBuilder) UnseenLocalChanges(linked map[string]*store.CalendarEvent) []Change {
	var changes []Change
	for remoteID, local := range linked {
		if b.seen[remoteID] || !b.localModified(local) {
			continue
		}
		kind := ChangeUpdateRemote
		if local.IsTombstoned() {
			kind = ChangeDeleteRemote
		}
		changes = append(changes, Change{Kind: kind, Local: local})
	}
	return changes
}

// matchDuplicate finds an unconsumed unlinked local matching the remote
// event under the similarity heuristic, consuming it on match.
func (b *ChangeSetBuilder) matchDuplicate(remote *provider.RemoteEvent) *store.CalendarEvent {
	if b.matcher == nil {
		return nil
	}
	for _, local := range b.unlinked {
		if b.consumed[local.ID] {
			continue
		}
		if b.matcher.Match(local, remote) {
			b.consumed[local.ID] = true
			return local
		}
	}
	return nil
}

// localModified reports whether the local event changed after the mapping's
// last successful sync.
func (b *ChangeSetBuilder) localModified(local *store.CalendarEvent) bool {
	if b.lastSync.IsZero() {
		return true
	}
	return local.LocalUpdatedAt.After(b.lastSync)
}

// remoteModified reports whether the remote side moved past the last
// recorded remote state for this event.
func remoteModified(local *store.CalendarEvent, remote *provider.RemoteEvent) bool {
	if local.Etag != "" && remote.Etag != "" {
		return local.Etag != remote.Etag
	}
	if local.RemoteUpdatedAt == nil {
		return true
	}
	return remote.UpdatedAt.After(*local.RemoteUpdatedAt)
}

// DuplicateMatcher is the configurable similarity heuristic for duplicate
// detection: title equality or bounded edit distance, with start times
// within the tolerance window. Thresholds are deliberately configuration,
// not constants.
type DuplicateMatcher struct {
	MaxTitleDistance int
	TimeTolerance    time.Duration
}

// Match reports whether an unlinked local event and a newly seen remote
// event look like the same underlying event.
func (m *DuplicateMatcher) Match(local *store.CalendarEvent, remote *provider.RemoteEvent) bool {
	if local.IsTombstoned() {
		return false
	}

	drift := local.StartsAt.Sub(remote.StartsAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > m.TimeTolerance {
		return false
	}

	lt := normalizeTitle(local.Title)
	rt := normalizeTitle(remote.Title)
	if lt == rt {
		return true
	}
	return levenshtein(lt, rt) <= m.MaxTitleDistance
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
