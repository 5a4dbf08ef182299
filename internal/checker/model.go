package checker

import (
	"context"
	"slices"
	"sync"

	"github.com/sydlexius/shopmon/internal/extension"
	"github.com/sydlexius/shopmon/internal/shopware"
)

// Level is a traffic-light severity.
type Level string

// Severity levels, least to most severe.
const (
	Green  Level = "green"
	Yellow Level = "yellow"
	Red    Level = "red"
)

// Rank orders levels by severity. Unknown levels rank as green.
func (l Level) Rank() int {
	switch l {
	case Red:
		return 2
	case Yellow:
		return 1
	}
	return 0
}

// Worse reports whether a is more severe than b.
func Worse(a, b Level) bool {
	return a.Rank() > b.Rank()
}

// Finding is one observation emitted by a checker. ID is stable across
// scrapes so users can ignore a finding permanently.
type Finding struct {
	ID      string  `json:"id"`
	Level   Level   `json:"level"`
	Message string  `json:"message"`
	Source  string  `json:"source"`
	Link    *string `json:"link,omitempty"`
}

// ShopClient is the part of the shop API a checker may call.
type ShopClient interface {
	Get(ctx context.Context, path string, out any) error
}

// Input is the shop state every checker inspects.
type Input struct {
	Extensions     []extension.Extension
	Config         *shopware.InfoConfig
	ScheduledTasks []shopware.ScheduledTask
	Queues         []shopware.QueueEntry
	Cache          *shopware.CacheInfo
	Favicon        string
	Client         ShopClient
}

// Result accumulates findings from concurrently running checkers. Status
// starts green and only ever escalates.
type Result struct {
	mu      sync.Mutex
	status  Level
	checks  []Finding
	ignores map[string]struct{}
}

// NewResult creates an empty result. Findings whose ID is in ignores are
// recorded but never escalate the status.
func NewResult(ignores []string) *Result {
	r := &Result{status: Green, ignores: make(map[string]struct{}, len(ignores))}
	for _, id := range ignores {
		r.ignores[id] = struct{}{}
	}
	return r
}

// Success records a green finding. It never changes the status.
func (r *Result) Success(id, message, source string, link ...string) {
	r.add(Green, id, message, source, link)
}

// Warning records a yellow finding and escalates the status to at least
// yellow unless id is ignored.
func (r *Result) Warning(id, message, source string, link ...string) {
	r.add(Yellow, id, message, source, link)
}

// Error records a red finding and escalates the status to red unless id is
// ignored.
func (r *Result) Error(id, message, source string, link ...string) {
	r.add(Red, id, message, source, link)
}

func (r *Result) add(level Level, id, message, source string, link []string) {
	f := Finding{ID: id, Level: level, Message: message, Source: source}
	if len(link) > 0 && link[0] != "" {
		l := link[0]
		f.Link = &l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, f)
	if _, ignored := r.ignores[id]; ignored {
		return
	}
	if Worse(level, r.status) {
		r.status = level
	}
}

// Status returns the aggregated level.
func (r *Result) Status() Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Checks returns a copy of the recorded findings.
func (r *Result) Checks() []Finding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.checks)
}

// IsIgnored reports whether id is on the shop's ignore list.
func (r *Result) IsIgnored(id string) bool {
	_, ok := r.ignores[id]
	return ok
}
