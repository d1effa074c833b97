package run

import (
	"sort"
	"sync"
	"time"
)

// Table is the in-memory run record store: one mutex-guarded map, capped
// per conversation. Run history is deliberately not persisted beyond
// this bounded tail.
type Table struct {
	mu      sync.Mutex
	records map[string]*Record // run_id -> record
	byConv  map[string][]string
	cap     int
}

func NewTable(capPerConversation int) *Table {
	if capPerConversation <= 0 {
		capPerConversation = 32
	}
	return &Table{
		records: make(map[string]*Record),
		byConv:  make(map[string][]string),
		cap:     capPerConversation,
	}
}

// Start registers a new run in queued state.
func (t *Table) Start(runID, conv string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[runID] = &Record{
		RunID:          runID,
		ConversationID: conv,
		State:          StateQueued,
		StartedAt:      time.Now(),
	}
	ids := append(t.byConv[conv], runID)
	if len(ids) > t.cap {
		evict := ids[0]
		ids = ids[1:]
		delete(t.records, evict)
	}
	t.byConv[conv] = ids
}

// SetState transitions a run's state. Terminal states stamp EndedAt.
func (t *Table) SetState(runID string, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[runID]
	if !ok {
		return
	}
	rec.State = s
	switch s {
	case StateSucceeded, StateFailed, StateCrashed:
		rec.EndedAt = time.Now()
	}
}

// Finish records the terminal state together with usage and cost.
func (t *Table) Finish(runID string, s State, usage Usage, costUSD float64, numTurns int, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[runID]
	if !ok {
		return
	}
	rec.State = s
	rec.EndedAt = time.Now()
	rec.Usage = usage
	rec.CostUSD = costUSD
	rec.NumTurns = numTurns
	rec.Error = errMsg
}

// Get returns a copy of one run record.
func (t *Table) Get(runID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[runID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ByConversation returns the retained runs for conv, oldest first.
func (t *Table) ByConversation(conv string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byConv[conv]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := t.records[id]; ok {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
