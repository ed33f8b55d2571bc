package broadcast

import (
	"sync"
	"time"
)

// RunStatus is the in-memory record of one dispatch run.
type RunStatus struct {
	ID         string
	OperatorID int64
	Audience   string
	Total      int
	Sent       int
	Failed     int
	Error      string
	StartedAt  time.Time
	DoneAt     time.Time
	Running    bool
}

// runHistory keeps the last max runs.
type runHistory struct {
	mu   sync.RWMutex
	max  int
	runs []*RunStatus // oldest first
}

func newRunHistory(max int) *runHistory {
	if max <= 0 {
		max = 50
	}
	return &runHistory{max: max}
}

func (h *runHistory) begin(ev RunEvent, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, &RunStatus{
		ID:         ev.RunID,
		OperatorID: ev.OperatorID,
		Audience:   ev.Audience,
		Total:      ev.Total,
		StartedAt:  at,
		Running:    true,
	})
	if over := len(h.runs) - h.max; over > 0 {
		clear(h.runs[:over])
		h.runs = h.runs[over:]
	}
}

func (h *runHistory) finish(ev RunEvent, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.runs) - 1; i >= 0; i-- {
		st := h.runs[i]
		if st.ID != ev.RunID {
			continue
		}
		st.Sent, st.Failed, st.Error = ev.Sent, ev.Failed, ev.Error
		st.DoneAt = at
		st.Running = false
		return
	}
}

func (h *runHistory) list() []RunStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RunStatus, 0, len(h.runs))
	for i := len(h.runs) - 1; i >= 0; i-- {
		out = append(out, *h.runs[i])
	}
	return out
}
