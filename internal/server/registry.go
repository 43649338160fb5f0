package server

import (
	"errors"
	"sync"
	"time"
)

var ErrUnknownGovernor = errors.New("server: unknown governor")

// Liveness is the failure-detector state of one governor.
type Liveness string

const (
	LivenessActive  Liveness = "active"
	LivenessSuspect Liveness = "suspect"
	LivenessLost    Liveness = "lost"
)

// GovernorRecord is the server's view of one worker process.
type GovernorRecord struct {
	ID            string
	Addr          string
	DataAddr      string
	CPUs          int
	MemBytes      uint64
	Labels        []string
	Liveness      Liveness
	LastHeartbeat time.Time
	FreeSlots     int
}

// registry tracks registered governors and their liveness.
type registry struct {
	mu        sync.RWMutex
	governors map[string]*GovernorRecord
}

func newRegistry() *registry {
	return &registry{governors: make(map[string]*GovernorRecord)}
}

func (r *registry) add(rec GovernorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.Liveness = LivenessActive
	r.governors[rec.ID] = &rec
}

func (r *registry) get(id string) (GovernorRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.governors[id]
	if !ok {
		return GovernorRecord{}, false
	}
	return *rec, true
}

func (r *registry) heartbeat(id string, at time.Time, freeSlots int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.governors[id]
	if !ok {
		return false
	}
	rec.LastHeartbeat = at
	rec.FreeSlots = freeSlots
	rec.Liveness = LivenessActive
	return true
}

// refresh bumps the heartbeat stamp without touching capacity, used
// when a suspect governor answers a probe.
func (r *registry) refresh(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.governors[id]; ok {
		rec.LastHeartbeat = at
		rec.Liveness = LivenessActive
	}
}

// dataAddrsFor maps governor ids to their data-plane addresses,
// skipping anything unknown or lost.
func (r *registry) dataAddrsFor(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.governors[id]; ok && rec.Liveness != LivenessLost {
			out = append(out, rec.DataAddr)
		}
	}
	return out
}

// sweep classifies every governor against the liveness thresholds and
// returns the ones that just turned Suspect or Lost. Lost governors are
// dropped from the registry; re-registration mints a fresh identity.
func (r *registry) sweep(now time.Time, suspectAfter, lostAfter time.Duration) (suspect, lost []GovernorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.governors {
		age := now.Sub(rec.LastHeartbeat)
		switch {
		case age >= lostAfter:
			rec.Liveness = LivenessLost
			lost = append(lost, *rec)
			delete(r.governors, id)
		case age >= suspectAfter:
			if rec.Liveness == LivenessActive {
				rec.Liveness = LivenessSuspect
				suspect = append(suspect, *rec)
			}
		}
	}
	return suspect, lost
}

// counts reports governors per liveness state for metrics.
func (r *registry) counts() map[Liveness]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Liveness]int{LivenessActive: 0, LivenessSuspect: 0}
	for _, rec := range r.governors {
		out[rec.Liveness]++
	}
	return out
}
