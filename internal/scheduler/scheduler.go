// Package scheduler assigns ready tasks to governors, preferring data
// locality. It holds its own capacity and residency view, fed by the
// server agent from heartbeats and graph transitions, so scheduling
// decisions never reach into graph internals.
package scheduler

import (
	"sort"

	"github.com/rs/zerolog"
)

// InputRef identifies one input object a pending task will read.
type InputRef struct {
	Session string
	ID      string
}

// Pending is one ready task awaiting placement.
type Pending struct {
	Session string
	TaskID  string
	CPUs    int
	Labels  []string
	Inputs  []InputRef

	// Avoid deprioritizes the governor a previous attempt failed on;
	// it is only honored when another governor has capacity.
	Avoid string
}

// Assignment is one placement decision emitted by a pass.
type Assignment struct {
	Session    string
	TaskID     string
	GovernorID string
}

type governorView struct {
	id        string
	freeSlots int
	labels    map[string]struct{}
	resident  map[string]struct{}
}

func residentKey(session, id string) string { return session + "/" + id }

// Scheduler is a greedy, locality-aware placer. Placements are never
// revisited; a sub-optimal early choice stands.
type Scheduler struct {
	log       zerolog.Logger
	queue     []Pending
	queued    map[string]struct{}
	governors map[string]*governorView
	rr        int
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:       log.With().Str("component", "scheduler").Logger(),
		queued:    make(map[string]struct{}),
		governors: make(map[string]*governorView),
	}
}

func taskKey(session, taskID string) string { return session + "/" + taskID }

// UpsertGovernor adds or refreshes a governor's capacity view.
func (s *Scheduler) UpsertGovernor(id string, slots int, labels []string) {
	g, ok := s.governors[id]
	if !ok {
		g = &governorView{id: id, resident: make(map[string]struct{})}
		s.governors[id] = g
	}
	g.freeSlots = slots
	g.labels = make(map[string]struct{}, len(labels))
	for _, l := range labels {
		g.labels[l] = struct{}{}
	}
}

// RemoveGovernor drops a lost governor from the capacity view.
func (s *Scheduler) RemoveGovernor(id string) {
	delete(s.governors, id)
}

// SetFreeSlots applies a heartbeat capacity report.
func (s *Scheduler) SetFreeSlots(id string, slots int) {
	if g, ok := s.governors[id]; ok {
		g.freeSlots = slots
	}
}

// ReleaseSlots returns capacity when an assigned task leaves a governor.
func (s *Scheduler) ReleaseSlots(id string, cpus int) {
	if g, ok := s.governors[id]; ok {
		g.freeSlots += cpus
	}
}

// AddResident and DropResident keep the locality view converged.
func (s *Scheduler) AddResident(governorID, session, objectID string) {
	if g, ok := s.governors[governorID]; ok {
		g.resident[residentKey(session, objectID)] = struct{}{}
	}
}

func (s *Scheduler) DropResident(governorID, session, objectID string) {
	if g, ok := s.governors[governorID]; ok {
		delete(g.resident, residentKey(session, objectID))
	}
}

// Enqueue adds a ready task. Duplicate enqueues are collapsed.
func (s *Scheduler) Enqueue(p Pending) {
	key := taskKey(p.Session, p.TaskID)
	if _, ok := s.queued[key]; ok {
		return
	}
	s.queued[key] = struct{}{}
	s.queue = append(s.queue, p)
}

// Remove withdraws a queued task, e.g. on session close.
func (s *Scheduler) Remove(session, taskID string) {
	key := taskKey(session, taskID)
	if _, ok := s.queued[key]; !ok {
		return
	}
	delete(s.queued, key)
	for i, p := range s.queue {
		if p.Session == session && p.TaskID == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// RemoveSession withdraws every queued task of one session.
func (s *Scheduler) RemoveSession(session string) {
	kept := s.queue[:0]
	for _, p := range s.queue {
		if p.Session == session {
			delete(s.queued, taskKey(p.Session, p.TaskID))
			continue
		}
		kept = append(kept, p)
	}
	s.queue = kept
}

// QueueLen reports how many tasks await placement.
func (s *Scheduler) QueueLen() int { return len(s.queue) }

// Pass walks the queue once, placing every task a governor has capacity
// for. Candidates are ranked by resident-input count, then free
// capacity, then round-robin. Tasks that fit nowhere stay queued for
// the next pass.
func (s *Scheduler) Pass() []Assignment {
	if len(s.queue) == 0 || len(s.governors) == 0 {
		return nil
	}

	ids := make([]string, 0, len(s.governors))
	for id := range s.governors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Assignment
	remaining := s.queue[:0]
	for _, p := range s.queue {
		gov := s.pick(ids, p)
		if gov == nil {
			remaining = append(remaining, p)
			continue
		}
		gov.freeSlots -= p.CPUs
		delete(s.queued, taskKey(p.Session, p.TaskID))
		out = append(out, Assignment{Session: p.Session, TaskID: p.TaskID, GovernorID: gov.id})
		s.log.Debug().Str("task", p.TaskID).Str("governor", gov.id).Msg("placed task")
	}
	s.queue = remaining
	return out
}

func (s *Scheduler) pick(ids []string, p Pending) *governorView {
	var best *governorView
	bestScore := -1
	bestAvoided := false
	n := len(ids)
	s.rr++
	for i := 0; i < n; i++ {
		g := s.governors[ids[(s.rr+i)%n]]
		if g.freeSlots < p.CPUs {
			continue
		}
		if !hasLabels(g, p.Labels) {
			continue
		}
		avoided := g.id == p.Avoid
		// Inputs resident nowhere cost the same transfer everywhere,
		// so they never separate candidates.
		score := localityScore(g, p)
		if best == nil || ranksAbove(avoided, score, g.freeSlots, bestAvoided, bestScore, best.freeSlots) {
			best, bestScore, bestAvoided = g, score, avoided
		}
	}
	return best
}

// ranksAbove orders candidates: anywhere-but-the-avoided-governor first,
// then locality score, then free capacity. Round-robin iteration order
// breaks remaining ties.
func ranksAbove(avoided bool, score, free int, bestAvoided bool, bestScore, bestFree int) bool {
	if avoided != bestAvoided {
		return !avoided
	}
	if score != bestScore {
		return score > bestScore
	}
	return free > bestFree
}

func localityScore(g *governorView, p Pending) int {
	score := 0
	for _, in := range p.Inputs {
		if _, ok := g.resident[residentKey(in.Session, in.ID)]; ok {
			score++
		}
	}
	return score
}

func hasLabels(g *governorView, labels []string) bool {
	for _, l := range labels {
		if _, ok := g.labels[l]; !ok {
			return false
		}
	}
	return true
}
