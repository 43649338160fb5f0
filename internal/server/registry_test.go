package server

import (
	"testing"
	"time"
)

func TestRegistrySweepTransitions(t *testing.T) {
	r := newRegistry()
	base := time.Now()
	r.add(GovernorRecord{ID: "g1", DataAddr: "a:1", CPUs: 1, LastHeartbeat: base})
	r.add(GovernorRecord{ID: "g2", DataAddr: "a:2", CPUs: 1, LastHeartbeat: base})

	suspect, lost := r.sweep(base.Add(10*time.Second), 9*time.Second, 30*time.Second)
	if len(suspect) != 2 || len(lost) != 0 {
		t.Fatalf("expected both suspect, got suspect=%d lost=%d", len(suspect), len(lost))
	}

	// A second sweep in the suspect window stays quiet.
	suspect, lost = r.sweep(base.Add(11*time.Second), 9*time.Second, 30*time.Second)
	if len(suspect) != 0 || len(lost) != 0 {
		t.Fatalf("suspect reported twice")
	}

	// A probe answer reactivates g1; g2 ages out.
	r.refresh("g1", base.Add(29*time.Second))
	_, lost = r.sweep(base.Add(31*time.Second), 9*time.Second, 30*time.Second)
	if len(lost) != 1 || lost[0].ID != "g2" {
		t.Fatalf("expected g2 lost, got %+v", lost)
	}
	if _, ok := r.get("g2"); ok {
		t.Fatalf("lost governor still present")
	}
	if rec, ok := r.get("g1"); !ok || rec.Liveness == LivenessLost {
		t.Fatalf("refreshed governor dropped")
	}
}

func TestRegistryDataAddrs(t *testing.T) {
	r := newRegistry()
	r.add(GovernorRecord{ID: "g1", DataAddr: "10.0.0.1:7620", CPUs: 1, LastHeartbeat: time.Now()})
	addrs := r.dataAddrsFor([]string{"g1", "missing"})
	if len(addrs) != 1 || addrs[0] != "10.0.0.1:7620" {
		t.Fatalf("addrs = %v", addrs)
	}
}
