package dispatch

import (
	"sync"
)

// alertTracker serializes status recomputation for one alert. Workers settling
// different pairs of the same alert race otherwise, and the recompute-then-
// persist step must observe a consistent audit snapshot.
type alertTracker struct {
	mu sync.Mutex
}

// trackerSet hands out the tracker for an alert and retires it at settlement
type trackerSet struct {
	mu       sync.Mutex
	trackers map[string]*alertTracker
}

func newTrackerSet() *trackerSet {
	return &trackerSet{trackers: make(map[string]*alertTracker)}
}

func (s *trackerSet) get(alertID string) *alertTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[alertID]
	if !ok {
		t = &alertTracker{}
		s.trackers[alertID] = t
	}
	return t
}

func (s *trackerSet) drop(alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trackers, alertID)
}
