package assign

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Svc assigns item references to sequential slots on a target object, the
// bulk operation the queue offloads from the request path. Assignment is
// idempotent per item: an item already holding a slot keeps it, so re-running
// a chunk never double-applies.
type Svc struct {
	mu    sync.Mutex
	slots map[string]map[string]int
	next  map[string]int
}

// NewSvc ...
func NewSvc() *Svc {
	return &Svc{
		slots: make(map[string]map[string]int),
		next:  make(map[string]int),
	}
}

// ApplyItems assigns the items to the target in order and returns the items
// that are now assigned, including ones a previous run already placed.
// Stops early when the context is cancelled, reporting what was applied.
func (s *Svc) ApplyItems(ctx context.Context, targetRef string, items []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.slots[targetRef]
	if !ok {
		target = make(map[string]int)
		s.slots[targetRef] = target
		s.next[targetRef] = 1
	}

	applied := make([]string, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if _, assigned := target[item]; !assigned {
			target[item] = s.next[targetRef]
			s.next[targetRef]++
		}
		applied = append(applied, item)
	}

	log.WithFields(log.Fields{
		"target_ref": targetRef,
		"items":      len(applied),
	}).Debug("Assigned items to target")
	return applied, nil
}

// Assigned returns the items assigned to the target in slot order.
func (s *Svc) Assigned(targetRef string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.slots[targetRef]
	items := make([]string, 0, len(target))
	for item := range target {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return target[items[i]] < target[items[j]]
	})
	return items
}

// Count ...
func (s *Svc) Count(targetRef string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots[targetRef])
}
