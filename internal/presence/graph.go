// Package presence tracks which users want status updates about which peers.
package presence

import (
	"sort"
	"sync"
)

// Graph maps subject -> set of observers.
//
// Entries for a subject survive the subject going offline; they are only
// dropped when the observer itself disconnects (RemoveObserver).
type Graph struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{}
}

func NewGraph() *Graph {
	return &Graph{watchers: make(map[string]map[string]struct{})}
}

// Subscribe records that observer wants updates about subject. Idempotent.
func (g *Graph) Subscribe(observer, subject string) {
	if observer == "" || subject == "" || observer == subject {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.watchers[subject]
	if !ok {
		set = make(map[string]struct{})
		g.watchers[subject] = set
	}
	set[observer] = struct{}{}
}

// InterestedIn returns a sorted snapshot of subject's observers.
func (g *Graph) InterestedIn(subject string) []string {
	g.mu.RLock()
	set := g.watchers[subject]
	out := make([]string, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	g.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RemoveObserver strips observer from every subject's set.
func (g *Graph) RemoveObserver(observer string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for subject, set := range g.watchers {
		delete(set, observer)
		if len(set) == 0 {
			delete(g.watchers, subject)
		}
	}
}

// Subjects reports how many subjects have at least one observer.
func (g *Graph) Subjects() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.watchers)
}
