package adsclient

import (
	"sync"

	"golang.org/x/exp/slices"
)

// watchSet is the set of resource names we are subscribed to.  It is the only
// source of outgoing interest and is always transmitted whole.
type watchSet struct {
	lock  sync.Mutex
	names map[string]struct{}
}

func newWatchSet(initial []string) *watchSet {
	ws := &watchSet{
		names: make(map[string]struct{}, len(initial)),
	}
	ws.Add(initial)
	return ws
}

// Add returns whether the set changed.
func (ws *watchSet) Add(names []string) bool {
	ws.lock.Lock()
	defer ws.lock.Unlock()

	changed := false
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := ws.names[name]; !ok {
			ws.names[name] = struct{}{}
			changed = true
		}
	}
	return changed
}

// Delete returns the names which were actually removed.
func (ws *watchSet) Delete(names []string) []string {
	ws.lock.Lock()
	defer ws.lock.Unlock()

	var removed []string
	for _, name := range names {
		if _, ok := ws.names[name]; ok {
			delete(ws.names, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// List returns the sorted contents of the set.
func (ws *watchSet) List() []string {
	ws.lock.Lock()
	names := make([]string, 0, len(ws.names))
	for name := range ws.names {
		names = append(names, name)
	}
	ws.lock.Unlock()

	slices.Sort(names)
	return names
}

func (ws *watchSet) Len() int {
	ws.lock.Lock()
	defer ws.lock.Unlock()
	return len(ws.names)
}
