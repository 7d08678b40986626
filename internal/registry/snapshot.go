package registry

import (
	"fmt"
	"sync"

	"github.com/dlclark/regexp2"

	"github.com/basket/go-plugbot/internal/plugin"
)

// Lookup is the precomputed matching record for one sorted entry.
type Lookup struct {
	Key      string
	Regex    *regexp2.Regexp
	Entry    *Entry
	Priority int
	Pattern  string
}

// Snapshot is an immutable view of the registry. It stays valid after newer
// snapshots replace it.
type Snapshot struct {
	Version uint64
	// Sorted orders entries by (priority, registration order).
	Sorted []*Entry

	priorities map[string]int

	lookupOnce sync.Once
	lookup     []Lookup
}

// Lookup returns the matching records in priority order, building them on
// first use. Keys are "{priority}_{index}_{pattern}".
func (s *Snapshot) Lookup() []Lookup {
	s.lookupOnce.Do(func() {
		s.lookup = make([]Lookup, len(s.Sorted))
		for i, e := range s.Sorted {
			p := s.Priority(e.Owner)
			s.lookup[i] = Lookup{
				Key:      fmt.Sprintf("%d_%d_%s", p, i, e.Pattern),
				Regex:    e.Regex,
				Entry:    e,
				Priority: p,
				Pattern:  e.Pattern,
			}
		}
	})
	return s.lookup
}

// Priority returns the registered priority of owner.
func (s *Snapshot) Priority(owner string) int {
	if p, ok := s.priorities[owner]; ok {
		return p
	}
	return plugin.DefaultPriority
}

// Owners returns the number of registered plugin owners.
func (s *Snapshot) Owners() int { return len(s.priorities) }

func (s *Snapshot) Len() int { return len(s.Sorted) }

// Entries returns the sorted entries. Callers must not modify them.
func (s *Snapshot) Entries() []*Entry { return s.Sorted }
