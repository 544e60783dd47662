// Package session tracks the live channel of every connected executor.
//
// The map is split into fixed shards keyed by an FNV hash of the executor id,
// so a connect or disconnect only locks the shard it touches.
package session

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/cuemby/scanplane/pkg/types"
)

const shardCount = 32

// Channel is a writable connection to one executor
type Channel interface {
	Send(msg *types.DispatchMessage) error
	Writable() bool
}

type shard struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// Registry maps executor ids to their live channel
type Registry struct {
	shards [shardCount]*shard
}

// NewRegistry creates an empty session registry
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{channels: make(map[string]Channel)}
	}
	return r
}

func (r *Registry) shardFor(executorID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(executorID))
	return r.shards[h.Sum32()%shardCount]
}

// Get returns the channel of an executor, if connected
func (r *Registry) Get(executorID string) (Channel, bool) {
	s := r.shardFor(executorID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[executorID]
	return ch, ok
}

// Put installs ch for executorID and returns the channel it replaced, or nil
func (r *Registry) Put(executorID string, ch Channel) Channel {
	s := r.shardFor(executorID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.channels[executorID]
	s.channels[executorID] = ch
	return prev
}

// Remove deletes the entry only if it still holds ch, so a closing stream
// never evicts the stream that replaced it. It reports whether it removed.
func (r *Registry) Remove(executorID string, ch Channel) bool {
	s := r.shardFor(executorID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.channels[executorID]; ok && cur == ch {
		delete(s.channels, executorID)
		return true
	}
	return false
}

// Len returns the number of connected executors
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.channels)
		s.mu.RUnlock()
	}
	return n
}

// IDs returns the connected executor ids in sorted order
func (r *Registry) IDs() []string {
	var ids []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.channels {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}
