package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kursadbilgin/notify-pipeline/internal/queue"
)

type entry struct {
	descriptor Descriptor
	handler    Handler
}

// Registry maps task names to descriptors and handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	// lanes are consumed in addition to descriptor lanes.
	lanes map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		lanes:   map[string]struct{}{queue.QueueRetry: {}},
	}
}

// AddQueues declares lanes that registered tasks are published to besides
// their descriptor lane, e.g. through EnqueueOn.
func (r *Registry) AddQueues(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("queue name is required")
		}
		r.lanes[name] = struct{}{}
	}
	return nil
}

func (r *Registry) Register(d Descriptor, h Handler) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("task %q: handler is required", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("task %q is already registered", d.Name)
	}
	r.entries[d.Name] = entry{descriptor: d, handler: h}
	return nil
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queues returns every lane a registered task can arrive on: descriptor
// lanes, declared extra lanes and the retry lane.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.lanes)+len(r.entries))
	for lane := range r.lanes {
		seen[lane] = struct{}{}
	}
	for _, e := range r.entries {
		seen[e.descriptor.Queue] = struct{}{}
	}

	queues := make([]string, 0, len(seen))
	for q := range seen {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}
