package asyncx

import (
	"fmt"
	"sort"
)

// Route binds one job kind to the queue that carries it.
type Route struct {
	Kind  Kind   `koanf:"kind" json:"kind"`
	Queue string `koanf:"queue" json:"queue"`
}

// Router is the static kind to queue table. It is immutable after construction
// and safe for concurrent use.
type Router struct {
	routes map[Kind]string
	queues map[string][]Kind
}

// NewRouter builds a Router. A kind listed twice with different queues is rejected,
// so every kind lands on exactly one queue.
func NewRouter(routes []Route) (*Router, error) {
	r := &Router{
		routes: make(map[Kind]string, len(routes)),
		queues: make(map[string][]Kind),
	}
	for _, rt := range routes {
		if rt.Kind == "" || rt.Queue == "" {
			return nil, fmt.Errorf("asyncx: route %q -> %q: kind and queue are required", rt.Kind, rt.Queue)
		}
		if q, ok := r.routes[rt.Kind]; ok {
			if q != rt.Queue {
				return nil, fmt.Errorf("asyncx: kind %q routed to both %q and %q", rt.Kind, q, rt.Queue)
			}
			continue
		}
		r.routes[rt.Kind] = rt.Queue
		r.queues[rt.Queue] = append(r.queues[rt.Queue], rt.Kind)
	}
	return r, nil
}

// MustRouter is NewRouter for static tables known to be valid.
func MustRouter(routes []Route) *Router {
	r, err := NewRouter(routes)
	if err != nil {
		panic(err)
	}
	return r
}

// Route returns the queue for kind or ErrUnknownJobKind.
func (r *Router) Route(kind Kind) (string, error) {
	q, ok := r.routes[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobKind, kind)
	}
	return q, nil
}

// Queues lists every queue that at least one kind routes to, sorted.
func (r *Router) Queues() []string {
	out := make([]string, 0, len(r.queues))
	for q := range r.queues {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Kinds lists the kinds routed to queue, sorted.
func (r *Router) Kinds(queue string) []Kind {
	kinds := append([]Kind(nil), r.queues[queue]...)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
