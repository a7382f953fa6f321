package worker

import (
	"context"
	"fmt"
	"sort"

	"github.com/schoolerp/jobqueue/internal/job"
	"gorm.io/datatypes"
)

// HandlerFunc executes one job payload. The returned value is stored as the
// job result. Handlers never retry; returning an error hands the job back to
// the store's failure path.
type HandlerFunc func(ctx context.Context, payload datatypes.JSON) (any, error)

type handlerKey struct {
	topic string
	kind  string
}

// Registry binds (topic, kind) pairs to handlers. It is built once at startup
// and only read afterwards.
type Registry struct {
	handlers map[handlerKey]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[handlerKey]HandlerFunc)}
}

// Register panics on a duplicate binding; that is a wiring bug.
func (r *Registry) Register(topic, kind string, h HandlerFunc) {
	k := handlerKey{topic, kind}
	if _, dup := r.handlers[k]; dup {
		panic(fmt.Sprintf("worker: handler for %s/%s registered twice", topic, kind))
	}
	r.handlers[k] = h
}

func (r *Registry) Resolve(topic, kind string) (HandlerFunc, error) {
	h, ok := r.handlers[handlerKey{topic, kind}]
	if !ok {
		return nil, fmt.Errorf("%w for %s/%s", job.ErrUnknownHandler, topic, kind)
	}
	return h, nil
}

// Kinds lists the kinds registered for topic in sorted order.
func (r *Registry) Kinds(topic string) []string {
	var kinds []string
	for k := range r.handlers {
		if k.topic == topic {
			kinds = append(kinds, k.kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}
