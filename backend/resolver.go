package backend

import (
	"github.com/gomlx/neurun/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Resolver selects the backend of each operation kind.
type Resolver interface {
	// Resolve returns the backend executing operations of kind op.
	Resolve(op ir.OpType) (Backend, error)

	// Backend returns the backend with the given identifier.
	Backend(id string) (Backend, error)
}

// StaticResolver is a Resolver driven by a Config. It is immutable and safe for concurrent use.
type StaticResolver struct {
	config   Config
	backends []Backend
	byID     map[string]Backend
	byOp     [ir.NumOpTypes]Backend
}

// NewResolver creates a StaticResolver over the given backends.
//
// The configuration must be total: every operation kind must map to one of the given backends, which must support
// it. Otherwise, it returns an error wrapping ErrUnresolvable.
func NewResolver(config Config, backends ...Backend) (*StaticResolver, error) {
	r := &StaticResolver{config: config, backends: backends, byID: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		if _, found := r.byID[b.ID()]; found {
			return nil, errors.Errorf("backend %q given more than once", b.ID())
		}
		r.byID[b.ID()] = b
	}
	for _, op := range ir.AllOpTypes() {
		id := config.BackendFor(op)
		b, found := r.byID[id]
		if !found {
			return nil, errors.Wrapf(ErrUnresolvable, "operation %s configured to unknown backend %q (config %q)",
				op, id, config)
		}
		if !b.Supports(op) {
			return nil, errors.Wrapf(ErrUnresolvable, "operation %s configured to backend %q, which doesn't support it",
				op, id)
		}
		r.byOp[op] = b
	}
	if klog.V(1).Enabled() {
		klog.Infof("backend resolver configured with %q over %d backends", config, len(backends))
	}
	return r, nil
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(op ir.OpType) (Backend, error) {
	if op <= ir.OpTypeInvalid || op >= ir.NumOpTypes {
		return nil, errors.Wrapf(ErrUnresolvable, "invalid operation type %s", op)
	}
	return r.byOp[op], nil
}

// Backend implements Resolver.
func (r *StaticResolver) Backend(id string) (Backend, error) {
	b, found := r.byID[id]
	if !found {
		return nil, errors.Wrapf(ErrUnresolvable, "unknown backend %q", id)
	}
	return b, nil
}

// Backends returns the backends of the resolver, in the order given.
func (r *StaticResolver) Backends() []Backend { return r.backends }

// Config returns the configuration of the resolver.
func (r *StaticResolver) Config() Config { return r.config }
