package gcmetric

import (
	"strings"
	"sync"

	metricpb "google.golang.org/genproto/googleapis/api/metric"
)

// identity keys a metric stream for descriptor registration. Two data
// points with the same identity produce identical descriptor metadata.
func identity(md *metricpb.MetricDescriptor) string {
	return strings.Join([]string{
		md.GetType(),
		md.GetMetricKind().String(),
		md.GetValueType().String(),
		md.GetUnit(),
	}, "|")
}

// registry tracks descriptor identities already registered with the
// backend. Exports run concurrently, so an identity is claimed under
// the lock before its registration call goes out: at most one call per
// identity is in flight, concurrent exports of the same identity wait
// for its result instead of issuing duplicates.
//
// State is per instance, not process-wide, so tests construct isolated
// registries.
type registry struct {
	strategy DescriptorStrategy

	mux      sync.Mutex
	seen     map[string]struct{}
	inflight map[string]*registration
}

// registration is one claimed in-flight call. err is written before
// done is closed and read only after.
type registration struct {
	done chan struct{}
	err  error
}

func newRegistry(strategy DescriptorStrategy) *registry {
	return &registry{
		strategy: strategy,
		seen:     map[string]struct{}{},
		inflight: map[string]*registration{},
	}
}

// Register ensures id is registered with the backend, calling send at
// most once per unseen identity across concurrent callers. Only a
// successful send marks the identity as seen: a failure releases the
// claim so the next cycle retries.
func (r *registry) Register(id string, send func() error) error {
	if r.strategy == AlwaysSend {
		return send()
	}

	r.mux.Lock()
	if _, ok := r.seen[id]; ok {
		r.mux.Unlock()
		return nil
	}
	if in, ok := r.inflight[id]; ok {
		r.mux.Unlock()
		<-in.done
		return in.err
	}
	in := &registration{done: make(chan struct{})}
	r.inflight[id] = in
	r.mux.Unlock()

	in.err = send()

	r.mux.Lock()
	delete(r.inflight, id)
	if in.err == nil {
		r.seen[id] = struct{}{}
	}
	r.mux.Unlock()
	close(in.done)
	return in.err
}
