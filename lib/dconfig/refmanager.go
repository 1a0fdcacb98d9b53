package dconfig

import (
	"sort"
	"time"

	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

// DefaultDelayRelease is how long an unreferenced connection is kept before
// it is released.
const DefaultDelayRelease = time.Second

type refKey struct {
	service string
	conn    ConnectionKey
}

type refEntry struct {
	count int
	gen   uint64
	timer *time.Timer
}

// refManager counts how often each bus service acquired each connection.
// It is only touched from the dispatcher loop.
type refManager struct {
	loop      *loop
	delay     time.Duration
	entries   map[refKey]*refEntry
	onRelease func(ConnectionKey)
}

func newRefManager(l *loop, delay time.Duration, onRelease func(ConnectionKey)) *refManager {
	return &refManager{
		loop:      l,
		delay:     delay,
		entries:   make(map[refKey]*refEntry),
		onRelease: onRelease,
	}
}

func (r *refManager) setDelay(d time.Duration) error {
	if d < 0 {
		return oops.Wrapf(ErrInvalidConfiguration, "negative release delay %s", d)
	}
	r.delay = d
	return nil
}

// ref increments the count and cancels a pending release.
func (r *refManager) ref(service string, conn ConnectionKey) int {
	k := refKey{service, conn}
	e := r.entries[k]
	if e == nil {
		e = &refEntry{}
		r.entries[k] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.gen++
	}
	e.count++
	return e.count
}

// deref decrements the count. At zero a release is scheduled after the delay.
func (r *refManager) deref(service string, conn ConnectionKey) {
	k := refKey{service, conn}
	e := r.entries[k]
	if e == nil || e.count == 0 {
		log.WithFields(logger.Fields{
			"at":      "(refManager).deref",
			"service": service,
			"conn":    conn.String(),
		}).Debug("deref_without_ref")
		return
	}
	e.count--
	if e.count > 0 {
		return
	}
	e.gen++
	gen := e.gen
	e.timer = r.loop.afterFunc(r.delay, func() { r.expire(k, gen) })
}

func (r *refManager) expire(k refKey, gen uint64) {
	e := r.entries[k]
	if e == nil || e.gen != gen || e.count != 0 {
		return
	}
	delete(r.entries, k)
	r.release(k.conn)
}

// release emits the release event unless another service still holds conn.
func (r *refManager) release(conn ConnectionKey) {
	if r.referenced(conn) {
		return
	}
	r.onRelease(conn)
}

// referenced reports whether any service holds or is about to release conn.
func (r *refManager) referenced(conn ConnectionKey) bool {
	for k := range r.entries {
		if k.conn == conn {
			return true
		}
	}
	return false
}

func (r *refManager) count(service string, conn ConnectionKey) int {
	if e := r.entries[refKey{service, conn}]; e != nil {
		return e.count
	}
	return 0
}

func (r *refManager) hasService(service string) bool {
	for k := range r.entries {
		if k.service == service {
			return true
		}
	}
	return false
}

// releaseService drops every entry of service at once, without delay.
func (r *refManager) releaseService(service string) {
	var conns []ConnectionKey
	for k, e := range r.entries {
		if k.service != service {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.entries, k)
		conns = append(conns, k.conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Path() < conns[j].Path() })
	for _, conn := range conns {
		r.release(conn)
	}
}

// connections returns every connection key held by service.
func (r *refManager) connections(service string) []ConnectionKey {
	var out []ConnectionKey
	for k := range r.entries {
		if k.service == service {
			out = append(out, k.conn)
		}
	}
	return out
}

// dropConnection forgets every entry of conn without emitting a release.
func (r *refManager) dropConnection(conn ConnectionKey) {
	for k, e := range r.entries {
		if k.conn != conn {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.entries, k)
	}
}

// destroy stops every timer and forgets all entries.
func (r *refManager) destroy() {
	for k, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.entries, k)
	}
}
