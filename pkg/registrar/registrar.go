package registrar

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sipproxy-server/pkg/sipmsg"
	"sipproxy-server/pkg/transport"
)

// AOR derives the canonical address-of-record "scheme:user@host" from
// a URI. The user part compares case-sensitively, the host does not.
func AOR(uri *sipmsg.URI) string {
	if uri == nil {
		return ""
	}
	host := strings.ToLower(uri.Host)
	if uri.User == "" {
		return uri.Scheme + ":" + host
	}
	return uri.Scheme + ":" + uri.User + "@" + host
}

// Binding is one registered contact for an address-of-record.
type Binding struct {
	// ContactURI is the (possibly NAT-corrected) contact.
	ContactURI *sipmsg.URI
	// Source is the datagram endpoint the REGISTER arrived from.
	Source transport.Endpoint
	// Expiry is the absolute deadline after which the binding is dead.
	Expiry time.Time

	CallID    string
	CSeq      uint32
	UserAgent string
}

// Active reports whether the binding is still alive at t.
func (b *Binding) Active(t time.Time) bool { return b.Expiry.After(t) }

// RemainingExpires returns the whole seconds left at t, floored at 0.
func (b *Binding) RemainingExpires(t time.Time) int {
	left := int(b.Expiry.Sub(t).Seconds())
	if left < 0 {
		return 0
	}
	return left
}

// key identifies a binding within its AOR: same contact URI arriving
// from the same real source refreshes in place instead of duplicating.
func (b *Binding) key() string {
	return b.ContactURI.String() + "|" + b.Source.String()
}

// Registrar is the address-of-record to contact-binding table. Lists
// keep binding-creation order.
type Registrar struct {
	bindings map[string][]*Binding
	mutex    sync.RWMutex
	logger   *logrus.Logger
}

// New creates an empty registrar.
func New(logger *logrus.Logger) *Registrar {
	return &Registrar{
		bindings: make(map[string][]*Binding),
		logger:   logger,
	}
}

// Upsert refreshes a matching binding in place or appends a new one.
func (r *Registrar) Upsert(aor string, binding *Binding) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	list := r.bindings[aor]
	for _, existing := range list {
		if existing.key() == binding.key() {
			existing.Expiry = binding.Expiry
			existing.CallID = binding.CallID
			existing.CSeq = binding.CSeq
			existing.UserAgent = binding.UserAgent
			r.logger.WithFields(logrus.Fields{
				"aor":     aor,
				"contact": binding.ContactURI.String(),
			}).Debug("Binding refreshed")
			return
		}
	}
	r.bindings[aor] = append(list, binding)
	r.logger.WithFields(logrus.Fields{
		"aor":      aor,
		"contact":  binding.ContactURI.String(),
		"source":   binding.Source.String(),
		"bindings": len(r.bindings[aor]),
	}).Info("Binding registered")
}

// Remove drops the binding matching contact+source. The AOR disappears
// with its last binding.
func (r *Registrar) Remove(aor string, contactURI *sipmsg.URI, source transport.Endpoint) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	probe := &Binding{ContactURI: contactURI, Source: source}
	list := r.bindings[aor]
	out := list[:0]
	for _, b := range list {
		if b.key() != probe.key() {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		delete(r.bindings, aor)
	} else {
		r.bindings[aor] = out
	}
	r.logger.WithFields(logrus.Fields{
		"aor":       aor,
		"contact":   contactURI.String(),
		"remaining": len(out),
	}).Info("Binding removed")
}

// RemoveAll drops every binding of the AOR (wildcard Contact).
func (r *Registrar) RemoveAll(aor string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.bindings, aor)
	r.logger.WithField("aor", aor).Info("All bindings removed")
}

// Lookup returns the active bindings for the AOR in creation order.
func (r *Registrar) Lookup(aor string) []*Binding {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	now := time.Now()
	var out []*Binding
	for _, b := range r.bindings[aor] {
		if b.Active(now) {
			out = append(out, b)
		}
	}
	return out
}

// FirstActive returns the oldest active binding, or nil. Selection
// beyond "first" is a policy hook for later.
func (r *Registrar) FirstActive(aor string) *Binding {
	if list := r.Lookup(aor); len(list) > 0 {
		return list[0]
	}
	return nil
}

// AORCount returns the number of AORs with at least one binding.
func (r *Registrar) AORCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.bindings)
}

// SweepExpired removes dead bindings and empty AORs, returning how
// many bindings were evicted.
func (r *Registrar) SweepExpired() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	removed := 0
	for aor, list := range r.bindings {
		out := list[:0]
		for _, b := range list {
			if b.Active(now) {
				out = append(out, b)
			} else {
				removed++
				r.logger.WithFields(logrus.Fields{
					"event":   "TIMER-REG",
					"aor":     aor,
					"contact": b.ContactURI.String(),
				}).Info("Expired binding evicted")
			}
		}
		if len(out) == 0 {
			delete(r.bindings, aor)
		} else {
			r.bindings[aor] = out
		}
	}
	return removed
}
