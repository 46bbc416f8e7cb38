package netio

import (
	"sync"
)

// Registry maps raw native addresses to the Endpoint objects known to the
// application. Receive paths resolve the sender of every datagram through
// it so that a registered peer is always delivered as the same pointer.
//
// IPv4 endpoints are keyed under both the sockaddr_in layout and the
// IPv4-mapped sockaddr_in6 layout, because a dual-stack socket reports
// IPv4 senders in the latter form.
//
// Registry never evicts: an entry lives until Unregister removes it.
type Registry struct {
	mu    sync.RWMutex
	peers map[RawAddr]*Endpoint
	count int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[RawAddr]*Endpoint)}
}

// registryKeys returns the raw forms ep is reachable under.
func registryKeys(ep *Endpoint) ([2]RawAddr, int) {
	var keys [2]RawAddr
	if ep.Family() != FamilyIPv4 {
		keys[0] = ep.raw
		return keys, 1
	}
	// Neither call can fail for an IPv4 or IPv4-mapped address.
	_ = keys[0].EncodeFor(FamilyIPv4, ep.addr)
	_ = keys[1].EncodeFor(FamilyIPv6, ep.addr)
	return keys, 2
}

// Register records ep and returns the endpoint that is now canonical for
// its address. If another endpoint with the same address was registered
// first, that endpoint is returned and ep is not stored.
func (r *Registry) Register(ep *Endpoint) *Endpoint {
	keys, n := registryKeys(ep)

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.peers[keys[0]]; ok {
		return cur
	}
	for i := range n {
		r.peers[keys[i]] = ep
	}
	r.count++
	return ep
}

// Unregister removes the entry for ep's address. It reports whether an
// entry was removed.
func (r *Registry) Unregister(ep *Endpoint) bool {
	keys, n := registryKeys(ep)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[keys[0]]; !ok {
		return false
	}
	for i := range n {
		delete(r.peers, keys[i])
	}
	r.count--
	return true
}

// Lookup returns the endpoint registered for raw, if any.
func (r *Registry) Lookup(raw *RawAddr) (*Endpoint, bool) {
	r.mu.RLock()
	ep, ok := r.peers[*raw]
	r.mu.RUnlock()
	return ep, ok
}

// Resolve returns the registered endpoint for raw, or a fresh unregistered
// endpoint decoded from it. hit reports which one it is. The fresh
// endpoint is not cached.
func (r *Registry) Resolve(raw *RawAddr) (*Endpoint, bool, error) {
	if ep, ok := r.Lookup(raw); ok {
		return ep, true, nil
	}
	ep, err := EndpointFromRaw(raw)
	return ep, false, err
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
