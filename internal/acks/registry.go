// Package acks holds the coordinator's view of replica progress: the most
// recent ack each replica executor has published for each contract.
package acks

import (
	"sync"

	"github.com/dreamware/tablecoord/internal/table"
)

// Registry maps (server, contract) to the latest ack from that server for
// that contract. Many executors write concurrently; the coordinator reads
// whole copies and subscribes to change notifications.
//
// Notifications are coalesced: a subscriber's channel has room for one
// pending signal, so a burst of writes wakes a slow reader once. A signal
// says "something changed", never what changed; readers call ReadAll.
//
// Thread Safety:
// All methods are safe for concurrent use. Returned maps are copies.
type Registry struct {
	acks    map[table.AckKey]table.Ack // latest ack per key
	subs    map[int]chan struct{}      // subscriber id -> wake channel
	mu      sync.RWMutex               // protects acks, subs and nextSub
	nextSub int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		acks: make(map[table.AckKey]table.Ack),
		subs: make(map[int]chan struct{}),
	}
}

// Set records ack as the latest report from server for contract.
// Subscribers are only notified when the stored value actually changes.
//
// Returns:
//   - true if the stored ack changed
func (r *Registry) Set(server table.ServerID, contract table.ContractID, ack table.Ack) bool {
	key := table.AckKey{Server: server, Contract: contract}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.acks[key]; ok && old == ack {
		return false
	}
	r.acks[key] = ack
	r.notifyLocked()
	return true
}

// Delete removes the ack for (server, contract). No error if absent.
func (r *Registry) Delete(server table.ServerID, contract table.ContractID) {
	key := table.AckKey{Server: server, Contract: contract}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.acks[key]; !ok {
		return
	}
	delete(r.acks, key)
	r.notifyLocked()
}

// DeleteServer drops every ack published by server, e.g. when its executor
// disconnects. Returns the number of acks removed.
func (r *Registry) DeleteServer(server table.ServerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key := range r.acks {
		if key.Server == server {
			delete(r.acks, key)
			removed++
		}
	}
	if removed > 0 {
		r.notifyLocked()
	}
	return removed
}

// Prune drops acks whose contract is not in live. Acks for replaced
// contracts are ignored by the coordinator anyway; pruning only bounds
// memory. Returns the number of acks removed.
func (r *Registry) Prune(live func(table.ContractID) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key := range r.acks {
		if !live(key.Contract) {
			delete(r.acks, key)
			removed++
		}
	}
	if removed > 0 {
		r.notifyLocked()
	}
	return removed
}

// Get returns the ack from server for contract.
func (r *Registry) Get(server table.ServerID, contract table.ContractID) (table.Ack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ack, ok := r.acks[table.AckKey{Server: server, Contract: contract}]
	return ack, ok
}

// ReadAll returns a copy of every stored ack.
func (r *Registry) ReadAll() map[table.AckKey]table.Ack {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[table.AckKey]table.Ack, len(r.acks))
	for k, v := range r.acks {
		out[k] = v
	}
	return out
}

// Len returns the number of stored acks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.acks)
}

// Subscribe registers for change notifications. The returned cancel
// function unregisters; the channel is never closed, so readers should
// select on it together with their own shutdown signal.
//
// Example:
//
//	changed, cancel := registry.Subscribe()
//	defer cancel()
//	for {
//	    select {
//	    case <-changed:
//	        acks := registry.ReadAll()
//	        ...
//	    case <-ctx.Done():
//	        return
//	    }
//	}
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// notifyLocked pulses every subscriber without blocking. Caller holds mu.
func (r *Registry) notifyLocked() {
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
