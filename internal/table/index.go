package table

import (
	"fmt"
	"sort"
)

// ContractIndex is a read-only lookup structure over the contracts of one
// snapshot, answering the routing questions the coordinator and replica
// executors ask: which contract governs a key, which contracts involve a
// server, and whether a server is still referenced at all.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│         ContractIndex               │
//	├─────────────────────────────────────┤
//	│  byStart: contracts sorted by Start │
//	│  byServer: server → contract ids    │
//	├─────────────────────────────────────┤
//	│  Key → binary search → Contract     │
//	│  "user:123" → ["m", ∞) → 7f1c…      │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Built once from a snapshot and never mutated
//   - Safe for concurrent readers without locking
//   - Returned contracts are copies
//
// Performance Characteristics:
//   - ContractForKey: O(log n)
//   - ServerContracts: O(1) map lookup plus copy
//   - Build: O(n log n)
type ContractIndex struct {
	// byStart holds every contract ordered by Range.Start. Contracts never
	// overlap, so at most one can contain a key.
	byStart []Contract

	// byServer maps each referenced server to the contracts naming it,
	// ordered by range.
	byServer map[ServerID][]ContractID
}

// NewContractIndex builds an index over the contracts of s.
//
// Parameters:
//   - s: the state whose contracts are indexed
//
// Returns:
//   - An index that stays valid for as long as the caller keeps it; it does
//     not observe later changes to s.
//
// Example:
//
//	idx := table.NewContractIndex(snap.State)
//	c, ok := idx.ContractForKey("user:123")
func NewContractIndex(s State) *ContractIndex {
	idx := &ContractIndex{
		byStart:  s.SortedContracts(),
		byServer: make(map[ServerID][]ContractID),
	}
	for i := range idx.byStart {
		c := idx.byStart[i].Clone()
		idx.byStart[i] = c
		for _, server := range UnionServers(c.Replicas, c.Voters, c.TempVoters, []ServerID{c.Primary, c.HandOver}) {
			idx.byServer[server] = append(idx.byServer[server], c.ID)
		}
	}
	return idx
}

// ContractForKey finds the contract governing key.
//
// Returns:
//   - Copy of the contract and true when a contract covers the key
//   - Zero contract and false when the key is not covered (only possible
//     before the first contracts of a table have been issued)
func (x *ContractIndex) ContractForKey(key string) (Contract, bool) {
	// First contract whose start is beyond key; the candidate is the one
	// before it.
	i := sort.Search(len(x.byStart), func(i int) bool {
		return x.byStart[i].Range.Start > key
	})
	if i == 0 {
		return Contract{}, false
	}
	c := x.byStart[i-1]
	if !c.Range.Contains(key) {
		return Contract{}, false
	}
	return c.Clone(), true
}

// PrimaryForKey returns the server accepting writes for key.
//
// Error Cases:
//   - No contract covers the key
//   - The governing contract has no primary (failover in progress)
//   - The primary is handing over and has stopped accepting writes
func (x *ContractIndex) PrimaryForKey(key string) (ServerID, error) {
	c, ok := x.ContractForKey(key)
	if !ok {
		return "", fmt.Errorf("no contract covers key %q", key)
	}
	if c.Primary == "" {
		return "", fmt.Errorf("contract %s for key %q has no primary", c.ID, key)
	}
	if c.HandOver != "" {
		return "", fmt.Errorf("contract %s for key %q is handing over to %s", c.ID, key, c.HandOver)
	}
	return c.Primary, nil
}

// ServerContracts returns the ids of every contract naming server in any
// role, ordered by range. Empty when the server is unreferenced.
func (x *ContractIndex) ServerContracts(server ServerID) []ContractID {
	ids := x.byServer[server]
	out := make([]ContractID, len(ids))
	copy(out, ids)
	return out
}

// References reports whether any contract still names server. The
// membership loop relies on this before retiring a server.
func (x *ContractIndex) References(server ServerID) bool {
	return len(x.byServer[server]) > 0
}

// Contracts returns all indexed contracts ordered by range.
func (x *ContractIndex) Contracts() []Contract {
	out := make([]Contract, len(x.byStart))
	for i, c := range x.byStart {
		out[i] = c.Clone()
	}
	return out
}

// Uncovered returns the parts of the key space no contract governs, in
// order.
func (x *ContractIndex) Uncovered() []KeyRange {
	var gaps []KeyRange
	next := ""
	for _, c := range x.byStart {
		if c.Range.Start > next {
			gaps = append(gaps, KeyRange{Start: next, End: c.Range.Start})
		}
		if c.Range.Unbounded() {
			return gaps
		}
		next = c.Range.End
	}
	return append(gaps, KeyRange{Start: next})
}
