package table

import (
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// ServerID identifies a server in the cluster, e.g. "s1" or "node-3".
type ServerID string

// ContractID is the opaque identity of a contract. A new one is minted for
// every contract the coordinator issues.
type ContractID string

// Epoch is the branch identifier of a contract. It increases each time a new
// primary is named for a range.
type Epoch uint64

// NewContractID mints a fresh random contract identity.
func NewContractID() ContractID {
	return ContractID(uuid.NewString())
}

// Contract assigns one key range to a primary and a replica set.
//
// Contracts are never modified once they have been committed; the
// coordinator replaces a contract by issuing a new one with a new ID. Acks
// refer to a ContractID, so an ack for a replaced contract is stale by
// construction.
type Contract struct {
	// ID is unique per issued contract.
	ID ContractID `json:"id"`

	// Range is the part of the key space this contract governs.
	Range KeyRange `json:"range"`

	// Primary accepts writes for Range. Empty while a failover is in
	// progress.
	Primary ServerID `json:"primary,omitempty"`

	// HandOver names the server Primary is handing writes to. The primary
	// stops accepting writes as soon as it sees a contract with HandOver set.
	HandOver ServerID `json:"hand_over,omitempty"`

	// Replicas holds every server that stores Range, primary included.
	Replicas []ServerID `json:"replicas"`

	// Voters are the replicas whose acknowledgements count towards a write
	// quorum. New replicas are not voters until they have caught up.
	Voters []ServerID `json:"voters"`

	// TempVoters is the target voter set during a voter change. While set,
	// writes need a majority of both Voters and TempVoters.
	TempVoters []ServerID `json:"temp_voters,omitempty"`

	// Epoch is bumped whenever a new primary is named.
	Epoch Epoch `json:"epoch"`
}

// Clone returns a deep copy of c.
func (c Contract) Clone() Contract {
	out := c
	out.Replicas = slices.Clone(c.Replicas)
	out.Voters = slices.Clone(c.Voters)
	out.TempVoters = slices.Clone(c.TempVoters)
	return out
}

// Equivalent reports whether c and o make the same assignment, ignoring
// their IDs.
func (c Contract) Equivalent(o Contract) bool {
	return c.Range == o.Range &&
		c.Primary == o.Primary &&
		c.HandOver == o.HandOver &&
		c.Epoch == o.Epoch &&
		slices.Equal(c.Replicas, o.Replicas) &&
		slices.Equal(c.Voters, o.Voters) &&
		slices.Equal(c.TempVoters, o.TempVoters)
}

// VoterChangeInProgress reports whether the contract carries a joint voter
// set.
func (c Contract) VoterChangeInProgress() bool {
	return len(c.TempVoters) > 0
}

// References reports whether the contract names server in any role.
func (c Contract) References(server ServerID) bool {
	return c.Primary == server ||
		c.HandOver == server ||
		slices.Contains(c.Replicas, server) ||
		slices.Contains(c.Voters, server) ||
		slices.Contains(c.TempVoters, server)
}

// IsVoter reports whether server is in Voters or TempVoters.
func (c Contract) IsVoter(server ServerID) bool {
	return slices.Contains(c.Voters, server) || slices.Contains(c.TempVoters, server)
}

// SortServers returns a sorted copy of ids with duplicates and empty ids
// removed. Server sets are always stored in this form so that contracts can
// be compared with slices.Equal.
func SortServers(ids []ServerID) []ServerID {
	out := make([]ServerID, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// UnionServers merges the given sets into one sorted set.
func UnionServers(sets ...[]ServerID) []ServerID {
	var all []ServerID
	for _, s := range sets {
		all = append(all, s...)
	}
	return SortServers(all)
}

// WithoutServer returns ids minus server, preserving order.
func WithoutServer(ids []ServerID, server ServerID) []ServerID {
	out := make([]ServerID, 0, len(ids))
	for _, id := range ids {
		if id != server {
			out = append(out, id)
		}
	}
	return out
}
