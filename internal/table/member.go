package table

import (
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// RaftMemberID is a server's identity inside the table's Raft group. A
// server that leaves and rejoins gets a new one.
type RaftMemberID string

// NewRaftMemberID mints a fresh Raft member identity.
func NewRaftMemberID() RaftMemberID {
	return RaftMemberID(uuid.NewString())
}

// MemberStatus is the bookkeeping state of a membership entry.
type MemberStatus string

const (
	// MemberObserver receives the log but does not vote.
	MemberObserver MemberStatus = "observer"
	// MemberVoting is a full voting member of the Raft group.
	MemberVoting MemberStatus = "voting"
	// MemberRetiring is being removed from the Raft group.
	MemberRetiring MemberStatus = "retiring"
)

// MemberEntry records a server's participation in the table's Raft group.
type MemberEntry struct {
	Server ServerID     `json:"server"`
	RaftID RaftMemberID `json:"raft_id"`
	Status MemberStatus `json:"status"`
}

// RaftConfig is the consensus engine's membership configuration.
type RaftConfig struct {
	Voters    []RaftMemberID `json:"voters"`
	NonVoters []RaftMemberID `json:"non_voters"`
}

// Clone returns a deep copy of c.
func (c RaftConfig) Clone() RaftConfig {
	return RaftConfig{
		Voters:    slices.Clone(c.Voters),
		NonVoters: slices.Clone(c.NonVoters),
	}
}

// IsVoter reports whether id is a voting member.
func (c RaftConfig) IsVoter(id RaftMemberID) bool {
	return slices.Contains(c.Voters, id)
}

// Contains reports whether id is a member in any role.
func (c RaftConfig) Contains(id RaftMemberID) bool {
	return slices.Contains(c.Voters, id) || slices.Contains(c.NonVoters, id)
}

// Equal compares two configurations. Both must be sorted.
func (c RaftConfig) Equal(o RaftConfig) bool {
	return slices.Equal(c.Voters, o.Voters) && slices.Equal(c.NonVoters, o.NonVoters)
}

// Sorted returns a copy with both member lists sorted and deduplicated.
func (c RaftConfig) Sorted() RaftConfig {
	out := c.Clone()
	slices.Sort(out.Voters)
	out.Voters = slices.Compact(out.Voters)
	slices.Sort(out.NonVoters)
	out.NonVoters = slices.Compact(out.NonVoters)
	return out
}
