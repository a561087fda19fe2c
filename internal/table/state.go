package table

import (
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrCorruptState is returned by State.Validate when committed state breaks
// an invariant the coordinator relies on.
var ErrCorruptState = errors.New("corrupt table state")

// LogIndex is the position of a committed entry in the table's Raft log.
type LogIndex uint64

// State is the replicated bundle held by the consensus engine.
type State struct {
	Config    TableConfig              `json:"config"`
	Contracts map[ContractID]Contract  `json:"contracts"`
	Members   map[ServerID]MemberEntry `json:"members"`
}

// Snapshot is one consistent view of the committed state.
type Snapshot struct {
	Index LogIndex   `json:"index"`
	State State      `json:"state"`
	Raft  RaftConfig `json:"raft"`
}

// NewState returns an empty state with initialised maps.
func NewState() State {
	return State{
		Contracts: make(map[ContractID]Contract),
		Members:   make(map[ServerID]MemberEntry),
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{
		Config:    s.Config.Clone(),
		Contracts: make(map[ContractID]Contract, len(s.Contracts)),
		Members:   make(map[ServerID]MemberEntry, len(s.Members)),
	}
	for id, c := range s.Contracts {
		out.Contracts[id] = c.Clone()
	}
	maps.Copy(out.Members, s.Members)
	return out
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{Index: s.Index, State: s.State.Clone(), Raft: s.Raft.Clone()}
}

// SortedContracts returns the contracts ordered by range start.
func (s State) SortedContracts() []Contract {
	out := make([]Contract, 0, len(s.Contracts))
	for _, c := range s.Contracts {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Contract) int {
		switch {
		case a.Range.Start < b.Range.Start:
			return -1
		case a.Range.Start > b.Range.Start:
			return 1
		}
		return 0
	})
	return out
}

// Validate checks the invariants every committed state must hold: the
// configuration (once set) is valid, contracts are well formed and no two
// contracts govern the same key.
func (s State) Validate() error {
	if len(s.Config.Shards) > 0 {
		if err := s.Config.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
	}
	for id, c := range s.Contracts {
		if id != c.ID {
			return fmt.Errorf("%w: contract stored under %s has id %s", ErrCorruptState, id, c.ID)
		}
		if err := validateContract(c); err != nil {
			return fmt.Errorf("%w: contract %s: %v", ErrCorruptState, id, err)
		}
	}
	sorted := s.SortedContracts()
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Range.Overlaps(cur.Range) {
			return fmt.Errorf("%w: contracts %s %s and %s %s overlap",
				ErrCorruptState, prev.ID, prev.Range, cur.ID, cur.Range)
		}
	}
	for server, m := range s.Members {
		if server != m.Server {
			return fmt.Errorf("%w: member stored under %s names %s", ErrCorruptState, server, m.Server)
		}
	}
	return nil
}

func validateContract(c Contract) error {
	if c.Range.IsEmpty() {
		return fmt.Errorf("empty range %s", c.Range)
	}
	if len(c.Voters) == 0 {
		return errors.New("no voters")
	}
	for _, v := range UnionServers(c.Voters, c.TempVoters, []ServerID{c.Primary, c.HandOver}) {
		if !slices.Contains(c.Replicas, v) {
			return fmt.Errorf("%s is not a replica", v)
		}
	}
	if c.HandOver != "" && c.Primary == "" {
		return errors.New("hand-over without a primary")
	}
	return nil
}
