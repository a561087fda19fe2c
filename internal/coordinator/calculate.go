package coordinator

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/tablecoord/internal/table"
)

// planContracts computes the next contract set for state. It returns the
// full replacement map and the number of contracts that were replaced,
// split or created. A zero count means the committed contracts already
// match the configuration as far as the acks allow.
func planContracts(
	state table.State,
	acks map[table.AckKey]table.Ack,
	live func(table.ServerID) bool,
) (map[table.ContractID]table.Contract, int) {
	next := make(map[table.ContractID]table.Contract, len(state.Contracts))
	if len(state.Config.Shards) == 0 {
		for id, c := range state.Contracts {
			next[id] = c
		}
		return next, 0
	}

	changes := 0
	for _, c := range state.SortedContracts() {
		pieces := splitContract(c, state.Config)
		if len(pieces) > 1 {
			changes += len(pieces)
		}
		for _, piece := range pieces {
			shard, _ := state.Config.ShardFor(piece.Range)
			updated := calculateContract(piece, shard, contractAcks(piece, acks), live)
			if !updated.Equivalent(piece) {
				updated.ID = table.NewContractID()
				if len(pieces) == 1 {
					changes++
				}
			}
			next[updated.ID] = updated
		}
	}

	gaps := table.NewContractIndex(table.State{Contracts: next}).Uncovered()
	for _, gap := range gaps {
		for _, shard := range state.Config.Shards {
			r, ok := gap.Intersect(shard.Range)
			if !ok {
				continue
			}
			c := initialContract(r, shard)
			next[c.ID] = c
			changes++
		}
	}
	return next, changes
}

// splitContract cuts c along the configuration's shard boundaries. A
// contract that already sits inside one shard is returned unchanged; every
// piece of a split contract gets a fresh ID, so acks for c no longer apply
// to it.
func splitContract(c table.Contract, cfg table.TableConfig) []table.Contract {
	var pieces []table.Contract
	for _, shard := range cfg.Shards {
		r, ok := c.Range.Intersect(shard.Range)
		if !ok {
			continue
		}
		if r == c.Range {
			return []table.Contract{c}
		}
		piece := c.Clone()
		piece.ID = table.NewContractID()
		piece.Range = r
		pieces = append(pieces, piece)
	}
	return pieces
}

// initialContract governs a range that has never had a contract. Only the
// desired primary votes; the other replicas join as non-voting secondaries
// and are promoted once they ack.
func initialContract(r table.KeyRange, shard table.ShardConfig) table.Contract {
	return table.Contract{
		ID:       table.NewContractID(),
		Range:    r,
		Primary:  shard.Primary,
		Replicas: table.UnionServers(shard.Replicas, []table.ServerID{shard.Primary}),
		Voters:   []table.ServerID{shard.Primary},
		Epoch:    1,
	}
}

// contractAcks picks the acks that refer to c and its current epoch. Acks
// for other contracts or earlier epochs are stale and dropped here.
func contractAcks(c table.Contract, all map[table.AckKey]table.Ack) map[table.ServerID]table.Ack {
	out := make(map[table.ServerID]table.Ack, len(c.Replicas))
	for _, server := range c.Replicas {
		ack, ok := all[table.AckKey{Server: server, Contract: c.ID}]
		if ok && ack.Epoch == c.Epoch {
			out[server] = ack
		}
	}
	return out
}

// calculateContract returns the minimal safe successor of old given the
// desired shard and the acks for old. If nothing may change yet the result
// is equivalent to old.
//
// At most one role change happens per contract: primary loss, election,
// hand-over progress, or a voter change. Replica growth and the removal of
// replicas that no longer hold a role ride along with any of them.
func calculateContract(
	old table.Contract,
	shard table.ShardConfig,
	acks map[table.ServerID]table.Ack,
	live func(table.ServerID) bool,
) table.Contract {
	next := old.Clone()
	next.Replicas = table.UnionServers(old.Replicas, shard.Replicas)

	switch {
	case old.Primary == "":
		if p, ok := electPrimary(old, shard, acks, live); ok {
			next.Primary = p
			next.Epoch = old.Epoch + 1
		}

	case primaryLost(old, acks):
		// Too many voters have lost the primary for it to complete a
		// write. Drop it and fall back to the committed
		// voter set; the election happens on a later contract.
		next.Primary = ""
		next.HandOver = ""
		next.TempVoters = nil

	case old.HandOver != "":
		stepHandOver(&next, old, shard, acks)

	case shard.Primary != old.Primary && handOverReady(old, shard.Primary, acks):
		next.HandOver = shard.Primary

	case old.VoterChangeInProgress():
		if ack, ok := acks[old.Primary]; ok && ack.State == table.AckPrimaryReady {
			next.Voters = old.TempVoters
			next.TempVoters = nil
		}

	default:
		if voters := desiredVoters(old, shard, acks); !slices.Equal(voters, old.Voters) {
			next.TempVoters = voters
		}
	}

	next.Replicas = dropIdleReplicas(next, shard)
	return next
}

// primaryLost reports whether the primary can no longer assemble a write
// quorum: the voters that still see it, the primary included, are not a
// majority.
func primaryLost(old table.Contract, acks map[table.ServerID]table.Ack) bool {
	missing := 0
	for _, v := range old.Voters {
		if v == old.Primary {
			continue
		}
		if ack, ok := acks[v]; ok && ack.State == table.AckSecondaryNeedPrimary {
			missing++
		}
	}
	return missing > 0 && missing >= len(old.Voters)-majority(len(old.Voters))+1
}

// majority is the write quorum size for n voters.
func majority(n int) int {
	return n/2 + 1
}

// handOverReady reports whether target can take over from the current
// primary: it must already vote and be streaming under old.
func handOverReady(old table.Contract, target table.ServerID, acks map[table.ServerID]table.Ack) bool {
	if old.VoterChangeInProgress() || !slices.Contains(old.Voters, target) {
		return false
	}
	ack, ok := acks[target]
	return ok && ack.State == table.AckSecondaryStreaming
}

// stepHandOver advances a contract whose primary is handing writes over.
// The target becomes primary, with a new epoch, only once the old primary
// has stopped accepting writes and the target has caught up to the old
// primary's last committed position.
func stepHandOver(next *table.Contract, old table.Contract, shard table.ShardConfig, acks map[table.ServerID]table.Ack) {
	if shard.Primary != old.HandOver {
		// The configuration changed its mind; the old primary resumes.
		next.HandOver = ""
		return
	}
	stopped, ok := acks[old.Primary]
	if !ok || stopped.State != table.AckPrimaryStopped {
		return
	}
	target, ok := acks[old.HandOver]
	if !ok || target.Version < stopped.Version {
		return
	}
	if target.State != table.AckSecondaryStreaming && target.State != table.AckSecondaryNeedPrimary {
		return
	}
	next.Primary = old.HandOver
	next.HandOver = ""
	next.Epoch = old.Epoch + 1
}

// electPrimary picks a new primary for a contract that has none. Enough
// voters to intersect every write quorum must report their last committed
// version; the winner must hold the highest reported version, so it has
// every write a quorum ever acknowledged. The desired primary wins when it
// qualifies; otherwise the lowest server id among qualified live replicas,
// preferring ones the configuration still wants.
func electPrimary(
	old table.Contract,
	shard table.ShardConfig,
	acks map[table.ServerID]table.Ack,
	live func(table.ServerID) bool,
) (table.ServerID, bool) {
	var reporting []table.ServerID
	var highest uint64
	for _, v := range old.Voters {
		ack, ok := acks[v]
		if !ok || ack.State != table.AckSecondaryNeedPrimary {
			continue
		}
		reporting = append(reporting, v)
		if ack.Version > highest {
			highest = ack.Version
		}
	}
	if len(reporting) == 0 || len(reporting) < len(old.Voters)-majority(len(old.Voters))+1 {
		return "", false
	}

	var desired, others []table.ServerID
	for _, v := range reporting {
		if acks[v].Version != highest || !live(v) {
			continue
		}
		if slices.Contains(shard.Replicas, v) {
			desired = append(desired, v)
		} else {
			others = append(others, v)
		}
	}
	if slices.Contains(desired, shard.Primary) {
		return shard.Primary, true
	}
	for _, pool := range [][]table.ServerID{desired, others} {
		if len(pool) > 0 {
			return table.SortServers(pool)[0], true
		}
	}
	return "", false
}

// desiredVoters is the voter set old should move to: current voters the
// configuration still wants, the primary, and desired replicas that are
// streaming under old.
func desiredVoters(old table.Contract, shard table.ShardConfig, acks map[table.ServerID]table.Ack) []table.ServerID {
	voters := []table.ServerID{old.Primary}
	for _, v := range old.Voters {
		if slices.Contains(shard.Replicas, v) {
			voters = append(voters, v)
		}
	}
	for _, r := range shard.Replicas {
		if !slices.Contains(old.Replicas, r) {
			continue
		}
		if ack, ok := acks[r]; ok && ack.State == table.AckSecondaryStreaming {
			voters = append(voters, r)
		}
	}
	return table.SortServers(voters)
}

// dropIdleReplicas removes replicas the configuration no longer wants once
// they hold no role in c. A replica that is not a voter never counted
// towards a write quorum, so it cannot be the only holder of a write.
func dropIdleReplicas(c table.Contract, shard table.ShardConfig) []table.ServerID {
	out := make([]table.ServerID, 0, len(c.Replicas))
	for _, r := range c.Replicas {
		if slices.Contains(shard.Replicas, r) || c.IsVoter(r) || r == c.Primary || r == c.HandOver {
			out = append(out, r)
		}
	}
	return out
}
