package coordinator

import (
	"context"
	"fmt"

	"github.com/dreamware/tablecoord/internal/observability"
	"github.com/dreamware/tablecoord/internal/table"
)

const contractsLoop = "contracts"

// pumpContracts runs the contract loop until ctx is cancelled or a fatal
// error stops the coordinator.
func (c *Coordinator) pumpContracts(ctx context.Context) {
	defer c.wg.Done()

	commits, stopCommits := c.engine.Subscribe()
	defer stopCommits()
	ackChanges, stopAcks := c.acks.Subscribe()
	defer stopAcks()

	c.pump(ctx, contractsLoop, c.wakeContracts, commits, ackChanges, c.contractsPass)
}

// contractsPass reconciles one snapshot: it computes the next contract for
// every range and proposes all changes as a single transaction against the
// snapshot's index. A rejected proposal is simply retried on the next wake.
func (c *Coordinator) contractsPass(ctx context.Context) error {
	snap := c.engine.Snapshot()
	if err := snap.State.Validate(); err != nil {
		return err
	}
	observability.RecordPass(contractsLoop)

	contracts, changes := planContracts(snap.State, c.acks.ReadAll(), c.isLive)
	if changes == 0 {
		return nil
	}

	next := snap.State.Clone()
	next.Contracts = contracts
	if err := next.Validate(); err != nil {
		return fmt.Errorf("computed contracts are invalid: %w", err)
	}

	c.log.Info().
		Uint64("base", uint64(snap.Index)).
		Int("changes", changes).
		Int("contracts", len(contracts)).
		Msg("proposing contracts")
	for _, ct := range next.SortedContracts() {
		if _, ok := snap.State.Contracts[ct.ID]; ok {
			continue
		}
		logContract(c.log.Debug(), ct).Msg("new contract")
	}

	idx, err := c.engine.ProposeState(ctx, snap.Index, next)
	c.recordProposal(contractsLoop, idx, err)
	return nil
}

func (c *Coordinator) isLive(server table.ServerID) bool {
	if c.liveness == nil {
		return true
	}
	return c.liveness.IsHealthy(server)
}
