package table

// AckState is the progress a replica reports against one contract.
type AckState string

const (
	// AckPrimaryInProgress: the primary is still preparing to accept writes.
	AckPrimaryInProgress AckState = "primary_in_progress"
	// AckPrimaryReady: the primary is accepting writes under this contract.
	// For a contract with TempVoters it also means every earlier write has
	// reached a majority of the new voter set.
	AckPrimaryReady AckState = "primary_ready"
	// AckPrimaryStopped: the primary saw HandOver, stopped accepting writes,
	// and reports its last committed position in Version.
	AckPrimaryStopped AckState = "primary_stopped"
	// AckSecondaryNeedPrimary: the replica has no usable primary. Version
	// is its last committed position.
	AckSecondaryNeedPrimary AckState = "secondary_need_primary"
	// AckSecondaryBackfilling: the replica is still catching up.
	AckSecondaryBackfilling AckState = "secondary_backfilling"
	// AckSecondaryStreaming: the replica is caught up and receives writes
	// from the primary as they happen.
	AckSecondaryStreaming AckState = "secondary_streaming"
	// AckNothing: the replica holds no data for this contract.
	AckNothing AckState = "nothing"
)

// Ack is a replica's status report for one contract. Acks are advisory:
// missing acks only mean "not ready yet".
type Ack struct {
	State   AckState `json:"state"`
	Epoch   Epoch    `json:"epoch"`
	Version uint64   `json:"version,omitempty"`
}

// AckKey identifies an ack by reporting server and contract.
type AckKey struct {
	Server   ServerID   `json:"server"`
	Contract ContractID `json:"contract"`
}

// Ready reports whether the ack shows a replica that is fully caught up with
// its role: a serving primary or a streaming secondary.
func (a Ack) Ready() bool {
	return a.State == AckPrimaryReady || a.State == AckSecondaryStreaming
}

// Valid reports whether s is a known ack state.
func (s AckState) Valid() bool {
	switch s {
	case AckPrimaryInProgress, AckPrimaryReady, AckPrimaryStopped,
		AckSecondaryNeedPrimary, AckSecondaryBackfilling, AckSecondaryStreaming, AckNothing:
		return true
	}
	return false
}
