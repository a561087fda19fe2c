// Package table defines the replicated data model of a sharded table: the
// user-visible table configuration, the contracts that assign each key range
// to a primary and a set of replicas, the acks replica executors report
// against those contracts, and the membership entries that track each
// server's participation in the table's Raft group.
//
// # Overview
//
// Everything in this package is a plain value. The consensus engine owns the
// committed copy of a State; the coordinator reads a Snapshot, derives a new
// State from it and proposes the whole thing back. Values returned from a
// Snapshot must be treated as read-only: use Clone before mutating.
//
// # Contracts
//
// A Contract governs one KeyRange:
//
//	┌──────────────────────────────────────────────┐
//	│ Contract 7f1c…                                │
//	├──────────────────────────────────────────────┤
//	│ Range:      ["", "m")                         │
//	│ Primary:    s1      HandOver: -               │
//	│ Replicas:   s1 s2 s3                          │
//	│ Voters:     s1 s2   TempVoters: -             │
//	│ Epoch:      4                                 │
//	└──────────────────────────────────────────────┘
//
// Contracts are immutable once created. Any change to a range's assignment
// produces a Contract with a fresh ContractID, so an Ack always refers to
// exactly one assignment. Epoch increases each time a new primary is named
// and lets replicas and the coordinator discard acks from earlier primaries.
//
// # Invariants
//
//   - Contracts never overlap: every key is governed by at most one contract.
//   - A table configuration covers the whole key space with contiguous,
//     non-overlapping shards, each with a primary drawn from its replicas.
//   - Voters, TempVoters, Primary and HandOver are always members of Replicas.
//
// # Membership
//
// A MemberEntry moves through absent → observer → voting → retiring → absent.
// RaftConfig is the consensus engine's own view of voting and non-voting
// members, keyed by RaftMemberID.
package table
