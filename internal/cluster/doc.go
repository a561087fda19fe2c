// Package cluster defines the HTTP/JSON wire protocol between the table
// coordinator and the replica executors, plus small helpers for speaking it.
//
// # Overview
//
// The coordinator is the hub. Executors never talk to each other through
// this package; they poll the coordinator for committed state and publish
// acks back:
//
//	            ┌────────────────────┐
//	            │    Coordinator     │
//	            │  - /state          │
//	            │  - /acks           │
//	            │  - /config         │
//	            └─────────┬──────────┘
//	                      │
//	      ┌───────────────┼───────────────┐
//	      │               │               │
//	┌─────▼─────┐   ┌─────▼─────┐   ┌─────▼─────┐
//	│ Executor  │   │ Executor  │   │ Executor  │
//	│    s1     │   │    s2     │   │    s3     │
//	└───────────┘   └───────────┘   └───────────┘
//
// # Messages
//
// StateResponse (GET /state): the committed configuration, contracts,
// membership entries and Raft configuration at one log index.
//
// AckReport (POST /acks): an executor's progress against one contract.
// Acks are advisory; the coordinator only acts on acks whose epoch matches
// the contract they name.
//
// AckDelete (DELETE /acks): withdraws one ack or all of a server's acks,
// e.g. when an executor shuts down.
//
// TableConfig (PUT /config): replaces the table configuration. The response
// is a ConfigResponse; Committed is false when the change lost a race and
// should be retried against fresh state.
//
// Health Checking (GET /health): liveness probes from the coordinator to
// executors. Unhealthy executors are never elected primary.
//
// # Helpers
//
// PostJSON, PutJSON, DeleteJSON and GetJSON send a JSON request with the
// caller's context and decode the response. Non-2xx responses are returned
// as *StatusError.
package cluster
