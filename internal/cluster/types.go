package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/tablecoord/internal/table"
)

// ServerInfo is a replica server known to the coordinator and the address of
// its executor.
type ServerInfo struct {
	ID   table.ServerID `json:"id" yaml:"id" toml:"id"`
	Addr string         `json:"addr" yaml:"addr" toml:"addr"`
}

// AckReport is one ack published by a replica executor.
type AckReport struct {
	Server   table.ServerID   `json:"server"`
	Contract table.ContractID `json:"contract"`
	Ack      table.Ack        `json:"ack"`
}

// Validate checks the fields every report must carry.
func (r AckReport) Validate() error {
	if r.Server == "" {
		return fmt.Errorf("ack report: missing server")
	}
	if r.Contract == "" {
		return fmt.Errorf("ack report: missing contract")
	}
	if !r.Ack.State.Valid() {
		return fmt.Errorf("ack report: unknown state %q", r.Ack.State)
	}
	return nil
}

// AckDelete withdraws an executor's ack. An empty Contract withdraws every
// ack the server published.
type AckDelete struct {
	Server   table.ServerID   `json:"server"`
	Contract table.ContractID `json:"contract,omitempty"`
}

// StateResponse is the coordinator's committed state as served to executors
// and operators.
type StateResponse struct {
	Index     table.LogIndex      `json:"index"`
	Config    table.TableConfig   `json:"config"`
	Contracts []table.Contract    `json:"contracts"`
	Members   []table.MemberEntry `json:"members"`
	Raft      table.RaftConfig    `json:"raft"`
}

// NewStateResponse flattens a snapshot into its wire form, with contracts
// ordered by range and members by server id.
func NewStateResponse(snap table.Snapshot) StateResponse {
	resp := StateResponse{
		Index:     snap.Index,
		Config:    snap.State.Config,
		Contracts: snap.State.SortedContracts(),
		Members:   make([]table.MemberEntry, 0, len(snap.State.Members)),
		Raft:      snap.Raft,
	}
	for _, id := range sortedMemberIDs(snap.State.Members) {
		resp.Members = append(resp.Members, snap.State.Members[id])
	}
	return resp
}

// ContractsFor returns the contracts that name server in any role.
func (s StateResponse) ContractsFor(server table.ServerID) []table.Contract {
	var out []table.Contract
	for _, c := range s.Contracts {
		if c.References(server) {
			out = append(out, c)
		}
	}
	return out
}

// ConfigResponse reports the outcome of a configuration change.
type ConfigResponse struct {
	Index     table.LogIndex `json:"index,omitempty"`
	Committed bool           `json:"committed"`
	Error     string         `json:"error,omitempty"`
}

func sortedMemberIDs(m map[table.ServerID]table.MemberEntry) []table.ServerID {
	ids := make([]table.ServerID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return table.SortServers(ids)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned when the peer answers with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Status)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Status, e.Body)
}

// PostJSON sends body as JSON and decodes the response into out, if non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPost, url, body, out)
}

// PutJSON is PostJSON with the PUT method.
func PutJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPut, url, body, out)
}

// DeleteJSON is PostJSON with the DELETE method.
func DeleteJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodDelete, url, body, out)
}

// GetJSON fetches url and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: url, Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
