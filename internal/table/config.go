package table

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrInvalidConfig is returned when a table configuration does not describe
// a usable table.
var ErrInvalidConfig = errors.New("invalid table config")

// WriteAcks is the number of replica acknowledgements a write waits for.
type WriteAcks string

const (
	// WriteAcksMajority waits for a majority of voters.
	WriteAcksMajority WriteAcks = "majority"
	// WriteAcksSingle waits for the primary only.
	WriteAcksSingle WriteAcks = "single"
)

// Durability says whether replicas flush a write before acknowledging it.
type Durability string

const (
	DurabilityHard Durability = "hard"
	DurabilitySoft Durability = "soft"
)

// ShardConfig is the desired assignment for one shard of the table.
type ShardConfig struct {
	Range    KeyRange   `json:"range" yaml:"range" toml:"range"`
	Primary  ServerID   `json:"primary" yaml:"primary" toml:"primary"`
	Replicas []ServerID `json:"replicas" yaml:"replicas" toml:"replicas"`
}

// TableConfig is the user-visible desired state of the table. It is only
// ever replaced as a whole.
type TableConfig struct {
	Name       string        `json:"name" yaml:"name" toml:"name"`
	Shards     []ShardConfig `json:"shards" yaml:"shards" toml:"shards"`
	WriteAcks  WriteAcks     `json:"write_acks,omitempty" yaml:"write_acks,omitempty" toml:"write_acks"`
	Durability Durability    `json:"durability,omitempty" yaml:"durability,omitempty" toml:"durability"`
}

// Clone returns a deep copy of c.
func (c TableConfig) Clone() TableConfig {
	out := c
	out.Shards = make([]ShardConfig, len(c.Shards))
	for i, s := range c.Shards {
		out.Shards[i] = ShardConfig{
			Range:    s.Range,
			Primary:  s.Primary,
			Replicas: slices.Clone(s.Replicas),
		}
	}
	return out
}

// Normalize sorts each shard's replica set and makes sure the primary is
// part of it.
func (c *TableConfig) Normalize() {
	for i := range c.Shards {
		c.Shards[i].Replicas = UnionServers(c.Shards[i].Replicas, []ServerID{c.Shards[i].Primary})
	}
	if c.WriteAcks == "" {
		c.WriteAcks = WriteAcksMajority
	}
	if c.Durability == "" {
		c.Durability = DurabilityHard
	}
}

// Validate checks that the shards cover the whole key space exactly once, in
// order, and that every shard has a primary and replicas.
func (c TableConfig) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("%w: no shards", ErrInvalidConfig)
	}
	next := ""
	for i, s := range c.Shards {
		if s.Range.Start != next {
			return fmt.Errorf("%w: shard %d starts at %q, expected %q", ErrInvalidConfig, i, s.Range.Start, next)
		}
		if s.Range.IsEmpty() {
			return fmt.Errorf("%w: shard %d has empty range %s", ErrInvalidConfig, i, s.Range)
		}
		if s.Range.Unbounded() && i != len(c.Shards)-1 {
			return fmt.Errorf("%w: shard %d is unbounded but is not the last shard", ErrInvalidConfig, i)
		}
		if s.Primary == "" {
			return fmt.Errorf("%w: shard %d has no primary", ErrInvalidConfig, i)
		}
		if !slices.Contains(s.Replicas, s.Primary) {
			return fmt.Errorf("%w: shard %d primary %s is not a replica", ErrInvalidConfig, i, s.Primary)
		}
		for _, r := range s.Replicas {
			if r == "" {
				return fmt.Errorf("%w: shard %d has an empty replica id", ErrInvalidConfig, i)
			}
		}
		next = s.Range.End
	}
	if !c.Shards[len(c.Shards)-1].Range.Unbounded() {
		return fmt.Errorf("%w: shards end at %q and leave the rest of the key space uncovered", ErrInvalidConfig, next)
	}
	switch c.WriteAcks {
	case "", WriteAcksMajority, WriteAcksSingle:
	default:
		return fmt.Errorf("%w: unknown write_acks %q", ErrInvalidConfig, c.WriteAcks)
	}
	switch c.Durability {
	case "", DurabilityHard, DurabilitySoft:
	default:
		return fmt.Errorf("%w: unknown durability %q", ErrInvalidConfig, c.Durability)
	}
	return nil
}

// ShardFor returns the shard whose range contains r entirely.
func (c TableConfig) ShardFor(r KeyRange) (ShardConfig, bool) {
	for _, s := range c.Shards {
		if s.Range.ContainsRange(r) {
			return s, true
		}
	}
	return ShardConfig{}, false
}

// Servers returns every server named by any shard, sorted.
func (c TableConfig) Servers() []ServerID {
	var all []ServerID
	for _, s := range c.Shards {
		all = append(all, s.Replicas...)
		all = append(all, s.Primary)
	}
	return SortServers(all)
}
