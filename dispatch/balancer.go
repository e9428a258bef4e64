package dispatch

import (
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/flowforge/conductor/registry"
)

// Policy names a balancing algorithm, configurable per Dispatcher.
type Policy string

const (
	RoundRobin        Policy = "round_robin"
	LeastConnections  Policy = "least_connections"
	WeightedRoundRobin Policy = "weighted_round_robin"
	Random            Policy = "random"
	ConsistentHash    Policy = "consistent_hash"
	IpHash            Policy = "ip_hash"
)

// candidate pairs a ServerRecord with its current in-flight count, as
// seen by the balancer at pick time.
type candidate struct {
	record   registry.ServerRecord
	inFlight int64
}

// balancer picks one candidate per call according to its Policy. A
// balancer instance is shared across every capability a Dispatcher
// serves; RoundRobin and WeightedRoundRobin counters are therefore
// global to the Dispatcher, not per capability — consistent with
// spec.md §4.4's "global atomic counter modulo candidate count."
type balancer struct {
	policy Policy

	rrCounter  uint64
	wrrCounter uint64
}

func newBalancer(policy Policy) *balancer {
	if policy == "" {
		policy = RoundRobin
	}
	return &balancer{policy: policy}
}

// pick selects one candidate. routingKey is the caller-supplied sticky
// key (ConsistentHash) or IP (IpHash); it's ignored by other policies.
func (b *balancer) pick(cands []candidate, routingKey string) (candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, false
	}

	switch b.policy {
	case LeastConnections:
		return b.pickLeastConnections(cands), true

	case WeightedRoundRobin:
		return b.pickWeightedRoundRobin(cands), true

	case Random:
		return cands[rand.Intn(len(cands))], true

	case ConsistentHash, IpHash:
		return pickByHash(cands, routingKey), true

	default: // RoundRobin
		idx := int(atomic.AddUint64(&b.rrCounter, 1)-1) % len(cands)
		return cands[idx], true
	}
}

func (b *balancer) pickLeastConnections(cands []candidate) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.inFlight < best.inFlight {
			best = c
		}
	}
	return best
}

func (b *balancer) pickWeightedRoundRobin(cands []candidate) candidate {
	expanded := make([]candidate, 0, len(cands))
	for _, c := range cands {
		weight := c.record.Weight
		if weight < 1 {
			weight = 1
		}
		for i := 0; i < weight; i++ {
			expanded = append(expanded, c)
		}
	}
	idx := int(atomic.AddUint64(&b.wrrCounter, 1)-1) % len(expanded)
	return expanded[idx]
}

// pickByHash implements spec.md §4.4's ConsistentHash/IpHash rule: hash
// the routing key, pick the candidate whose hashed identity is the
// smallest value ≥ the key's hash, wrapping around if none qualify.
func pickByHash(cands []candidate, routingKey string) candidate {
	type ring struct {
		hash uint64
		c    candidate
	}
	entries := make([]ring, len(cands))
	for i, c := range cands {
		entries[i] = ring{hash: xxhash.Sum64String(c.record.ID), c: c}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })

	keyHash := xxhash.Sum64String(routingKey)
	for _, e := range entries {
		if e.hash >= keyHash {
			return e.c
		}
	}
	return entries[0].c
}
