// Package cluster defines the collaboration surface the rest of the module
// needs from the cluster layer: barriers, broadcast, and membership. The
// concrete implementation (a real distributed coordinator) lives outside
// this module's scope; this package also provides a single-node
// implementation so the executive can run standalone and so tests don't
// need a real cluster.
package cluster

import (
	"context"
	"fmt"
	"sync"
)

// NodeID identifies a cluster member.
type NodeID uint32

// Collaborator is everything the registry's reconciliation protocol and the
// PR engine's cross-node ordering need from the cluster layer.
type Collaborator interface {
	// Self returns this node's id.
	Self() NodeID
	// Barrier blocks until every live member has called Barrier with the
	// same step name, then returns. A member going down between calls does
	// not block the rest forever; it is dropped from that barrier's set.
	Barrier(ctx context.Context, step string) error
	// Broadcast sends payload tagged with step to every other live member
	// and returns the full per-node map (including this node's own entry).
	Broadcast(ctx context.Context, step string, payload []byte) (map[NodeID][]byte, error)
	// Members returns the current, agreed membership.
	Members() []NodeID
	// Sequence returns the next value of a cluster-wide monotonic counter
	// identified by key, atomically incremented exactly once per call
	// across every member. This is the ticket-allocation primitive a
	// rotating-token or leader-driven ordering algorithm is built on; the
	// PR engine uses it to assign each cluster PR event a total order.
	Sequence(ctx context.Context, key string) (uint64, error)
}

// Single is a Collaborator for a cluster of exactly one node: every
// Barrier and Broadcast is an immediate local no-op loopback. It lets the
// LUM executive and registry run on a single box without a real
// distributed coordinator, and backs unit tests that don't exercise
// multi-node fan-out.
type Single struct {
	self     NodeID
	mu       sync.Mutex
	counters map[string]uint64
}

// NewSingle returns a one-node Collaborator.
func NewSingle(self NodeID) *Single {
	return &Single{self: self}
}

func (s *Single) Self() NodeID { return s.self }

func (s *Single) Barrier(ctx context.Context, step string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *Single) Broadcast(ctx context.Context, step string, payload []byte) (map[NodeID][]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[NodeID][]byte{s.self: payload}, nil
}

func (s *Single) Members() []NodeID { return []NodeID{s.self} }

func (s *Single) Sequence(ctx context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters == nil {
		s.counters = make(map[string]uint64)
	}
	s.counters[key]++
	return s.counters[key], nil
}

// Mock is an in-memory multi-node Collaborator for tests: a set of Mock
// instances sharing a *mockHub act like a real barrier/broadcast fan-out
// without any network.
type Mock struct {
	self NodeID
	hub  *mockHub
}

type mockHub struct {
	mu       sync.Mutex
	members  []NodeID
	steps    map[string]*mockStep
	counters map[string]uint64
}

type mockStep struct {
	mu      sync.Mutex
	arrived map[NodeID][]byte
	done    chan struct{}
}

// NewMockCluster builds len(ids) linked Mock collaborators sharing the same
// membership and barrier/broadcast state.
func NewMockCluster(ids ...NodeID) []*Mock {
	hub := &mockHub{
		members:  append([]NodeID(nil), ids...),
		steps:    make(map[string]*mockStep),
		counters: make(map[string]uint64),
	}
	out := make([]*Mock, len(ids))
	for i, id := range ids {
		out[i] = &Mock{self: id, hub: hub}
	}
	return out
}

func (m *Mock) Self() NodeID { return m.self }

func (m *Mock) Members() []NodeID {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return append([]NodeID(nil), m.hub.members...)
}

func (m *Mock) stepFor(name string) *mockStep {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	s, ok := m.hub.steps[name]
	if !ok {
		s = &mockStep{arrived: make(map[NodeID][]byte), done: make(chan struct{})}
		m.hub.steps[name] = s
	}
	return s
}

func (m *Mock) arrive(step *mockStep, payload []byte) {
	step.mu.Lock()
	step.arrived[m.self] = payload
	n := len(step.arrived)
	step.mu.Unlock()
	if n == len(m.hub.members) {
		close(step.done)
	}
}

func (m *Mock) Sequence(ctx context.Context, key string) (uint64, error) {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.hub.counters[key]++
	return m.hub.counters[key], nil
}

func (m *Mock) Barrier(ctx context.Context, name string) error {
	step := m.stepFor(fmt.Sprintf("barrier:%s", name))
	m.arrive(step, nil)
	select {
	case <-step.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mock) Broadcast(ctx context.Context, name string, payload []byte) (map[NodeID][]byte, error) {
	step := m.stepFor(fmt.Sprintf("broadcast:%s", name))
	m.arrive(step, payload)
	select {
	case <-step.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	step.mu.Lock()
	defer step.mu.Unlock()
	out := make(map[NodeID][]byte, len(step.arrived))
	for k, v := range step.arrived {
		out[k] = v
	}
	return out, nil
}
