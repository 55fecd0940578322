package raftex

import (
	"context"
	"sync"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// InprocTransport wires raft services of one process together, mainly for
// tests and single-binary clusters. Individual hosts can be isolated to
// simulate crashes and partitions.
type InprocTransport struct {
	mu       sync.RWMutex
	services map[string]*Service
	isolated map[string]bool
}

// NewInprocTransport creates an empty in-process fabric.
func NewInprocTransport() *InprocTransport {
	return &InprocTransport{
		services: make(map[string]*Service),
		isolated: make(map[string]bool),
	}
}

// Register attaches a service to the fabric.
func (t *InprocTransport) Register(s *Service) {
	t.mu.Lock()
	t.services[s.Local().String()] = s
	t.mu.Unlock()
}

// Isolate cuts a host off in both directions, simulating a crash or a
// network partition.
func (t *InprocTransport) Isolate(addr types.HostAddr, down bool) {
	t.mu.Lock()
	t.isolated[addr.String()] = down
	t.mu.Unlock()
}

func (t *InprocTransport) lookup(from, to types.HostAddr) (*Service, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.isolated[from.String()] || t.isolated[to.String()] {
		return nil, status.New(status.ErrDisconnected, "host %s unreachable", to)
	}
	s, ok := t.services[to.String()]
	if !ok {
		return nil, status.New(status.ErrDisconnected, "host %s unknown", to)
	}
	return s, nil
}

// hostTransport binds the fabric to one sender so isolation cuts both
// directions.
type hostTransport struct {
	fabric *InprocTransport
	local  types.HostAddr
}

// ForHost returns the transport one host should hand to its parts.
func (t *InprocTransport) ForHost(local types.HostAddr) Transport {
	return &hostTransport{fabric: t, local: local}
}

func (h *hostTransport) AskForVote(ctx context.Context, target types.HostAddr, req *VoteRequest) (*VoteResponse, error) {
	s, err := h.fabric.lookup(h.local, target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, status.New(status.ErrTimeout, "vote rpc: %v", err)
	}
	return s.HandleAskForVote(req), nil
}

func (h *hostTransport) AppendLog(ctx context.Context, target types.HostAddr, req *AppendRequest) (*AppendResponse, error) {
	s, err := h.fabric.lookup(h.local, target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, status.New(status.ErrTimeout, "append rpc: %v", err)
	}
	return s.HandleAppendLog(req), nil
}

func (h *hostTransport) SendSnapshot(ctx context.Context, target types.HostAddr, req *SnapshotRequest) (*SnapshotResponse, error) {
	s, err := h.fabric.lookup(h.local, target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, status.New(status.ErrTimeout, "snapshot rpc: %v", err)
	}
	return s.HandleSendSnapshot(req), nil
}
