package client

import (
	"context"
	"sync"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/storaged"
	"github.com/vergedb/verge/pkg/types"
)

// LocalTransport serves storage calls against in-process services, used
// by tests and single-binary clusters.
type LocalTransport struct {
	mu    sync.RWMutex
	hosts map[string]*storaged.Service
}

// NewLocalTransport creates an empty host map.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{hosts: make(map[string]*storaged.Service)}
}

// Register binds a host address to its in-process service.
func (t *LocalTransport) Register(addr types.HostAddr, svc *storaged.Service) {
	t.mu.Lock()
	t.hosts[addr.String()] = svc
	t.mu.Unlock()
}

func (t *LocalTransport) svc(host types.HostAddr) (*storaged.Service, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.hosts[host.String()]; ok {
		return s, nil
	}
	return nil, status.New(status.ErrDisconnected, "host %s unknown", host)
}

func (t *LocalTransport) AddVertices(ctx context.Context, host types.HostAddr, req *storaged.AddVerticesRequest) (*storaged.ExecResponse, error) {
	s, err := t.svc(host)
	if err != nil {
		return nil, err
	}
	return s.AddVertices(ctx, req), nil
}

func (t *LocalTransport) AddEdges(ctx context.Context, host types.HostAddr, req *storaged.AddEdgesRequest) (*storaged.ExecResponse, error) {
	s, err := t.svc(host)
	if err != nil {
		return nil, err
	}
	return s.AddEdges(ctx, req), nil
}

func (t *LocalTransport) DeleteVertices(ctx context.Context, host types.HostAddr, req *storaged.DeleteVerticesRequest) (*storaged.ExecResponse, error) {
	s, err := t.svc(host)
	if err != nil {
		return nil, err
	}
	return s.DeleteVertices(ctx, req), nil
}

func (t *LocalTransport) DeleteEdges(ctx context.Context, host types.HostAddr, req *storaged.DeleteEdgesRequest) (*storaged.ExecResponse, error) {
	s, err := t.svc(host)
	if err != nil {
		return nil, err
	}
	return s.DeleteEdges(ctx, req), nil
}

func (t *LocalTransport) GetProps(ctx context.Context, host types.HostAddr, req *storaged.GetPropsRequest) (*storaged.GetPropsResponse, error) {
	s, err := t.svc(host)
	if err != nil {
		return nil, err
	}
	return s.GetProps(ctx, req), nil
}

func (t *LocalTransport) GetNeighbors(ctx context.Context, host types.HostAddr, req *storaged.GetNeighborsRequest) (*storaged.GetNeighborsResponse, error) {
	s, err := t.svc(host)
	if err != nil {
		return nil, err
	}
	return s.GetNeighbors(ctx, req), nil
}

func (t *LocalTransport) UpdateVertex(ctx context.Context, host types.HostAddr, req *storaged.UpdateVertexRequest) (*storaged.UpdateResponse, error) {
	s, err := t.svc(host)
	if err != nil {
		return nil, err
	}
	return s.UpdateVertex(ctx, req)
}

func (t *LocalTransport) UpdateEdge(ctx context.Context, host types.HostAddr, req *storaged.UpdateEdgeRequest) (*storaged.UpdateResponse, error) {
	s, err := t.svc(host)
	if err != nil {
		return nil, err
	}
	return s.UpdateEdge(ctx, req)
}

func (t *LocalTransport) LookupIndex(ctx context.Context, host types.HostAddr, req *storaged.LookupIndexRequest) (*storaged.LookupIndexResponse, error) {
	s, err := t.svc(host)
	if err != nil {
		return nil, err
	}
	return s.LookupIndex(ctx, req), nil
}

// StaticLocator is a fixed topology map, used by tests and single-host
// deployments.
type StaticLocator struct {
	mu     sync.RWMutex
	counts map[types.GraphSpaceID]uint32
	hosts  map[types.GraphSpaceID]map[types.PartitionID][]types.HostAddr
}

// NewStaticLocator creates an empty topology.
func NewStaticLocator() *StaticLocator {
	return &StaticLocator{
		counts: make(map[types.GraphSpaceID]uint32),
		hosts:  make(map[types.GraphSpaceID]map[types.PartitionID][]types.HostAddr),
	}
}

// AddSpace declares a space's partition count.
func (l *StaticLocator) AddSpace(space types.GraphSpaceID, parts uint32) {
	l.mu.Lock()
	l.counts[space] = parts
	if l.hosts[space] == nil {
		l.hosts[space] = make(map[types.PartitionID][]types.HostAddr)
	}
	l.mu.Unlock()
}

// SetPartHosts declares a partition's replica hosts.
func (l *StaticLocator) SetPartHosts(space types.GraphSpaceID, part types.PartitionID, hosts []types.HostAddr) {
	l.mu.Lock()
	if l.hosts[space] == nil {
		l.hosts[space] = make(map[types.PartitionID][]types.HostAddr)
	}
	l.hosts[space][part] = hosts
	l.mu.Unlock()
}

func (l *StaticLocator) PartitionCount(space types.GraphSpaceID) (uint32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n, ok := l.counts[space]; ok {
		return n, nil
	}
	return 0, status.New(status.ErrNotFound, "space %d unknown", space)
}

func (l *StaticLocator) PartHosts(space types.GraphSpaceID, part types.PartitionID) ([]types.HostAddr, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if hosts, ok := l.hosts[space][part]; ok {
		return hosts, nil
	}
	return nil, status.New(status.ErrPartNotFound, "part %d/%d unknown", space, part)
}
