package client

import (
	"context"
	"sync"

	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/rpc"
	"github.com/vergedb/verge/pkg/storaged"
	"github.com/vergedb/verge/pkg/types"
)

// connPool caches one framed-rpc client per remote host.
type connPool struct {
	mu    sync.Mutex
	conns map[string]*rpc.Client
}

func newConnPool() *connPool {
	return &connPool{conns: make(map[string]*rpc.Client)}
}

func (p *connPool) get(host types.HostAddr) (*rpc.Client, error) {
	key := host.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[key]; ok {
		return c, nil
	}
	c, err := rpc.Dial(key)
	if err != nil {
		return nil, err
	}
	p.conns[key] = c
	return c, nil
}

func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = make(map[string]*rpc.Client)
}

// RPCStorageTransport speaks the framed protocol to remote storage hosts.
type RPCStorageTransport struct {
	pool *connPool
}

// NewRPCStorageTransport creates an empty connection pool.
func NewRPCStorageTransport() *RPCStorageTransport {
	return &RPCStorageTransport{pool: newConnPool()}
}

// Close tears every cached connection down.
func (t *RPCStorageTransport) Close() { t.pool.close() }

func call[Req, Resp any](t *RPCStorageTransport, ctx context.Context, host types.HostAddr,
	method string, req *Req) (*Resp, error) {
	c, err := t.pool.get(host)
	if err != nil {
		return nil, err
	}
	var resp Resp
	if err := c.Call(ctx, method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *RPCStorageTransport) AddVertices(ctx context.Context, host types.HostAddr, req *storaged.AddVerticesRequest) (*storaged.ExecResponse, error) {
	return call[storaged.AddVerticesRequest, storaged.ExecResponse](t, ctx, host, "storage.addVertices", req)
}

func (t *RPCStorageTransport) AddEdges(ctx context.Context, host types.HostAddr, req *storaged.AddEdgesRequest) (*storaged.ExecResponse, error) {
	return call[storaged.AddEdgesRequest, storaged.ExecResponse](t, ctx, host, "storage.addEdges", req)
}

func (t *RPCStorageTransport) DeleteVertices(ctx context.Context, host types.HostAddr, req *storaged.DeleteVerticesRequest) (*storaged.ExecResponse, error) {
	return call[storaged.DeleteVerticesRequest, storaged.ExecResponse](t, ctx, host, "storage.deleteVertices", req)
}

func (t *RPCStorageTransport) DeleteEdges(ctx context.Context, host types.HostAddr, req *storaged.DeleteEdgesRequest) (*storaged.ExecResponse, error) {
	return call[storaged.DeleteEdgesRequest, storaged.ExecResponse](t, ctx, host, "storage.deleteEdges", req)
}

func (t *RPCStorageTransport) GetProps(ctx context.Context, host types.HostAddr, req *storaged.GetPropsRequest) (*storaged.GetPropsResponse, error) {
	return call[storaged.GetPropsRequest, storaged.GetPropsResponse](t, ctx, host, "storage.getProps", req)
}

func (t *RPCStorageTransport) GetNeighbors(ctx context.Context, host types.HostAddr, req *storaged.GetNeighborsRequest) (*storaged.GetNeighborsResponse, error) {
	return call[storaged.GetNeighborsRequest, storaged.GetNeighborsResponse](t, ctx, host, "storage.getNeighbors", req)
}

func (t *RPCStorageTransport) UpdateVertex(ctx context.Context, host types.HostAddr, req *storaged.UpdateVertexRequest) (*storaged.UpdateResponse, error) {
	return call[storaged.UpdateVertexRequest, storaged.UpdateResponse](t, ctx, host, "storage.updateVertex", req)
}

func (t *RPCStorageTransport) UpdateEdge(ctx context.Context, host types.HostAddr, req *storaged.UpdateEdgeRequest) (*storaged.UpdateResponse, error) {
	return call[storaged.UpdateEdgeRequest, storaged.UpdateResponse](t, ctx, host, "storage.updateEdge", req)
}

func (t *RPCStorageTransport) LookupIndex(ctx context.Context, host types.HostAddr, req *storaged.LookupIndexRequest) (*storaged.LookupIndexResponse, error) {
	return call[storaged.LookupIndexRequest, storaged.LookupIndexResponse](t, ctx, host, "storage.lookupIndex", req)
}

// RPCRaftTransport carries raft traffic between storage hosts over the
// same framed protocol.
type RPCRaftTransport struct {
	pool *connPool
}

// NewRPCRaftTransport creates an empty connection pool.
func NewRPCRaftTransport() *RPCRaftTransport {
	return &RPCRaftTransport{pool: newConnPool()}
}

// Close tears every cached connection down.
func (t *RPCRaftTransport) Close() { t.pool.close() }

func (t *RPCRaftTransport) AskForVote(ctx context.Context, target types.HostAddr, req *raftex.VoteRequest) (*raftex.VoteResponse, error) {
	c, err := t.pool.get(target)
	if err != nil {
		return nil, err
	}
	var resp raftex.VoteResponse
	if err := c.Call(ctx, "raft.askForVote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *RPCRaftTransport) AppendLog(ctx context.Context, target types.HostAddr, req *raftex.AppendRequest) (*raftex.AppendResponse, error) {
	c, err := t.pool.get(target)
	if err != nil {
		return nil, err
	}
	var resp raftex.AppendResponse
	if err := c.Call(ctx, "raft.appendLog", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *RPCRaftTransport) SendSnapshot(ctx context.Context, target types.HostAddr, req *raftex.SnapshotRequest) (*raftex.SnapshotResponse, error) {
	c, err := t.pool.get(target)
	if err != nil {
		return nil, err
	}
	var resp raftex.SnapshotResponse
	if err := c.Call(ctx, "raft.sendSnapshot", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
