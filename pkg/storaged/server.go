package storaged

import (
	"context"
	"encoding/json"

	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/rpc"
	"github.com/vergedb/verge/pkg/status"
)

// Server exposes the storage handlers and the raft fan-in over the framed
// transport.
type Server struct {
	svc  *Service
	raft *raftex.Service
	rpcs *rpc.Server
}

// NewServer wires every handler.
func NewServer(svc *Service, raft *raftex.Service) *Server {
	s := &Server{svc: svc, raft: raft, rpcs: rpc.NewServer("storaged")}
	s.rpcs.Register("storage.addVertices", jsonHandler(func(ctx context.Context, req *AddVerticesRequest) (interface{}, error) {
		return svc.AddVertices(ctx, req), nil
	}))
	s.rpcs.Register("storage.addEdges", jsonHandler(func(ctx context.Context, req *AddEdgesRequest) (interface{}, error) {
		return svc.AddEdges(ctx, req), nil
	}))
	s.rpcs.Register("storage.deleteVertices", jsonHandler(func(ctx context.Context, req *DeleteVerticesRequest) (interface{}, error) {
		return svc.DeleteVertices(ctx, req), nil
	}))
	s.rpcs.Register("storage.deleteEdges", jsonHandler(func(ctx context.Context, req *DeleteEdgesRequest) (interface{}, error) {
		return svc.DeleteEdges(ctx, req), nil
	}))
	s.rpcs.Register("storage.getProps", jsonHandler(func(ctx context.Context, req *GetPropsRequest) (interface{}, error) {
		return svc.GetProps(ctx, req), nil
	}))
	s.rpcs.Register("storage.getNeighbors", jsonHandler(func(ctx context.Context, req *GetNeighborsRequest) (interface{}, error) {
		return svc.GetNeighbors(ctx, req), nil
	}))
	s.rpcs.Register("storage.updateVertex", jsonHandler(func(ctx context.Context, req *UpdateVertexRequest) (interface{}, error) {
		return svc.UpdateVertex(ctx, req)
	}))
	s.rpcs.Register("storage.updateEdge", jsonHandler(func(ctx context.Context, req *UpdateEdgeRequest) (interface{}, error) {
		return svc.UpdateEdge(ctx, req)
	}))
	s.rpcs.Register("storage.lookupIndex", jsonHandler(func(ctx context.Context, req *LookupIndexRequest) (interface{}, error) {
		return svc.LookupIndex(ctx, req), nil
	}))
	s.rpcs.Register("storage.scanVertex", jsonHandler(func(ctx context.Context, req *ScanVertexRequest) (interface{}, error) {
		return svc.ScanVertex(ctx, req)
	}))
	s.rpcs.Register("storage.scanEdge", jsonHandler(func(ctx context.Context, req *ScanEdgeRequest) (interface{}, error) {
		return svc.ScanEdge(ctx, req)
	}))
	s.rpcs.Register("storage.compact", jsonHandler(func(ctx context.Context, req *AdminRequest) (interface{}, error) {
		return nil, svc.Compact(req)
	}))
	s.rpcs.Register("storage.flush", jsonHandler(func(ctx context.Context, req *AdminRequest) (interface{}, error) {
		return nil, svc.Flush(req)
	}))
	s.rpcs.Register("storage.rebuildIndex", jsonHandler(func(ctx context.Context, req *AdminRequest) (interface{}, error) {
		return nil, svc.RebuildIndex(ctx, req)
	}))

	// raft fan-in rides the same framed transport
	s.rpcs.Register("raft.askForVote", jsonHandler(func(ctx context.Context, req *raftex.VoteRequest) (interface{}, error) {
		return raft.HandleAskForVote(req), nil
	}))
	s.rpcs.Register("raft.appendLog", jsonHandler(func(ctx context.Context, req *raftex.AppendRequest) (interface{}, error) {
		return raft.HandleAppendLog(req), nil
	}))
	s.rpcs.Register("raft.sendSnapshot", jsonHandler(func(ctx context.Context, req *raftex.SnapshotRequest) (interface{}, error) {
		return raft.HandleSendSnapshot(req), nil
	}))
	return s
}

// jsonHandler decodes the request body into T before invoking fn.
func jsonHandler[T any](fn func(ctx context.Context, req *T) (interface{}, error)) rpc.Handler {
	return func(ctx context.Context, body []byte) (interface{}, error) {
		var req T
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, status.New(status.ErrSyntax, "malformed request body")
		}
		return fn(ctx, &req)
	}
}

// Listen binds the server.
func (s *Server) Listen(addr string) error { return s.rpcs.Listen(addr) }

// Stop halts the server.
func (s *Server) Stop() { s.rpcs.Stop() }
