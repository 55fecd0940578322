package meta

import (
	"context"
	"encoding/json"

	"github.com/vergedb/verge/pkg/rpc"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Server exposes the meta surface over the framed transport.
type Server struct {
	svc  *Service
	rpcs *rpc.Server
}

// NewServer wires the handlers.
func NewServer(svc *Service) *Server {
	s := &Server{svc: svc, rpcs: rpc.NewServer("metad")}
	s.rpcs.Register("meta.heartbeat", s.handleHeartbeat)
	s.rpcs.Register("meta.getSpaceByName", s.handleGetSpaceByName)
	s.rpcs.Register("meta.createSpace", s.handleCreateSpace)
	s.rpcs.Register("meta.createTag", s.handleCreateTag)
	s.rpcs.Register("meta.alterTag", s.handleAlterTag)
	s.rpcs.Register("meta.createEdge", s.handleCreateEdge)
	s.rpcs.Register("meta.createIndex", s.handleCreateIndex)
	s.rpcs.Register("meta.listSpaces", s.handleListSpaces)
	s.rpcs.Register("meta.listParts", s.handleListParts)
	s.rpcs.Register("meta.listTags", s.handleListTags)
	s.rpcs.Register("meta.listEdges", s.handleListEdges)
	s.rpcs.Register("meta.listIndexes", s.handleListIndexes)
	s.rpcs.Register("meta.submitJob", s.handleSubmitJob)
	s.rpcs.Register("meta.stopJob", s.handleStopJob)
	return s
}

// Listen binds the server.
func (s *Server) Listen(addr string) error { return s.rpcs.Listen(addr) }

// Stop halts the server.
func (s *Server) Stop() { s.rpcs.Stop() }

func (s *Server) handleHeartbeat(ctx context.Context, body []byte) (interface{}, error) {
	var req HeartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed heartbeat")
	}
	return s.svc.Heartbeat(&req)
}

func (s *Server) handleGetSpaceByName(ctx context.Context, body []byte) (interface{}, error) {
	var name string
	if err := json.Unmarshal(body, &name); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed space name")
	}
	return s.svc.Store().GetSpaceByName(name)
}

func (s *Server) handleCreateSpace(ctx context.Context, body []byte) (interface{}, error) {
	var req struct {
		Name          string `json:"name"`
		PartitionNum  uint32 `json:"partition_num"`
		ReplicaFactor int    `json:"replica_factor"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed create space")
	}
	return s.svc.CreateSpace(req.Name, req.PartitionNum, req.ReplicaFactor)
}

func (s *Server) handleCreateTag(ctx context.Context, body []byte) (interface{}, error) {
	var req struct {
		Space types.GraphSpaceID `json:"space"`
		Name  string             `json:"name"`
		Ver   SchemaVersionDesc  `json:"ver"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed create tag")
	}
	return s.svc.CreateTag(req.Space, req.Name, req.Ver)
}

func (s *Server) handleAlterTag(ctx context.Context, body []byte) (interface{}, error) {
	var req struct {
		Space      types.GraphSpaceID `json:"space"`
		Name       string             `json:"name"`
		AddColumns []ColumnDef        `json:"add_columns"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed alter tag")
	}
	return s.svc.AlterTag(req.Space, req.Name, req.AddColumns)
}

func (s *Server) handleCreateEdge(ctx context.Context, body []byte) (interface{}, error) {
	var req struct {
		Space types.GraphSpaceID `json:"space"`
		Name  string             `json:"name"`
		Ver   SchemaVersionDesc  `json:"ver"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed create edge")
	}
	return s.svc.CreateEdge(req.Space, req.Name, req.Ver)
}

func (s *Server) handleCreateIndex(ctx context.Context, body []byte) (interface{}, error) {
	var desc IndexDesc
	if err := json.Unmarshal(body, &desc); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed create index")
	}
	return s.svc.CreateIndex(desc)
}

func (s *Server) handleListSpaces(ctx context.Context, body []byte) (interface{}, error) {
	return s.svc.Store().ListSpaces()
}

func (s *Server) handleListParts(ctx context.Context, body []byte) (interface{}, error) {
	var space types.GraphSpaceID
	if err := json.Unmarshal(body, &space); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed space id")
	}
	return s.svc.Store().ListParts(space)
}

func (s *Server) handleListTags(ctx context.Context, body []byte) (interface{}, error) {
	var space types.GraphSpaceID
	if err := json.Unmarshal(body, &space); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed space id")
	}
	return s.svc.Store().ListTags(space)
}

func (s *Server) handleListEdges(ctx context.Context, body []byte) (interface{}, error) {
	var space types.GraphSpaceID
	if err := json.Unmarshal(body, &space); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed space id")
	}
	return s.svc.Store().ListEdges(space)
}

func (s *Server) handleListIndexes(ctx context.Context, body []byte) (interface{}, error) {
	var space types.GraphSpaceID
	if err := json.Unmarshal(body, &space); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed space id")
	}
	return s.svc.Store().ListIndexes(space)
}

func (s *Server) handleSubmitJob(ctx context.Context, body []byte) (interface{}, error) {
	var req struct {
		Space   types.GraphSpaceID `json:"space"`
		Command string             `json:"command"`
		Params  []string           `json:"params,omitempty"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed job request")
	}
	return s.svc.Jobs().Submit(req.Space, req.Command, req.Params, true)
}

func (s *Server) handleStopJob(ctx context.Context, body []byte) (interface{}, error) {
	var id types.JobID
	if err := json.Unmarshal(body, &id); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed job id")
	}
	return nil, s.svc.Jobs().StopJob(id)
}
