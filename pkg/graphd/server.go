package graphd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vergedb/verge/pkg/client"
	"github.com/vergedb/verge/pkg/rpc"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Parser turns one statement string into a sentence tree. The concrete
// lexer and parser live outside the core; the engine consumes sentences
// only.
type Parser interface {
	Parse(stmt string) (Sentence, error)
}

// Authenticator validates credentials at session open.
type Authenticator interface {
	Authenticate(user, password string) error
}

// AllowAll accepts any credentials, the stock development authenticator.
type AllowAll struct{}

func (AllowAll) Authenticate(string, string) error { return nil }

// Server exposes the client surface over the framed transport:
// authenticate, execute, signout.
type Server struct {
	engine   *Engine
	sessions *SessionManager
	parser   Parser
	auth     Authenticator
	rpcs     *rpc.Server
}

// NewServer assembles the graph daemon surface.
func NewServer(engine *Engine, sessions *SessionManager, parser Parser, auth Authenticator) *Server {
	if auth == nil {
		auth = AllowAll{}
	}
	s := &Server{
		engine:   engine,
		sessions: sessions,
		parser:   parser,
		auth:     auth,
		rpcs:     rpc.NewServer("graphd"),
	}
	s.rpcs.Register("graph.authenticate", s.handleAuthenticate)
	s.rpcs.Register("graph.execute", s.handleExecute)
	s.rpcs.Register("graph.signout", s.handleSignout)
	return s
}

// Listen binds the server.
func (s *Server) Listen(addr string) error { return s.rpcs.Listen(addr) }

// Stop halts the server.
func (s *Server) Stop() { s.rpcs.Stop() }

func (s *Server) handleAuthenticate(ctx context.Context, body []byte) (interface{}, error) {
	var req client.AuthRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed auth request")
	}
	if err := s.auth.Authenticate(req.User, req.Password); err != nil {
		return nil, status.New(status.ErrBadUserPassword, "authentication failed")
	}
	sess := s.sessions.Create(req.User)
	return &client.AuthResponse{SessionID: sess.ID}, nil
}

func (s *Server) handleExecute(ctx context.Context, body []byte) (interface{}, error) {
	var req client.ExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed execute request")
	}
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if s.parser == nil {
		return nil, status.New(status.ErrUnsupported, "no statement parser wired")
	}
	stmt, err := s.parser.Parse(req.Stmt)
	if err != nil {
		return nil, status.New(status.ErrSyntax, "%v", err)
	}

	start := time.Now()
	res, err := s.engine.Execute(ctx, sess, stmt)
	if err != nil {
		return nil, err
	}
	return &client.ExecuteResponse{
		Columns:   res.Columns,
		Rows:      res.Rows,
		LatencyUs: time.Since(start).Microseconds(),
		Warning:   res.Warning,
	}, nil
}

func (s *Server) handleSignout(ctx context.Context, body []byte) (interface{}, error) {
	var id types.SessionID
	if err := json.Unmarshal(body, &id); err != nil {
		return nil, status.New(status.ErrSyntax, "malformed signout request")
	}
	s.sessions.Remove(id)
	return nil, nil
}
