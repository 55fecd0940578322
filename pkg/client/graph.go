package client

import (
	"context"
	"time"

	"github.com/vergedb/verge/pkg/rpc"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// AuthRequest opens a session on the graph service.
type AuthRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// AuthResponse returns the session id.
type AuthResponse struct {
	SessionID types.SessionID `json:"session_id"`
}

// ExecuteRequest runs one statement inside a session.
type ExecuteRequest struct {
	SessionID types.SessionID `json:"session_id"`
	Stmt      string          `json:"stmt"`
}

// ExecuteResponse carries column names, rows, latency and warnings.
type ExecuteResponse struct {
	Columns   []string        `json:"columns,omitempty"`
	Rows      [][]types.Value `json:"rows,omitempty"`
	LatencyUs int64           `json:"latency_us"`
	Warning   string          `json:"warning,omitempty"`
}

// GraphClient is the console's connection to one graph daemon.
type GraphClient struct {
	rpcc      *rpc.Client
	sessionID types.SessionID
}

// ConnectGraph dials a graph daemon.
func ConnectGraph(addr string) (*GraphClient, error) {
	c, err := rpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	return &GraphClient{rpcc: c}, nil
}

// Authenticate opens a session.
func (c *GraphClient) Authenticate(ctx context.Context, user, password string) error {
	var resp AuthResponse
	err := c.rpcc.Call(ctx, "graph.authenticate", &AuthRequest{User: user, Password: password}, &resp)
	if err != nil {
		return err
	}
	c.sessionID = resp.SessionID
	return nil
}

// Execute runs one statement.
func (c *GraphClient) Execute(ctx context.Context, stmt string) (*ExecuteResponse, error) {
	if c.sessionID == 0 {
		return nil, status.New(status.ErrSessionInvalid, "not authenticated")
	}
	var resp ExecuteResponse
	err := c.rpcc.Call(ctx, "graph.execute",
		&ExecuteRequest{SessionID: c.sessionID, Stmt: stmt}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Signout releases the session and closes the connection.
func (c *GraphClient) Signout() {
	if c.sessionID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.rpcc.Call(ctx, "graph.signout", c.sessionID, nil)
		cancel()
	}
	c.rpcc.Close()
}
