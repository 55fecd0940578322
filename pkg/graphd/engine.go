package graphd

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/client"
	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// SpaceResolver looks a space up by name; in production a SpaceResolverFunc
// wraps the meta client's GetSpaceByName, and tests supply a static table.
type SpaceResolver interface {
	SpaceByName(name string) (types.GraphSpaceID, uint32, error)
}

// SpaceResolverFunc adapts a function to SpaceResolver.
type SpaceResolverFunc func(name string) (types.GraphSpaceID, uint32, error)

func (f SpaceResolverFunc) SpaceByName(name string) (types.GraphSpaceID, uint32, error) {
	return f(name)
}

// Engine plans and executes sentences against the storage tier.
type Engine struct {
	storage *client.StorageClient
	reg     *schema.Registry
	spaces  SpaceResolver

	// MaxThreadsPerQuery caps a single query's storage parallelism.
	MaxThreadsPerQuery int

	logger zerolog.Logger
}

// NewEngine assembles the query engine.
func NewEngine(storage *client.StorageClient, reg *schema.Registry, spaces SpaceResolver) *Engine {
	return &Engine{
		storage:            storage,
		reg:                reg,
		spaces:             spaces,
		MaxThreadsPerQuery: 4,
		logger:             log.WithComponent("graphd"),
	}
}

// Result is what one statement returns to the client.
type Result struct {
	Columns []string
	Rows    [][]types.Value
	Warning string
}

// executionContext carries everything one statement's executors share.
type executionContext struct {
	engine  *Engine
	session *Session
	sched   *Scheduler

	mu       sync.Mutex
	warnings []string
}

func (e *executionContext) warnf(format string, args ...interface{}) {
	e.mu.Lock()
	e.warnings = append(e.warnings, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

// recordFailedParts folds a failure map into warnings. Reads continue
// over the successful parts; writes treat any failure as fatal and the
// caller returns the error instead.
func (e *executionContext) recordFailedParts(op string, failed map[types.PartitionID]status.Code) {
	for part, code := range failed {
		e.warnf("%s: part %d failed with %s", op, part, code)
	}
}

func writeFailure(op string, failed map[types.PartitionID]status.Code) error {
	for part, code := range failed {
		return status.New(code, "%s failed on part %d", op, part)
	}
	return nil
}

// Execute runs one sentence tree for a session.
func (e *Engine) Execute(ctx context.Context, session *Session, stmt Sentence) (*Result, error) {
	ectx := &executionContext{
		engine:  e,
		session: session,
		sched:   NewScheduler(e.MaxThreadsPerQuery),
	}
	interim, _, err := e.run(ctx, ectx, stmt, nil)
	if err != nil {
		return nil, err
	}
	res := &Result{Warning: strings.Join(ectx.warnings, "; ")}
	if interim != nil {
		res.Columns = interim.Columns()
		res.Rows = interim.Rows()
	}
	return res, nil
}

// run executes one sentence, threading the pipe input through. The bool
// result reports a Return short-circuit that stops the pipeline.
func (e *Engine) run(ctx context.Context, ectx *executionContext, stmt Sentence,
	input *InterimResult) (*InterimResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, status.New(status.ErrCancelled, "query cancelled")
	}
	switch s := stmt.(type) {
	case *PipedSentence:
		left, stopped, err := e.run(ctx, ectx, s.Left, input)
		if err != nil || stopped {
			return left, stopped, err
		}
		return e.run(ctx, ectx, s.Right, left)
	case *AssignmentSentence:
		out, stopped, err := e.run(ctx, ectx, s.Right, input)
		if err != nil {
			return nil, false, err
		}
		ectx.session.Vars.Set(s.Var, out)
		return out, stopped, nil
	case *UseSentence:
		id, partNum, err := e.spaces.SpaceByName(s.Space)
		if err != nil {
			return nil, false, err
		}
		ectx.session.Space = id
		ectx.session.SpaceName = s.Space
		ectx.session.PartNum = partNum
		return nil, false, nil
	case *ReturnSentence:
		v := ectx.session.Vars.Get(s.Var)
		if v.HasData() {
			return v, true, nil
		}
		return input, false, nil
	case *SetSentence:
		return e.runSet(ctx, ectx, s, input)
	case *GoSentence:
		ex := &goExecutor{ectx: ectx, stmt: s, input: input}
		return ex.run(ctx)
	case *FetchVerticesSentence:
		ex := &fetchVerticesExecutor{ectx: ectx, stmt: s}
		return ex.run(ctx)
	case *FetchEdgesSentence:
		ex := &fetchEdgesExecutor{ectx: ectx, stmt: s}
		return ex.run(ctx)
	case *InsertVerticesSentence:
		return nil, false, e.runInsertVertices(ctx, ectx, s)
	case *InsertEdgesSentence:
		return nil, false, e.runInsertEdges(ctx, ectx, s)
	case *UpdateVertexSentence:
		out, err := e.runUpdateVertex(ctx, ectx, s)
		return out, false, err
	case *UpdateEdgeSentence:
		out, err := e.runUpdateEdge(ctx, ectx, s)
		return out, false, err
	}
	return nil, false, status.New(status.ErrUnsupported, "unsupported sentence %T", stmt)
}

// needSpace guards sentences that require a current space.
func needSpace(s *Session) error {
	if s.Space == 0 {
		return status.New(status.ErrSyntax, "no space chosen, USE one first")
	}
	return nil
}
