package client

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/storaged"
	"github.com/vergedb/verge/pkg/types"
)

// leaderRetryLimit bounds retries on LeaderChanged; the backoff doubles
// from leaderRetryBackoff between attempts.
const (
	leaderRetryLimit   = 3
	leaderRetryBackoff = 50 * time.Millisecond
	leaderCacheSize    = 4096
)

// StorageTransport invokes storage handlers on one host.
type StorageTransport interface {
	AddVertices(ctx context.Context, host types.HostAddr, req *storaged.AddVerticesRequest) (*storaged.ExecResponse, error)
	AddEdges(ctx context.Context, host types.HostAddr, req *storaged.AddEdgesRequest) (*storaged.ExecResponse, error)
	DeleteVertices(ctx context.Context, host types.HostAddr, req *storaged.DeleteVerticesRequest) (*storaged.ExecResponse, error)
	DeleteEdges(ctx context.Context, host types.HostAddr, req *storaged.DeleteEdgesRequest) (*storaged.ExecResponse, error)
	GetProps(ctx context.Context, host types.HostAddr, req *storaged.GetPropsRequest) (*storaged.GetPropsResponse, error)
	GetNeighbors(ctx context.Context, host types.HostAddr, req *storaged.GetNeighborsRequest) (*storaged.GetNeighborsResponse, error)
	UpdateVertex(ctx context.Context, host types.HostAddr, req *storaged.UpdateVertexRequest) (*storaged.UpdateResponse, error)
	UpdateEdge(ctx context.Context, host types.HostAddr, req *storaged.UpdateEdgeRequest) (*storaged.UpdateResponse, error)
	LookupIndex(ctx context.Context, host types.HostAddr, req *storaged.LookupIndexRequest) (*storaged.LookupIndexResponse, error)
}

// PartLocator resolves space topology: the fixed partition count and the
// replica hosts of each partition.
type PartLocator interface {
	PartitionCount(space types.GraphSpaceID) (uint32, error)
	PartHosts(space types.GraphSpaceID, part types.PartitionID) ([]types.HostAddr, error)
}

// StorageClient routes requests to partition leaders, retries retryable
// transport failures with bounded exponential backoff, and merges
// per-partition failures instead of dropping them.
type StorageClient struct {
	tr      StorageTransport
	locator PartLocator
	leaders *lru.Cache[string, types.HostAddr]
	logger  zerolog.Logger
}

// NewStorageClient assembles a router over a transport and a locator.
func NewStorageClient(tr StorageTransport, locator PartLocator) (*StorageClient, error) {
	leaders, err := lru.New[string, types.HostAddr](leaderCacheSize)
	if err != nil {
		return nil, err
	}
	return &StorageClient{
		tr:      tr,
		locator: locator,
		leaders: leaders,
		logger:  log.WithComponent("storageclient"),
	}, nil
}

func leaderKey(space types.GraphSpaceID, part types.PartitionID) string {
	return fmt.Sprintf("%d/%d", space, part)
}

// PartitionOf routes one vid.
func (c *StorageClient) PartitionOf(space types.GraphSpaceID, vid types.VertexID) (types.PartitionID, error) {
	n, err := c.locator.PartitionCount(space)
	if err != nil {
		return 0, err
	}
	return keys.PartitionOf(vid, n), nil
}

// hostsFor orders candidate hosts for a partition: cached leader first.
func (c *StorageClient) hostsFor(space types.GraphSpaceID, part types.PartitionID) ([]types.HostAddr, error) {
	hosts, err := c.locator.PartHosts(space, part)
	if err != nil {
		return nil, err
	}
	if leader, ok := c.leaders.Get(leaderKey(space, part)); ok {
		ordered := []types.HostAddr{leader}
		for _, h := range hosts {
			if h != leader {
				ordered = append(ordered, h)
			}
		}
		return ordered, nil
	}
	return hosts, nil
}

// callPart tries a partition's hosts with bounded retry and backoff; fn
// returns the per-part failure code when the response carries one.
func (c *StorageClient) callPart(ctx context.Context, space types.GraphSpaceID, part types.PartitionID,
	fn func(host types.HostAddr) (status.Code, error)) status.Code {
	hosts, err := c.hostsFor(space, part)
	if err != nil || len(hosts) == 0 {
		return status.ErrPartNotFound
	}
	backoff := leaderRetryBackoff
	lastCode := status.ErrRPCFailure
	for attempt := 0; attempt < leaderRetryLimit; attempt++ {
		for _, host := range hosts {
			if err := ctx.Err(); err != nil {
				return status.ErrCancelled
			}
			code, err := fn(host)
			if err != nil {
				code = status.CodeOf(err)
			}
			switch {
			case code == status.Succeeded:
				c.leaders.Add(leaderKey(space, part), host)
				return status.Succeeded
			case status.IsRetryable(code):
				// leader moved or the host is down: demote the cache
				// entry and try the next replica
				c.leaders.Remove(leaderKey(space, part))
				lastCode = code
			default:
				return code
			}
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return status.ErrCancelled
		}
		backoff *= 2
	}
	return lastCode
}

// AddVertices routes vertices to their partitions and writes them.
func (c *StorageClient) AddVertices(ctx context.Context, space types.GraphSpaceID,
	vertices []storaged.NewVertex, overwrite, skipIndexCheck bool) *storaged.ExecResponse {
	parts := make(map[types.PartitionID][]storaged.NewVertex)
	for _, v := range vertices {
		part, err := c.PartitionOf(space, v.Vid)
		if err != nil {
			return &storaged.ExecResponse{FailedParts: map[types.PartitionID]status.Code{0: status.CodeOf(err)}}
		}
		parts[part] = append(parts[part], v)
	}
	resp := &storaged.ExecResponse{}
	for part, batch := range parts {
		req := &storaged.AddVerticesRequest{
			Space:          space,
			Parts:          map[types.PartitionID][]storaged.NewVertex{part: batch},
			Overwrite:      overwrite,
			SkipIndexCheck: skipIndexCheck,
		}
		code := c.callPart(ctx, space, part, func(host types.HostAddr) (status.Code, error) {
			r, err := c.tr.AddVertices(ctx, host, req)
			if err != nil {
				return 0, err
			}
			return r.FailedParts[part], nil
		})
		if code != status.Succeeded {
			if resp.FailedParts == nil {
				resp.FailedParts = make(map[types.PartitionID]status.Code)
			}
			resp.FailedParts[part] = code
		}
	}
	return resp
}

// AddEdges writes each edge and its mirror: the out-edge goes to the
// source's partition, the mirrored in-edge to the destination's. This is
// where the mirror invariant is enforced.
func (c *StorageClient) AddEdges(ctx context.Context, space types.GraphSpaceID,
	edges []storaged.NewEdge, overwrite, skipIndexCheck bool) *storaged.ExecResponse {
	parts := make(map[types.PartitionID][]storaged.NewEdge)
	route := func(e storaged.NewEdge) error {
		part, err := c.PartitionOf(space, e.Src)
		if err != nil {
			return err
		}
		parts[part] = append(parts[part], e)
		return nil
	}
	for _, e := range edges {
		if err := route(e); err != nil {
			return &storaged.ExecResponse{FailedParts: map[types.PartitionID]status.Code{0: status.CodeOf(err)}}
		}
		mirror := storaged.NewEdge{Src: e.Dst, Type: -e.Type, Rank: e.Rank, Dst: e.Src, Props: e.Props}
		if err := route(mirror); err != nil {
			return &storaged.ExecResponse{FailedParts: map[types.PartitionID]status.Code{0: status.CodeOf(err)}}
		}
	}
	resp := &storaged.ExecResponse{}
	for part, batch := range parts {
		req := &storaged.AddEdgesRequest{
			Space:          space,
			Parts:          map[types.PartitionID][]storaged.NewEdge{part: batch},
			Overwrite:      overwrite,
			SkipIndexCheck: skipIndexCheck,
		}
		code := c.callPart(ctx, space, part, func(host types.HostAddr) (status.Code, error) {
			r, err := c.tr.AddEdges(ctx, host, req)
			if err != nil {
				return 0, err
			}
			return r.FailedParts[part], nil
		})
		if code != status.Succeeded {
			if resp.FailedParts == nil {
				resp.FailedParts = make(map[types.PartitionID]status.Code)
			}
			resp.FailedParts[part] = code
		}
	}
	return resp
}

// DeleteEdges removes edges and their mirrors.
func (c *StorageClient) DeleteEdges(ctx context.Context, space types.GraphSpaceID,
	refs []storaged.EdgeKeyRef) *storaged.ExecResponse {
	parts := make(map[types.PartitionID][]storaged.EdgeKeyRef)
	for _, ref := range refs {
		for _, r := range []storaged.EdgeKeyRef{ref, {Src: ref.Dst, Type: -ref.Type, Rank: ref.Rank, Dst: ref.Src}} {
			part, err := c.PartitionOf(space, r.Src)
			if err != nil {
				return &storaged.ExecResponse{FailedParts: map[types.PartitionID]status.Code{0: status.CodeOf(err)}}
			}
			parts[part] = append(parts[part], r)
		}
	}
	resp := &storaged.ExecResponse{}
	for part, batch := range parts {
		req := &storaged.DeleteEdgesRequest{Space: space,
			Parts: map[types.PartitionID][]storaged.EdgeKeyRef{part: batch}}
		code := c.callPart(ctx, space, part, func(host types.HostAddr) (status.Code, error) {
			r, err := c.tr.DeleteEdges(ctx, host, req)
			if err != nil {
				return 0, err
			}
			return r.FailedParts[part], nil
		})
		if code != status.Succeeded {
			if resp.FailedParts == nil {
				resp.FailedParts = make(map[types.PartitionID]status.Code)
			}
			resp.FailedParts[part] = code
		}
	}
	return resp
}

// DeleteVertices routes vertex deletions.
func (c *StorageClient) DeleteVertices(ctx context.Context, space types.GraphSpaceID,
	vids []types.VertexID) *storaged.ExecResponse {
	parts := make(map[types.PartitionID][]types.VertexID)
	for _, vid := range vids {
		part, err := c.PartitionOf(space, vid)
		if err != nil {
			return &storaged.ExecResponse{FailedParts: map[types.PartitionID]status.Code{0: status.CodeOf(err)}}
		}
		parts[part] = append(parts[part], vid)
	}
	resp := &storaged.ExecResponse{}
	for part, batch := range parts {
		req := &storaged.DeleteVerticesRequest{Space: space,
			Parts: map[types.PartitionID][]types.VertexID{part: batch}}
		code := c.callPart(ctx, space, part, func(host types.HostAddr) (status.Code, error) {
			r, err := c.tr.DeleteVertices(ctx, host, req)
			if err != nil {
				return 0, err
			}
			return r.FailedParts[part], nil
		})
		if code != status.Succeeded {
			if resp.FailedParts == nil {
				resp.FailedParts = make(map[types.PartitionID]status.Code)
			}
			resp.FailedParts[part] = code
		}
	}
	return resp
}

// GetProps point-reads vertex rows across partitions and merges the
// results.
func (c *StorageClient) GetProps(ctx context.Context, space types.GraphSpaceID, tag types.TagID,
	vids []types.VertexID, returnColumns []string) *storaged.GetPropsResponse {
	parts := make(map[types.PartitionID][]types.VertexID)
	for _, vid := range vids {
		part, err := c.PartitionOf(space, vid)
		if err != nil {
			return &storaged.GetPropsResponse{FailedParts: map[types.PartitionID]status.Code{0: status.CodeOf(err)}}
		}
		parts[part] = append(parts[part], vid)
	}
	merged := &storaged.GetPropsResponse{Columns: returnColumns}
	for part, batch := range parts {
		req := &storaged.GetPropsRequest{
			Space: space, TagID: tag, ReturnColumns: returnColumns,
			Parts: map[types.PartitionID][]types.VertexID{part: batch},
		}
		code := c.callPart(ctx, space, part, func(host types.HostAddr) (status.Code, error) {
			r, err := c.tr.GetProps(ctx, host, req)
			if err != nil {
				return 0, err
			}
			if failCode, ok := r.FailedParts[part]; ok {
				return failCode, nil
			}
			merged.Vertices = append(merged.Vertices, r.Vertices...)
			return status.Succeeded, nil
		})
		if code != status.Succeeded {
			if merged.FailedParts == nil {
				merged.FailedParts = make(map[types.PartitionID]status.Code)
			}
			merged.FailedParts[part] = code
		}
	}
	return merged
}

// GetNeighbors fans the traversal out per partition and merges per-vid
// result sets plus the failure map.
func (c *StorageClient) GetNeighbors(ctx context.Context, space types.GraphSpaceID,
	vids []types.VertexID, tmpl *storaged.GetNeighborsRequest) *storaged.GetNeighborsResponse {
	parts := make(map[types.PartitionID][]types.VertexID)
	for _, vid := range vids {
		part, err := c.PartitionOf(space, vid)
		if err != nil {
			return &storaged.GetNeighborsResponse{FailedParts: map[types.PartitionID]status.Code{0: status.CodeOf(err)}}
		}
		parts[part] = append(parts[part], vid)
	}
	merged := &storaged.GetNeighborsResponse{}
	for part, batch := range parts {
		req := &storaged.GetNeighborsRequest{
			Space:         space,
			Parts:         map[types.PartitionID][]types.VertexID{part: batch},
			EdgeTypes:     tmpl.EdgeTypes,
			Filter:        tmpl.Filter,
			ReturnColumns: tmpl.ReturnColumns,
			LimitPerVid:   tmpl.LimitPerVid,
			RandomSeed:    tmpl.RandomSeed,
		}
		code := c.callPart(ctx, space, part, func(host types.HostAddr) (status.Code, error) {
			r, err := c.tr.GetNeighbors(ctx, host, req)
			if err != nil {
				return 0, err
			}
			if failCode, ok := r.FailedParts[part]; ok {
				return failCode, nil
			}
			merged.Columns = r.Columns
			merged.Vertices = append(merged.Vertices, r.Vertices...)
			return status.Succeeded, nil
		})
		if code != status.Succeeded {
			if merged.FailedParts == nil {
				merged.FailedParts = make(map[types.PartitionID]status.Code)
			}
			merged.FailedParts[part] = code
		}
	}
	return merged
}

// UpdateVertex routes one filtered update.
func (c *StorageClient) UpdateVertex(ctx context.Context, req *storaged.UpdateVertexRequest) (*storaged.UpdateResponse, error) {
	part, err := c.PartitionOf(req.Space, req.Vid)
	if err != nil {
		return nil, err
	}
	req.Part = part
	var out *storaged.UpdateResponse
	code := c.callPart(ctx, req.Space, part, func(host types.HostAddr) (status.Code, error) {
		r, err := c.tr.UpdateVertex(ctx, host, req)
		if err != nil {
			return 0, err
		}
		out = r
		return status.Succeeded, nil
	})
	if code != status.Succeeded {
		return nil, status.New(code, "update vertex %d failed", req.Vid)
	}
	return out, nil
}

// UpdateEdge routes one filtered edge update.
func (c *StorageClient) UpdateEdge(ctx context.Context, req *storaged.UpdateEdgeRequest) (*storaged.UpdateResponse, error) {
	part, err := c.PartitionOf(req.Space, req.Edge.Src)
	if err != nil {
		return nil, err
	}
	req.Part = part
	var out *storaged.UpdateResponse
	code := c.callPart(ctx, req.Space, part, func(host types.HostAddr) (status.Code, error) {
		r, err := c.tr.UpdateEdge(ctx, host, req)
		if err != nil {
			return 0, err
		}
		out = r
		return status.Succeeded, nil
	})
	if code != status.Succeeded {
		return nil, status.New(code, "update edge failed")
	}
	return out, nil
}

// LookupIndex scans an index on every partition and merges the tails.
func (c *StorageClient) LookupIndex(ctx context.Context, space types.GraphSpaceID,
	indexID types.IndexID, values []types.Value) *storaged.LookupIndexResponse {
	n, err := c.locator.PartitionCount(space)
	if err != nil {
		return &storaged.LookupIndexResponse{FailedParts: map[types.PartitionID]status.Code{0: status.CodeOf(err)}}
	}
	merged := &storaged.LookupIndexResponse{}
	for part := types.PartitionID(1); part <= n; part++ {
		req := &storaged.LookupIndexRequest{
			Space: space, Parts: []types.PartitionID{part}, IndexID: indexID, Values: values,
		}
		code := c.callPart(ctx, space, part, func(host types.HostAddr) (status.Code, error) {
			r, err := c.tr.LookupIndex(ctx, host, req)
			if err != nil {
				return 0, err
			}
			if failCode, ok := r.FailedParts[part]; ok {
				return failCode, nil
			}
			merged.Vids = append(merged.Vids, r.Vids...)
			merged.Edges = append(merged.Edges, r.Edges...)
			return status.Succeeded, nil
		})
		if code != status.Succeeded {
			if merged.FailedParts == nil {
				merged.FailedParts = make(map[types.PartitionID]status.Code)
			}
			merged.FailedParts[part] = code
		}
	}
	return merged
}
