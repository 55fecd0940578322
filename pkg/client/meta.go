package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/meta"
	"github.com/vergedb/verge/pkg/rpc"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// heartbeatInterval is how often hosts report to meta.
const heartbeatInterval = 10 * time.Second

// MetaClient keeps one host registered with the meta service: a periodic
// heartbeat carrying role and disk usage, plus reads of cluster topology
// and schemas. The cluster id is learned on first contact and defended
// afterwards: a mismatching response is rejected and the local id kept.
type MetaClient struct {
	rpcc   *rpc.Client
	local  types.HostAddr
	role   meta.HostRole
	logger zerolog.Logger

	mu        sync.Mutex
	clusterID types.ClusterID

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMetaClient dials the meta service.
func NewMetaClient(metaAddr string, local types.HostAddr, role meta.HostRole) (*MetaClient, error) {
	c, err := rpc.Dial(metaAddr)
	if err != nil {
		return nil, err
	}
	return &MetaClient{
		rpcc:   c,
		local:  local,
		role:   role,
		logger: log.WithComponent("metaclient"),
		stopCh: make(chan struct{}),
	}, nil
}

// ClusterID returns the learned cluster id, 0 before first contact.
func (c *MetaClient) ClusterID() types.ClusterID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterID
}

// HeartbeatOnce sends one heartbeat and reconciles the cluster id.
func (c *MetaClient) HeartbeatOnce(ctx context.Context, dirUsage map[string]uint64) error {
	c.mu.Lock()
	known := c.clusterID
	c.mu.Unlock()

	req := &meta.HeartbeatRequest{
		Host:      c.local,
		Role:      c.role,
		ClusterID: known,
		DirUsage:  dirUsage,
	}
	var resp meta.HeartbeatResponse
	if err := c.rpcc.Call(ctx, "meta.heartbeat", req, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clusterID == 0 {
		c.clusterID = resp.ClusterID
		c.logger.Info().Int64("cluster_id", resp.ClusterID).Msg("Cluster id learned")
	} else if c.clusterID != resp.ClusterID {
		// a mismatching response is rejected; the local id stands
		return status.New(status.ErrRPCFailure,
			"meta answered with cluster id %d, local id is %d", resp.ClusterID, c.clusterID)
	}
	return nil
}

// StartHeartbeat launches the periodic reporting loop.
func (c *MetaClient) StartHeartbeat(dirUsage func() map[string]uint64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			var usage map[string]uint64
			if dirUsage != nil {
				usage = dirUsage()
			}
			if err := c.HeartbeatOnce(ctx, usage); err != nil {
				c.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
			cancel()
			select {
			case <-ticker.C:
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the heartbeat loop and closes the connection.
func (c *MetaClient) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.rpcc.Close()
}

// GetSpaceByName fetches a space descriptor.
func (c *MetaClient) GetSpaceByName(ctx context.Context, name string) (*meta.SpaceDesc, error) {
	var desc meta.SpaceDesc
	if err := c.rpcc.Call(ctx, "meta.getSpaceByName", name, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// ListSpaces fetches every space descriptor.
func (c *MetaClient) ListSpaces(ctx context.Context) ([]*meta.SpaceDesc, error) {
	var spaces []*meta.SpaceDesc
	if err := c.rpcc.Call(ctx, "meta.listSpaces", nil, &spaces); err != nil {
		return nil, err
	}
	return spaces, nil
}

// ListParts fetches a space's partition allocations.
func (c *MetaClient) ListParts(ctx context.Context, space types.GraphSpaceID) ([]*meta.PartAlloc, error) {
	var parts []*meta.PartAlloc
	if err := c.rpcc.Call(ctx, "meta.listParts", space, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

// ListTags fetches every tag of a space with full version history.
func (c *MetaClient) ListTags(ctx context.Context, space types.GraphSpaceID) ([]*meta.TagDesc, error) {
	var tags []*meta.TagDesc
	if err := c.rpcc.Call(ctx, "meta.listTags", space, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// ListEdges fetches every edge schema of a space.
func (c *MetaClient) ListEdges(ctx context.Context, space types.GraphSpaceID) ([]*meta.EdgeDesc, error) {
	var edges []*meta.EdgeDesc
	if err := c.rpcc.Call(ctx, "meta.listEdges", space, &edges); err != nil {
		return nil, err
	}
	return edges, nil
}

// ListIndexes fetches every index of a space.
func (c *MetaClient) ListIndexes(ctx context.Context, space types.GraphSpaceID) ([]*meta.IndexDesc, error) {
	var indexes []*meta.IndexDesc
	if err := c.rpcc.Call(ctx, "meta.listIndexes", space, &indexes); err != nil {
		return nil, err
	}
	return indexes, nil
}

// SubmitJob queues an admin job on the meta service.
func (c *MetaClient) SubmitJob(ctx context.Context, space types.GraphSpaceID,
	command string, params []string) (*meta.JobDesc, error) {
	req := struct {
		Space   types.GraphSpaceID `json:"space"`
		Command string             `json:"command"`
		Params  []string           `json:"params,omitempty"`
	}{space, command, params}
	var job meta.JobDesc
	if err := c.rpcc.Call(ctx, "meta.submitJob", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
