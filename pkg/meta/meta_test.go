package meta

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

var testPort = 23450

func newTestMeta(t *testing.T) *Service {
	t.Helper()
	testPort++
	s, err := NewService(Config{
		NodeID:   "meta-test",
		BindAddr: fmt.Sprintf("127.0.0.1:%d", testPort),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap())
	t.Cleanup(func() { s.Stop() })
	return s
}

func heartbeatStorage(t *testing.T, s *Service, port int, clusterID types.ClusterID) *HeartbeatResponse {
	t.Helper()
	resp, err := s.Heartbeat(&HeartbeatRequest{
		Host:      types.HostAddr{Host: "127.0.0.1", Port: port},
		Role:      RoleStorage,
		ClusterID: clusterID,
	})
	require.NoError(t, err)
	return resp
}

func TestClusterIDMintedOnce(t *testing.T) {
	s := newTestMeta(t)
	id, err := s.Store().GetClusterID()
	require.NoError(t, err)
	require.NotZero(t, id)

	// a first-contact host learns the id through its heartbeat
	resp := heartbeatStorage(t, s, 10001, 0)
	require.Equal(t, id, resp.ClusterID)

	// a host claiming a different cluster is rejected
	_, err = s.Heartbeat(&HeartbeatRequest{
		Host:      types.HostAddr{Host: "127.0.0.1", Port: 10002},
		Role:      RoleStorage,
		ClusterID: id + 1,
	})
	require.Error(t, err)
}

func TestCreateSpaceAllocatesParts(t *testing.T) {
	s := newTestMeta(t)
	for port := 10010; port < 10013; port++ {
		heartbeatStorage(t, s, port, 0)
	}

	desc, err := s.CreateSpace("graph", 6, 3)
	require.NoError(t, err)
	require.NotZero(t, desc.ID)

	parts, err := s.Store().ListParts(desc.ID)
	require.NoError(t, err)
	require.Len(t, parts, 6)
	for _, p := range parts {
		require.Len(t, p.Hosts, 3)
	}

	// not enough hosts for the replica factor
	_, err = s.CreateSpace("too-big", 2, 5)
	require.Error(t, err)

	// duplicate name
	_, err = s.CreateSpace("graph", 2, 1)
	require.Equal(t, status.ErrExisted, status.CodeOf(err))
}

func TestSchemaVersioning(t *testing.T) {
	s := newTestMeta(t)
	heartbeatStorage(t, s, 10020, 0)
	space, err := s.CreateSpace("sv", 1, 1)
	require.NoError(t, err)

	tag, err := s.CreateTag(space.ID, "person", SchemaVersionDesc{
		Columns: []ColumnDef{
			{Name: "name", Type: types.PropString},
			{Name: "age", Type: types.PropInt},
		},
	})
	require.NoError(t, err)
	require.NotZero(t, tag.ID)

	def := types.StringValue("")
	tag, err = s.AlterTag(space.ID, "person", []ColumnDef{
		{Name: "city", Type: types.PropString, Default: &def},
	})
	require.NoError(t, err)
	require.Len(t, tag.Versions, 2)
	require.Equal(t, types.SchemaVer(1), tag.Versions[1].Version)
	// altering never mutates an old version
	require.Len(t, tag.Versions[0].Columns, 2)
	require.Len(t, tag.Versions[1].Columns, 3)

	// the registry sync sees every version
	reg := schema.NewRegistry()
	require.NoError(t, s.SyncRegistry(space.ID, reg))
	v0, err := reg.Tag(space.ID, tag.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 2, v0.NumFields())
	latest, err := reg.LatestTag(space.ID, tag.ID)
	require.NoError(t, err)
	require.Equal(t, 3, latest.NumFields())
	require.True(t, latest.FieldByName("city").HasDefault())
}

func TestEdgeSchema(t *testing.T) {
	s := newTestMeta(t)
	heartbeatStorage(t, s, 10030, 0)
	space, err := s.CreateSpace("es", 1, 1)
	require.NoError(t, err)

	edge, err := s.CreateEdge(space.ID, "like", SchemaVersionDesc{
		Columns: []ColumnDef{{Name: "likeness", Type: types.PropDouble}},
	})
	require.NoError(t, err)
	require.Greater(t, edge.Type, types.EdgeType(0))

	got, err := s.Store().GetEdge(space.ID, -edge.Type)
	require.NoError(t, err)
	require.Equal(t, edge.Type, got.Type)
}

func TestJobLifecycle(t *testing.T) {
	s := newTestMeta(t)
	heartbeatStorage(t, s, 10040, 0)
	space, err := s.CreateSpace("jobs", 1, 1)
	require.NoError(t, err)

	ran := make(chan struct{})
	s.Jobs().RegisterExecutor("compact", JobExecutorFunc(func(ctx context.Context, job *JobDesc) error {
		close(ran)
		return nil
	}))
	s.Jobs().Start()

	job, err := s.Jobs().Submit(space.ID, "compact", nil, false)
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	require.Eventually(t, func() bool {
		j, err := s.Store().GetJob(job.ID)
		return err == nil && j.Status == JobFinished
	}, 5*time.Second, 20*time.Millisecond)
}

func TestJobDedupe(t *testing.T) {
	s := newTestMeta(t)
	heartbeatStorage(t, s, 10050, 0)
	space, err := s.CreateSpace("dd", 1, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	s.Jobs().RegisterExecutor("rebuild", JobExecutorFunc(func(ctx context.Context, job *JobDesc) error {
		<-release
		return nil
	}))
	s.Jobs().Start()

	first, err := s.Jobs().Submit(space.ID, "rebuild", []string{"idx1"}, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, err := s.Store().GetJob(first.ID)
		return err == nil && j.Status == JobRunning
	}, 5*time.Second, 20*time.Millisecond)

	// same command and params dedupes onto the running job
	dup, err := s.Jobs().Submit(space.ID, "rebuild", []string{"idx1"}, true)
	require.NoError(t, err)
	require.Equal(t, first.ID, dup.ID)

	// different params is a fresh job
	other, err := s.Jobs().Submit(space.ID, "rebuild", []string{"idx2"}, true)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	close(release)
}

func TestJobStop(t *testing.T) {
	s := newTestMeta(t)
	heartbeatStorage(t, s, 10060, 0)
	space, err := s.CreateSpace("stop", 1, 1)
	require.NoError(t, err)

	s.Jobs().RegisterExecutor("stats", JobExecutorFunc(func(ctx context.Context, job *JobDesc) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Jobs().Start()

	job, err := s.Jobs().Submit(space.ID, "stats", nil, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, err := s.Store().GetJob(job.ID)
		return err == nil && j.Status == JobRunning
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Jobs().StopJob(job.ID))
	require.Eventually(t, func() bool {
		j, err := s.Store().GetJob(job.ID)
		return err == nil && j.Status == JobStopped
	}, 5*time.Second, 20*time.Millisecond)
}
