package raftex

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/types"
)

// collectSM is a state machine that records applied payloads in order.
type collectSM struct {
	mu      sync.Mutex
	entries [][]byte
	applied types.LogID
}

func (s *collectSM) Apply(payloads [][]byte, committed types.LogID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, payloads...)
	s.applied = committed
	return nil
}

func (s *collectSM) Snapshot(sink func(rows [][]byte, done bool) error) (types.LogID, types.TermID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := sink(s.entries, false); err != nil {
		return 0, 0, err
	}
	return s.applied, 0, nil
}

func (s *collectSM) ApplySnapshot(rows [][]byte, committedID types.LogID, committedTerm types.TermID, done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rows) > 0 {
		s.entries = append(s.entries, rows...)
	}
	if done {
		s.applied = committedID
	}
	return nil
}

func (s *collectSM) OnRoleChange(Role, types.TermID) {}

func (s *collectSM) snapshotEntries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = string(e)
	}
	return out
}

type testCluster struct {
	fabric *InprocTransport
	hosts  []types.HostAddr
	svcs   []*Service
	parts  []*Part
	sms    []*collectSM
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{fabric: NewInprocTransport()}
	for i := 0; i < n; i++ {
		c.hosts = append(c.hosts, types.HostAddr{Host: "127.0.0.1", Port: 7700 + i})
	}
	for i := 0; i < n; i++ {
		sm := &collectSM{}
		svc := NewService(c.hosts[i])
		part, err := NewPart(Config{
			ClusterID:         1,
			Space:             1,
			Part:              1,
			Local:             c.hosts[i],
			Peers:             c.hosts,
			ElectionTimeout:   120 * time.Millisecond,
			HeartbeatInterval: 40 * time.Millisecond,
			MaxBatchSize:      64,
			WalDir:            t.TempDir(),
		}, c.fabric.ForHost(c.hosts[i]), sm, false)
		require.NoError(t, err)
		require.NoError(t, svc.AddPart(part))
		c.fabric.Register(svc)
		c.svcs = append(c.svcs, svc)
		c.parts = append(c.parts, part)
		c.sms = append(c.sms, sm)
	}
	t.Cleanup(func() {
		for _, svc := range c.svcs {
			svc.Stop()
		}
	})
	return c
}

// waitLeader polls until exactly one non-isolated part leads.
func (c *testCluster) waitLeader(t *testing.T, skip map[int]bool) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		leaders := 0
		idx := -1
		for i, p := range c.parts {
			if skip[i] {
				continue
			}
			if p.IsLeader() {
				leaders++
				idx = i
			}
		}
		if leaders == 1 {
			return idx
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no single leader elected in time")
	return -1
}

func (c *testCluster) appendN(t *testing.T, leader int, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.parts[leader].Propose(ctx, []byte(fmt.Sprintf("log_%d", i)))
		cancel()
		require.NoError(t, err, "append %d", i)
	}
}

func waitEntries(t *testing.T, sm *collectSM, want int, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if len(sm.snapshotEntries()) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state machine has %d entries, want %d", len(sm.snapshotEntries()), want)
}

func TestSingleVoterElectsItself(t *testing.T) {
	c := newTestCluster(t, 1)
	start := time.Now()
	c.waitLeader(t, nil)
	require.Less(t, time.Since(start), 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.parts[0].Propose(ctx, []byte("solo")))
	require.Equal(t, []string{"solo"}, c.sms[0].snapshotEntries())
}

func TestThreeVoterElection(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader(t, nil)
	require.GreaterOrEqual(t, leader, 0)

	// assert a single stable leader: everyone agrees
	time.Sleep(200 * time.Millisecond)
	count := 0
	for _, p := range c.parts {
		if p.IsLeader() {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestLogAppendReplicatesToAll(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader(t, nil)
	c.appendN(t, leader, 0, 50)

	for i, sm := range c.sms {
		waitEntries(t, sm, 50, 3*time.Second)
		require.Equal(t, c.sms[leader].snapshotEntries(), sm.snapshotEntries(), "replica %d diverged", i)
	}
}

func TestLeaderKillAndConvergence(t *testing.T) {
	c := newTestCluster(t, 3)
	first := c.waitLeader(t, nil)

	// kill the leader
	c.fabric.Isolate(c.hosts[first], true)
	second := c.waitLeader(t, map[int]bool{first: true})
	require.NotEqual(t, first, second)

	// append 100 records against the replacement leader
	c.appendN(t, second, 0, 100)

	// heal the old leader and require all three logs to converge
	c.fabric.Isolate(c.hosts[first], false)
	final := c.waitLeader(t, nil)
	c.appendN(t, final, 100, 101)

	for i, sm := range c.sms {
		waitEntries(t, sm, 101, 5*time.Second)
		require.Equal(t, c.sms[final].snapshotEntries(), sm.snapshotEntries(), "replica %d diverged", i)
	}
}

func TestLearnerCatchUp(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader(t, nil)

	// commit 100 records before the learner exists
	c.appendN(t, leader, 0, 100)

	learnerAddr := types.HostAddr{Host: "127.0.0.1", Port: 7790}
	sm := &collectSM{}
	svc := NewService(learnerAddr)
	part, err := NewPart(Config{
		ClusterID:         1,
		Space:             1,
		Part:              1,
		Local:             learnerAddr,
		Peers:             append(append([]types.HostAddr{}, c.hosts...), learnerAddr),
		ElectionTimeout:   120 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
		WalDir:            t.TempDir(),
	}, c.fabric.ForHost(learnerAddr), sm, true)
	require.NoError(t, err)
	require.NoError(t, svc.AddPart(part))
	c.fabric.Register(svc)
	t.Cleanup(svc.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	require.NoError(t, c.parts[leader].AddLearner(ctx, learnerAddr))
	cancel()

	// the learner streams the full committed prefix
	waitEntries(t, sm, 100, 5*time.Second)

	// new appends reach the learner promptly after commit
	c.appendN(t, leader, 100, 200)
	waitEntries(t, sm, 200, 3*time.Second)
	require.Equal(t, c.sms[leader].snapshotEntries(), sm.snapshotEntries())

	// the learner never campaigns
	require.Equal(t, RoleLearner, part.Role())
}

func TestMemberChangeOneAtATime(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader(t, nil)
	c.appendN(t, leader, 0, 10)

	// removing a follower shrinks the voter set; the group keeps working
	victim := (leader + 1) % 3
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	require.NoError(t, c.parts[leader].RemovePeer(ctx, c.hosts[victim]))
	cancel()
	c.fabric.Isolate(c.hosts[victim], true)

	c.appendN(t, leader, 10, 20)
	waitEntries(t, c.sms[(leader+2)%3], 20, 3*time.Second)
}

func TestProposeOnFollowerFails(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader(t, nil)
	follower := (leader + 1) % 3

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.parts[follower].Propose(ctx, []byte("nope"))
	require.Error(t, err)
}
