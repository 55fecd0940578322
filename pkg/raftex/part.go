package raftex

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
	"github.com/vergedb/verge/pkg/wal"
)

// peerState is the leader's view of one remote replica.
type peerState struct {
	addr    types.HostAddr
	learner bool
	next    types.LogID
	match   types.LogID
}

type proposal struct {
	kind    EntryKind
	payload []byte
	done    chan error
}

// Part is one replica of one partition's raft group. All state transitions
// run under a single mutex; replication fan-out and elections run outside
// it against a snapshot of the state.
type Part struct {
	cfg    Config
	tr     Transport
	sm     StateMachine
	wal    *wal.Wal
	logger zerolog.Logger

	mu        sync.Mutex
	role      Role
	term      types.TermID
	votedTerm types.TermID
	votedFor  string
	leader    types.HostAddr
	peers     map[string]*peerState

	committed types.LogID
	applied   types.LogID

	// the snapshot frontier: the wal starts after this point
	snapshotID   types.LogID
	snapshotTerm types.TermID

	pendingConfig bool

	lastHeard   time.Time
	lastQuorum  time.Time
	electionDue time.Duration
	stopped     bool

	proposeCh chan *proposal
	wakeCh    chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewPart opens the part's wal and assembles the replica. Start must be
// called before it participates.
func NewPart(cfg Config, tr Transport, sm StateMachine, asLearner bool) (*Part, error) {
	c := cfg.withDefaults()
	w, err := wal.Open(c.WalDir, wal.Options{Sync: c.WalSync})
	if err != nil {
		return nil, err
	}
	p := &Part{
		cfg:       c,
		tr:        tr,
		sm:        sm,
		wal:       w,
		logger:    log.WithPart(c.Space, c.Part),
		role:      RoleFollower,
		peers:     make(map[string]*peerState),
		proposeCh: make(chan *proposal, c.MaxBatchSize),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	if asLearner {
		p.role = RoleLearner
	}
	for _, addr := range c.Peers {
		if addr == c.Local {
			continue
		}
		p.peers[addr.String()] = &peerState{addr: addr}
	}
	p.lastHeard = time.Now()
	p.resetElectionDue()
	return p, nil
}

// Start launches the tick and replication loops.
func (p *Part) Start() {
	p.wg.Add(2)
	go p.tickLoop()
	go p.replicateLoop()
}

// Stop halts the part; in-flight proposals fail with Stopped.
func (p *Part) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()
	p.wal.Close()
}

// IsLeader reports whether this replica currently leads its group.
func (p *Part) IsLeader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role == RoleLeader
}

// Role returns the current role.
func (p *Part) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Leader returns the last known leader address.
func (p *Part) Leader() types.HostAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leader
}

// Term returns the current term.
func (p *Part) Term() types.TermID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.term
}

// CommittedLogID returns the commit frontier.
func (p *Part) CommittedLogID() types.LogID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed
}

// LastLogID returns the newest locally stored id.
func (p *Part) LastLogID() types.LogID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLogIDLocked()
}

func (p *Part) lastLogIDLocked() types.LogID {
	if id := p.wal.LastLogID(); id >= 0 {
		return id
	}
	return p.snapshotID
}

func (p *Part) lastLogTermLocked() types.TermID {
	if p.wal.LastLogID() >= 0 {
		return p.wal.LastLogTerm()
	}
	return p.snapshotTerm
}

// termAt resolves the term of a stored id, consulting the snapshot
// frontier for truncated prefixes. Returns -1 when unknown.
func (p *Part) termAt(id types.LogID) types.TermID {
	if id <= 0 {
		return 0
	}
	if id == p.snapshotID {
		return p.snapshotTerm
	}
	return p.wal.TermAt(id)
}

// Propose replicates a user payload and waits for commit.
func (p *Part) Propose(ctx context.Context, payload []byte) error {
	return p.propose(ctx, EntryNormal, payload)
}

func (p *Part) propose(ctx context.Context, kind EntryKind, payload []byte) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return status.New(status.ErrStopped, "part %d stopped", p.cfg.Part)
	}
	if p.role != RoleLeader {
		leader := p.leader
		p.mu.Unlock()
		return status.New(status.ErrNotLeader, "not leader, try %s", leader)
	}
	p.mu.Unlock()

	pr := &proposal{kind: kind, payload: payload, done: make(chan error, 1)}
	select {
	case p.proposeCh <- pr:
	case <-ctx.Done():
		return status.New(status.ErrCancelled, "proposal cancelled")
	case <-p.stopCh:
		return status.New(status.ErrStopped, "part %d stopped", p.cfg.Part)
	}
	select {
	case err := <-pr.done:
		return err
	case <-ctx.Done():
		return status.New(status.ErrCancelled, "proposal cancelled")
	case <-p.stopCh:
		return status.New(status.ErrStopped, "part %d stopped", p.cfg.Part)
	}
}

// replicateLoop drains proposals into batches, appends them locally and
// replicates. Heartbeats reuse the same round with an empty batch.
func (p *Part) replicateLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			p.failPending()
			return
		case <-p.wakeCh:
			p.replicateRound(nil)
		case first := <-p.proposeCh:
			batch := []*proposal{first}
			for len(batch) < p.cfg.MaxBatchSize {
				select {
				case pr := <-p.proposeCh:
					batch = append(batch, pr)
				default:
					goto drained
				}
			}
		drained:
			p.replicateRound(batch)
		}
	}
}

func (p *Part) failPending() {
	for {
		select {
		case pr := <-p.proposeCh:
			pr.done <- status.New(status.ErrStopped, "part stopped")
		default:
			return
		}
	}
}

// replicateRound appends the batch locally, pushes every lagging peer
// forward, advances the commit frontier, and resolves proposals.
func (p *Part) replicateRound(batch []*proposal) {
	p.mu.Lock()
	if p.role != RoleLeader {
		p.mu.Unlock()
		for _, pr := range batch {
			pr.done <- status.New(status.ErrNotLeader, "leadership lost")
		}
		return
	}
	term := p.term
	firstID := p.lastLogIDLocked() + 1
	for i, pr := range batch {
		msg := encodeEntryMsg(pr.kind, pr.payload)
		if err := p.wal.Append(firstID+types.LogID(i), term, p.cfg.ClusterID, msg); err != nil {
			p.mu.Unlock()
			p.logger.Error().Err(err).Msg("Local wal append failed")
			for _, b := range batch {
				b.done <- err
			}
			return
		}
	}
	lastID := p.lastLogIDLocked()
	peers := make([]*peerState, 0, len(p.peers))
	for _, ps := range p.peers {
		peers = append(peers, ps)
	}
	p.mu.Unlock()

	// parallel fan-out, each peer bounded by the append deadline
	var wg sync.WaitGroup
	acks := make([]bool, len(peers))
	for i, ps := range peers {
		wg.Add(1)
		go func(i int, ps *peerState) {
			defer wg.Done()
			acks[i] = p.syncPeer(ps, lastID)
		}(i, ps)
	}
	wg.Wait()

	p.mu.Lock()
	quorumOK := p.role == RoleLeader
	if quorumOK {
		p.advanceCommitLocked()
		// count ourselves plus acked voters for lease purposes
		votes := 1
		for i, ps := range peers {
			if acks[i] && !ps.learner {
				votes++
			}
		}
		if votes >= p.quorumLocked() {
			p.lastQuorum = time.Now()
		}
	}
	committed := p.committed
	p.mu.Unlock()

	for i, pr := range batch {
		id := firstID + types.LogID(i)
		if id <= committed {
			pr.done <- nil
		} else if !quorumOK {
			pr.done <- status.New(status.ErrNotLeader, "leadership lost")
		} else {
			pr.done <- status.New(status.ErrTimeout, "log %d not committed in time", id)
		}
	}
}

// syncPeer pushes one peer toward lastID, walking next back on term
// mismatch and switching to a snapshot when the prefix is truncated.
func (p *Part) syncPeer(ps *peerState, lastID types.LogID) bool {
	deadline := 2 * p.cfg.HeartbeatInterval
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	for {
		p.mu.Lock()
		if p.role != RoleLeader || p.stopped {
			p.mu.Unlock()
			return false
		}
		term := p.term
		committed := p.committed
		next := ps.next
		if next <= 0 {
			// fresh leader view: probe from the tail and walk back
			next = lastID + 1
		}
		firstAvail := p.wal.FirstLogID()
		needSnapshot := p.snapshotID > 0 && next <= p.snapshotID && (firstAvail < 0 || next < firstAvail)
		prevID := next - 1
		prevTerm := p.termAt(prevID)
		p.mu.Unlock()

		if needSnapshot {
			return p.sendSnapshot(ctx, ps)
		}

		req := &AppendRequest{
			Space:       p.cfg.Space,
			Part:        p.cfg.Part,
			Leader:      p.cfg.Local,
			Term:        term,
			PrevLogID:   prevID,
			PrevLogTerm: prevTerm,
			Committed:   committed,
		}
		for it := p.wal.Iterator(next, lastID); it.Valid(); it.Next() {
			kind, payload := decodeEntryMsg(it.Msg())
			req.Entries = append(req.Entries, LogEntry{
				LogID:   it.LogID(),
				Term:    it.Term(),
				Cluster: it.Cluster(),
				Kind:    kind,
				Payload: append([]byte(nil), payload...),
			})
			if len(req.Entries) >= p.cfg.MaxBatchSize {
				break
			}
		}

		resp, err := p.tr.AppendLog(ctx, ps.addr, req)
		if err != nil {
			return false
		}
		p.mu.Lock()
		if resp.Term > p.term {
			p.stepDownLocked(resp.Term)
			p.mu.Unlock()
			return false
		}
		switch resp.Code {
		case status.Succeeded:
			ps.match = resp.MatchID
			ps.next = resp.MatchID + 1
			done := ps.match >= lastID
			p.mu.Unlock()
			if done {
				return true
			}
		case status.ErrLogStale, status.ErrTermMismatch:
			ps.next = resp.MatchID + 1
			if ps.next < 1 {
				ps.next = 1
			}
			p.mu.Unlock()
		default:
			p.mu.Unlock()
			return false
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}
	}
}

// quorumLocked is the majority size over voters, local replica included.
func (p *Part) quorumLocked() int {
	voters := 1
	for _, ps := range p.peers {
		if !ps.learner {
			voters++
		}
	}
	return voters/2 + 1
}

// advanceCommitLocked moves the commit frontier to the highest id stored
// on a majority of voters, restricted to entries of the current term.
func (p *Part) advanceCommitLocked() {
	ids := []types.LogID{p.lastLogIDLocked()}
	for _, ps := range p.peers {
		if !ps.learner {
			ids = append(ids, ps.match)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	candidate := ids[p.quorumLocked()-1]
	if candidate <= p.committed {
		return
	}
	if p.termAt(candidate) != p.term {
		return
	}
	p.commitToLocked(candidate)
}

// commitToLocked advances commit and applies the newly committed suffix.
func (p *Part) commitToLocked(to types.LogID) {
	if to <= p.committed {
		return
	}
	p.committed = to
	var payloads [][]byte
	for it := p.wal.Iterator(p.applied+1, p.committed); it.Valid(); it.Next() {
		kind, payload := decodeEntryMsg(it.Msg())
		switch kind {
		case EntryNormal:
			payloads = append(payloads, append([]byte(nil), payload...))
		case EntryConfigChange:
			p.applyConfigChangeLocked(payload, it.LogID())
		}
	}
	if len(payloads) > 0 {
		if err := p.sm.Apply(payloads, p.committed); err != nil {
			p.logger.Error().Err(err).Int64("committed", p.committed).
				Msg("State machine apply failed")
		}
	}
	p.applied = p.committed
}

// encodeEntryMsg prefixes the payload with its kind for wal storage.
func encodeEntryMsg(kind EntryKind, payload []byte) []byte {
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(kind)
	copy(msg[1:], payload)
	return msg
}

func decodeEntryMsg(msg []byte) (EntryKind, []byte) {
	if len(msg) == 0 {
		return EntryNormal, nil
	}
	return EntryKind(msg[0]), msg[1:]
}

// configChange is the payload of a membership record.
type configChange struct {
	Op   string         `json:"op"` // add_peer | remove_peer | add_learner
	Addr types.HostAddr `json:"addr"`
}

// AddPeer proposes adding a voter. Changes are one at a time: a second
// change is rejected until the first commits.
func (p *Part) AddPeer(ctx context.Context, addr types.HostAddr) error {
	return p.proposeConfigChange(ctx, configChange{Op: "add_peer", Addr: addr})
}

// RemovePeer proposes removing a voter. A leader that removes itself
// steps down once the change commits.
func (p *Part) RemovePeer(ctx context.Context, addr types.HostAddr) error {
	return p.proposeConfigChange(ctx, configChange{Op: "remove_peer", Addr: addr})
}

// AddLearner proposes a non-voting member; the leader then streams the
// committed prefix to it.
func (p *Part) AddLearner(ctx context.Context, addr types.HostAddr) error {
	return p.proposeConfigChange(ctx, configChange{Op: "add_learner", Addr: addr})
}

func (p *Part) proposeConfigChange(ctx context.Context, cc configChange) error {
	p.mu.Lock()
	if p.pendingConfig {
		p.mu.Unlock()
		return status.New(status.ErrWriteConflict, "another membership change is in flight")
	}
	p.pendingConfig = true
	p.mu.Unlock()

	payload, err := json.Marshal(cc)
	if err != nil {
		p.mu.Lock()
		p.pendingConfig = false
		p.mu.Unlock()
		return err
	}
	err = p.propose(ctx, EntryConfigChange, payload)
	p.mu.Lock()
	p.pendingConfig = false
	p.mu.Unlock()
	return err
}

// applyConfigChangeLocked mutates the member set at commit time on every
// replica.
func (p *Part) applyConfigChangeLocked(payload []byte, id types.LogID) {
	var cc configChange
	if err := json.Unmarshal(payload, &cc); err != nil {
		p.logger.Error().Err(err).Int64("log_id", id).Msg("Corrupt membership record")
		return
	}
	key := cc.Addr.String()
	switch cc.Op {
	case "add_peer":
		if cc.Addr == p.cfg.Local {
			if p.role == RoleLearner {
				p.role = RoleFollower
				p.sm.OnRoleChange(p.role, p.term)
			}
			break
		}
		if ps, ok := p.peers[key]; ok {
			ps.learner = false
		} else {
			p.peers[key] = &peerState{addr: cc.Addr, next: 1}
		}
	case "remove_peer":
		if cc.Addr == p.cfg.Local {
			if p.role == RoleLeader {
				p.logger.Info().Msg("Removed from the group, stepping down")
				p.stepDownLocked(p.term)
			}
			break
		}
		delete(p.peers, key)
	case "add_learner":
		if cc.Addr == p.cfg.Local {
			break
		}
		if _, ok := p.peers[key]; !ok {
			// learners stream from the very first record
			p.peers[key] = &peerState{addr: cc.Addr, learner: true, next: 1}
		}
	default:
		p.logger.Warn().Str("op", cc.Op).Msg("Unknown membership op")
	}
	p.logger.Info().Str("op", cc.Op).Str("addr", key).Msg("Membership change applied")
}
