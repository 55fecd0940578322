package raftex

import (
	"context"
	"time"

	"github.com/vergedb/verge/pkg/status"
)

// ProcessAskForVote handles a vote solicitation. A vote is granted iff the
// candidate's log is at least as up to date and no other candidate got
// this term's vote first.
func (p *Part) ProcessAskForVote(req *VoteRequest) *VoteResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Term < p.term {
		return &VoteResponse{Granted: false, Term: p.term}
	}
	if req.Term > p.term {
		p.stepDownLocked(req.Term)
	}
	if p.role == RoleLearner {
		// learners hold no franchise
		return &VoteResponse{Granted: false, Term: p.term}
	}

	upToDate := req.LastLogTerm > p.lastLogTermLocked() ||
		(req.LastLogTerm == p.lastLogTermLocked() && req.LastLogID >= p.lastLogIDLocked())
	alreadyVoted := p.votedTerm == req.Term && p.votedFor != req.Candidate.String()
	if !upToDate || alreadyVoted {
		return &VoteResponse{Granted: false, Term: p.term}
	}

	p.votedTerm = req.Term
	p.votedFor = req.Candidate.String()
	p.lastHeard = time.Now()
	p.resetElectionDue()
	p.logger.Debug().Int64("term", req.Term).Str("candidate", p.votedFor).Msg("Vote granted")
	return &VoteResponse{Granted: true, Term: p.term}
}

// ProcessAppendLog handles replication from the leader: heartbeats, new
// entries, and the consistency walk-back protocol.
func (p *Part) ProcessAppendLog(req *AppendRequest) *AppendResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Term < p.term {
		return &AppendResponse{
			Code:    status.ErrTermMismatch,
			Term:    p.term,
			MatchID: p.committed,
		}
	}
	if req.Term > p.term || p.role == RoleCandidate || p.role == RoleLeader {
		p.stepDownLocked(req.Term)
	}
	p.leader = req.Leader
	p.lastHeard = time.Now()
	p.resetElectionDue()

	lastID := p.lastLogIDLocked()
	// consistency check at the leader's claimed previous record
	if req.PrevLogID > lastID {
		return &AppendResponse{
			Code:    status.ErrLogStale,
			Term:    p.term,
			MatchID: p.committed,
		}
	}
	if req.PrevLogID > 0 && req.PrevLogID >= p.snapshotID {
		if localTerm := p.termAt(req.PrevLogID); localTerm >= 0 && localTerm != req.PrevLogTerm {
			return &AppendResponse{
				Code:    status.ErrTermMismatch,
				Term:    p.term,
				MatchID: p.committed,
			}
		}
	}

	if len(req.Entries) > 0 {
		first := req.Entries[0].LogID
		if first <= lastID {
			// a divergent suffix: discard it, but never below commit
			rollbackTo := first - 1
			if rollbackTo < p.committed {
				return &AppendResponse{
					Code:    status.ErrLogStale,
					Term:    p.term,
					MatchID: p.committed,
				}
			}
			if err := p.wal.RollbackTo(rollbackTo); err != nil {
				p.logger.Error().Err(err).Msg("Wal rollback failed")
				return &AppendResponse{Code: status.ErrRPCFailure, Term: p.term}
			}
		}
		for _, e := range req.Entries {
			msg := encodeEntryMsg(e.Kind, e.Payload)
			if err := p.wal.Append(e.LogID, e.Term, e.Cluster, msg); err != nil {
				p.logger.Error().Err(err).Int64("log_id", e.LogID).Msg("Wal append failed")
				return &AppendResponse{Code: status.ErrRPCFailure, Term: p.term}
			}
		}
	}

	if req.Committed > p.committed {
		to := req.Committed
		if last := p.lastLogIDLocked(); to > last {
			to = last
		}
		p.commitToLocked(to)
	}

	return &AppendResponse{
		Code:      status.Succeeded,
		Term:      p.term,
		MatchID:   p.lastLogIDLocked(),
		MatchTerm: p.lastLogTermLocked(),
	}
}

// ProcessSendSnapshot ingests snapshot chunks on a replica whose prefix
// was truncated away on the leader.
func (p *Part) ProcessSendSnapshot(req *SnapshotRequest) *SnapshotResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Term < p.term {
		return &SnapshotResponse{Code: status.ErrTermMismatch, Term: p.term}
	}
	if req.Term > p.term || p.role == RoleCandidate || p.role == RoleLeader {
		p.stepDownLocked(req.Term)
	}
	p.leader = req.Leader
	p.lastHeard = time.Now()

	if err := p.sm.ApplySnapshot(req.Rows, req.CommittedID, req.CommittedTerm, req.Done); err != nil {
		p.logger.Error().Err(err).Msg("Snapshot chunk apply failed")
		return &SnapshotResponse{Code: status.ErrRPCFailure, Term: p.term}
	}
	if req.Done {
		// the snapshot replaces the entire local log prefix
		if err := p.wal.ResetAll(); err != nil {
			p.logger.Error().Err(err).Msg("Wal reset after snapshot failed")
			return &SnapshotResponse{Code: status.ErrRPCFailure, Term: p.term}
		}
		p.snapshotID = req.CommittedID
		p.snapshotTerm = req.CommittedTerm
		p.committed = req.CommittedID
		p.applied = req.CommittedID
		p.logger.Info().Int64("committed", req.CommittedID).Msg("Snapshot installed")
	}
	return &SnapshotResponse{Code: status.Succeeded, Term: p.term}
}

// sendSnapshot streams the leader's state machine to one peer.
func (p *Part) sendSnapshot(ctx context.Context, ps *peerState) bool {
	p.mu.Lock()
	term := p.term
	p.mu.Unlock()

	var sendErr error
	snapID, snapTerm, err := p.sm.Snapshot(func(rows [][]byte, done bool) error {
		req := &SnapshotRequest{
			Space:  p.cfg.Space,
			Part:   p.cfg.Part,
			Leader: p.cfg.Local,
			Term:   term,
			Rows:   rows,
			Done:   false,
		}
		resp, err := p.tr.SendSnapshot(ctx, ps.addr, req)
		if err != nil {
			sendErr = err
			return err
		}
		if resp.Code != status.Succeeded {
			sendErr = status.New(resp.Code, "snapshot chunk rejected")
			return sendErr
		}
		return nil
	})
	if err != nil || sendErr != nil {
		p.logger.Warn().Err(err).Str("peer", ps.addr.String()).Msg("Snapshot stream failed")
		return false
	}

	// final empty chunk carries the frontier
	resp, err := p.tr.SendSnapshot(ctx, ps.addr, &SnapshotRequest{
		Space:         p.cfg.Space,
		Part:          p.cfg.Part,
		Leader:        p.cfg.Local,
		Term:          term,
		CommittedID:   snapID,
		CommittedTerm: snapTerm,
		Done:          true,
	})
	if err != nil || resp.Code != status.Succeeded {
		return false
	}
	p.mu.Lock()
	ps.match = snapID
	ps.next = snapID + 1
	p.mu.Unlock()
	p.logger.Info().Str("peer", ps.addr.String()).Int64("through", snapID).
		Msg("Snapshot delivered, resuming log replication")
	return true
}
