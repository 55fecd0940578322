package raftex

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/vergedb/verge/pkg/types"
)

// resetElectionDue rolls a fresh randomized timeout within [T, 2T).
func (p *Part) resetElectionDue() {
	t := p.cfg.ElectionTimeout
	p.electionDue = t + time.Duration(rand.Int63n(int64(t)))
}

// tickLoop drives election timeouts for followers and heartbeats plus the
// leadership lease for leaders.
func (p *Part) tickLoop() {
	defer p.wg.Done()
	tick := p.cfg.HeartbeatInterval / 2
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		role := p.role
		elapsed := time.Since(p.lastHeard)
		due := p.electionDue
		quorumAge := time.Since(p.lastQuorum)
		p.mu.Unlock()

		switch role {
		case RoleLeader:
			// lost quorum contact for too long: step down and let a
			// better-connected replica take over
			if quorumAge > time.Duration(p.cfg.ExpiredFactor)*p.cfg.HeartbeatInterval {
				p.mu.Lock()
				if p.role == RoleLeader {
					p.logger.Warn().Msg("Quorum contact expired, stepping down")
					p.stepDownLocked(p.term)
				}
				p.mu.Unlock()
				continue
			}
			// heartbeat doubles as the catch-up driver for laggards
			select {
			case p.wakeCh <- struct{}{}:
			default:
			}
		case RoleFollower, RoleCandidate:
			if elapsed >= due {
				p.runElection()
			}
		case RoleLearner:
			// learners never campaign
		}
	}
}

// runElection transitions to candidate and solicits votes. Concurrency:
// votes are gathered outside the lock; the outcome is applied only if the
// term is unchanged by the time the tally is in.
func (p *Part) runElection() {
	p.mu.Lock()
	if p.stopped || (p.role != RoleFollower && p.role != RoleCandidate) {
		p.mu.Unlock()
		return
	}
	p.role = RoleCandidate
	p.term++
	p.votedTerm = p.term
	p.votedFor = p.cfg.Local.String()
	p.leader = types.HostAddr{}
	p.lastHeard = time.Now()
	p.resetElectionDue()

	term := p.term
	req := &VoteRequest{
		Space:       p.cfg.Space,
		Part:        p.cfg.Part,
		Candidate:   p.cfg.Local,
		Term:        term,
		LastLogID:   p.lastLogIDLocked(),
		LastLogTerm: p.lastLogTermLocked(),
	}
	var voters []types.HostAddr
	for _, ps := range p.peers {
		if !ps.learner {
			voters = append(voters, ps.addr)
		}
	}
	quorum := p.quorumLocked()
	p.mu.Unlock()

	p.logger.Info().Int64("term", term).Msg("Starting election")

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ElectionTimeout)
	defer cancel()

	var mu sync.Mutex
	granted := 1 // our own vote
	maxTerm := term
	var wg sync.WaitGroup
	for _, addr := range voters {
		wg.Add(1)
		go func(addr types.HostAddr) {
			defer wg.Done()
			resp, err := p.tr.AskForVote(ctx, addr, req)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.Term > maxTerm {
				maxTerm = resp.Term
			}
			if resp.Granted {
				granted++
			}
		}(addr)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if maxTerm > p.term {
		p.stepDownLocked(maxTerm)
		return
	}
	if p.term != term || p.role != RoleCandidate {
		// something else moved the world on; abandon this election
		return
	}
	if granted >= quorum {
		p.becomeLeaderLocked()
	}
	// lost: stay candidate, the next timeout retries with a higher term
}

// becomeLeaderLocked asserts leadership and schedules the empty append
// that announces it.
func (p *Part) becomeLeaderLocked() {
	p.role = RoleLeader
	p.leader = p.cfg.Local
	p.lastQuorum = time.Now()
	for _, ps := range p.peers {
		if ps.learner {
			// learners keep streaming from wherever they were
			if ps.next <= 0 {
				ps.next = 1
			}
			continue
		}
		ps.next = p.lastLogIDLocked() + 1
		ps.match = 0
	}
	p.logger.Info().Int64("term", p.term).Msg("Elected leader")
	p.sm.OnRoleChange(RoleLeader, p.term)
	// an immediate no-op append asserts leadership and lets entries of
	// earlier terms commit under this term's quorum rule
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ElectionTimeout)
		defer cancel()
		_ = p.propose(ctx, EntryHeartbeat, nil)
	}()
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// stepDownLocked falls back to follower at the given term.
func (p *Part) stepDownLocked(term types.TermID) {
	wasLeader := p.role == RoleLeader
	if p.role != RoleLearner {
		p.role = RoleFollower
	}
	if term > p.term {
		p.term = term
	}
	p.leader = types.HostAddr{}
	p.lastHeard = time.Now()
	p.resetElectionDue()
	if wasLeader {
		p.sm.OnRoleChange(p.role, p.term)
	}
}
