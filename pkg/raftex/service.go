package raftex

import (
	"fmt"
	"sync"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Service hosts every raft part of one storage host and dispatches
// incoming raft RPCs to them.
type Service struct {
	local types.HostAddr

	mu    sync.RWMutex
	parts map[string]*Part
}

// NewService creates an empty part host.
func NewService(local types.HostAddr) *Service {
	return &Service{local: local, parts: make(map[string]*Part)}
}

func partKey(space types.GraphSpaceID, part types.PartitionID) string {
	return fmt.Sprintf("%d/%d", space, part)
}

// Local returns the host address the service answers on.
func (s *Service) Local() types.HostAddr { return s.local }

// AddPart registers and starts a part.
func (s *Service) AddPart(p *Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partKey(p.cfg.Space, p.cfg.Part)
	if _, ok := s.parts[key]; ok {
		return status.New(status.ErrExisted, "part %s already hosted", key)
	}
	s.parts[key] = p
	p.Start()
	return nil
}

// RemovePart stops and forgets a part.
func (s *Service) RemovePart(space types.GraphSpaceID, part types.PartitionID) {
	s.mu.Lock()
	p := s.parts[partKey(space, part)]
	delete(s.parts, partKey(space, part))
	s.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Part looks up a hosted part.
func (s *Service) Part(space types.GraphSpaceID, part types.PartitionID) (*Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.parts[partKey(space, part)]; ok {
		return p, nil
	}
	return nil, status.New(status.ErrPartNotFound, "part %d/%d not hosted", space, part)
}

// HandleAskForVote routes a vote request to its part.
func (s *Service) HandleAskForVote(req *VoteRequest) *VoteResponse {
	p, err := s.Part(req.Space, req.Part)
	if err != nil {
		return &VoteResponse{Granted: false}
	}
	return p.ProcessAskForVote(req)
}

// HandleAppendLog routes an append to its part.
func (s *Service) HandleAppendLog(req *AppendRequest) *AppendResponse {
	p, err := s.Part(req.Space, req.Part)
	if err != nil {
		return &AppendResponse{Code: status.ErrPartNotFound}
	}
	return p.ProcessAppendLog(req)
}

// HandleSendSnapshot routes a snapshot chunk to its part.
func (s *Service) HandleSendSnapshot(req *SnapshotRequest) *SnapshotResponse {
	p, err := s.Part(req.Space, req.Part)
	if err != nil {
		return &SnapshotResponse{Code: status.ErrPartNotFound}
	}
	return p.ProcessSendSnapshot(req)
}

// Stop halts every hosted part.
func (s *Service) Stop() {
	s.mu.Lock()
	parts := make([]*Part, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	s.parts = make(map[string]*Part)
	s.mu.Unlock()
	for _, p := range parts {
		p.Stop()
	}
}
