package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ruvnet/clustercore/internal/consensus"
	"github.com/ruvnet/clustercore/internal/sink"
)

// SinkStorage implements consensus.Storage over an internal/sink.Sink,
// namespacing keys under "consensus/<nodeId>/term" and
// "log/<nodeId>/<index>" so the same backing store (memory, Redis,
// Postgres) can also serve queue durability, per SPEC_FULL.md §4. The
// teacher's loadState/saveState were no-op stubs; this is the real
// persistence spec.md §6 requires (fsync-before-reply durability is
// delegated to the underlying sink implementation).
type SinkStorage struct {
	nodeID consensus.NodeID
	s      sink.Sink
}

func NewSinkStorage(nodeID consensus.NodeID, s sink.Sink) *SinkStorage {
	return &SinkStorage{nodeID: nodeID, s: s}
}

type termAndVote struct {
	Term     consensus.Term `json:"term"`
	VotedFor consensus.NodeID `json:"voted_for"`
}

func (s *SinkStorage) termKey() string {
	return fmt.Sprintf("consensus/%s/term", s.nodeID)
}

func (s *SinkStorage) logKey(index consensus.LogIndex) string {
	return fmt.Sprintf("log/%s/%020d", s.nodeID, index)
}

func (s *SinkStorage) logPrefix() string {
	return fmt.Sprintf("log/%s/", s.nodeID)
}

func (s *SinkStorage) SaveTermAndVote(term consensus.Term, votedFor consensus.NodeID) error {
	data, err := json.Marshal(termAndVote{Term: term, VotedFor: votedFor})
	if err != nil {
		return err
	}
	return s.s.Put(context.Background(), s.termKey(), data)
}

func (s *SinkStorage) LoadTermAndVote() (consensus.Term, consensus.NodeID, error) {
	data, ok, err := s.s.Get(context.Background(), s.termKey())
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, "", nil
	}
	var tv termAndVote
	if err := json.Unmarshal(data, &tv); err != nil {
		return 0, "", err
	}
	return tv.Term, tv.VotedFor, nil
}

func (s *SinkStorage) AppendEntries(entries []*consensus.LogEntry) error {
	ctx := context.Background()
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := s.s.Put(ctx, s.logKey(e.Index), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *SinkStorage) TruncateFrom(index consensus.LogIndex) error {
	ctx := context.Background()
	all, err := s.s.Scan(ctx, s.logPrefix())
	if err != nil {
		return err
	}
	for key := range all {
		idx, err := parseLogIndex(key, s.logPrefix())
		if err != nil {
			continue
		}
		if idx >= index {
			if err := s.s.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SinkStorage) LoadEntries() ([]*consensus.LogEntry, error) {
	ctx := context.Background()
	all, err := s.s.Scan(ctx, s.logPrefix())
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]*consensus.LogEntry, 0, len(keys))
	for _, k := range keys {
		var e consensus.LogEntry
		if err := json.Unmarshal(all[k], &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

func parseLogIndex(key, prefix string) (consensus.LogIndex, error) {
	suffix := strings.TrimPrefix(key, prefix)
	n, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, err
	}
	return consensus.LogIndex(n), nil
}
