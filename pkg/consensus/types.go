package consensus

import (
	"fmt"
	"sort"
)

type NodeId string

type NodeAddress string

type NodeData struct {
	LocalAddress  NodeAddress `json:"localAddress"`
	PublicAddress NodeAddress `json:"publicAddress"`
}

// ClusterView is the fixed set of nodes taking part in the current epoch.
// It is read-only once handed to a node.
type ClusterView map[NodeId]NodeData

func (v ClusterView) Contains(id NodeId) bool {
	_, found := v[id]
	return found
}

func (v ClusterView) Size() int {
	return len(v)
}

// Ids returns node identifiers in lexicographic order, which is the
// order every node agrees on (e.g. for proposer rotation).
func (v ClusterView) Ids() []NodeId {
	ids := make([]NodeId, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	return ids
}

func (v ClusterView) Majority() int {
	return len(v)/2 + 1
}

// MaxFaults is the number of Byzantine nodes f the cluster tolerates,
// i.e. the largest f such that n >= 3f + 1.
func (v ClusterView) MaxFaults() int {
	if len(v) == 0 {
		return 0
	}

	return (len(v) - 1) / 3
}

func (v ClusterView) ByzantineQuorum() int {
	return len(v) - v.MaxFaults()
}

func (v ClusterView) Check(localId NodeId) error {
	if localId == "" {
		return fmt.Errorf("missing or empty node id")
	}

	if len(v) == 0 {
		return fmt.Errorf("empty cluster view")
	}

	if !v.Contains(localId) {
		return fmt.Errorf("unknown node id %q", localId)
	}

	return nil
}

type Term int64

type LogIndex int64

type EntryType string

const (
	EntryTypeCommand EntryType = "command"
	EntryTypeNoop    EntryType = "noop"
)

type LogEntry struct {
	Term    Term      `json:"term"`
	Index   LogIndex  `json:"index"`
	Type    EntryType `json:"type,omitempty"`
	Command []byte    `json:"command,omitempty"`
}

func (e LogEntry) IsNoop() bool {
	return e.Type == EntryTypeNoop
}

func (e LogEntry) String() string {
	return fmt.Sprintf("LogEntry{term: %d, index: %d, type: %s, %d bytes}",
		e.Term, e.Index, e.Type, len(e.Command))
}

type PersistentState struct {
	CurrentTerm Term   `json:"currentTerm"`
	VotedFor    NodeId `json:"votedFor,omitempty"`

	// Byzantine validators only: the log index CurrentTerm refers to, and
	// the value the validator is locked on for that index.
	Index       LogIndex `json:"index,omitempty"`
	LockedRound Term     `json:"lockedRound,omitempty"`
	LockedValue []byte   `json:"lockedValue,omitempty"`
}

type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"

	RoleValidator Role = "validator"
	RoleProposer  Role = "proposer"
)

type Status struct {
	Id          NodeId   `json:"id"`
	Role        Role     `json:"role"`
	Term        Term     `json:"term"`
	LeaderId    NodeId   `json:"leaderId,omitempty"`
	CommitIndex LogIndex `json:"commitIndex"`
	LastApplied LogIndex `json:"lastApplied"`
}
