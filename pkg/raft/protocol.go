package raft

import (
	"fmt"

	"github.com/galdor/go-consensus/pkg/consensus"
)

// TermMsg is implemented by every raft message; the term is used to detect
// stale messages and out-of-date nodes.
type TermMsg interface {
	consensus.Msg

	GetTerm() consensus.Term
}

func init() {
	consensus.RegisterMsgType("requestVote", func() consensus.Msg {
		return &RequestVoteRequest{}
	})

	consensus.RegisterMsgType("voteResponse", func() consensus.Msg {
		return &VoteResponse{}
	})

	consensus.RegisterMsgType("appendEntries", func() consensus.Msg {
		return &AppendEntriesRequest{}
	})

	consensus.RegisterMsgType("appendResponse", func() consensus.Msg {
		return &AppendEntriesResponse{}
	})
}

type RequestVoteRequest struct {
	Term         consensus.Term     `json:"term"`
	CandidateId  consensus.NodeId   `json:"candidateId"`
	LastLogIndex consensus.LogIndex `json:"lastLogIndex"`
	LastLogTerm  consensus.Term     `json:"lastLogTerm"`
}

func (msg *RequestVoteRequest) GetType() string {
	return "requestVote"
}

func (msg *RequestVoteRequest) GetTerm() consensus.Term {
	return msg.Term
}

func (msg *RequestVoteRequest) String() string {
	return fmt.Sprintf("RequestVote{term: %d, candidateId: %q, "+
		"lastLogIndex: %d, lastLogTerm: %d}",
		msg.Term, msg.CandidateId, msg.LastLogIndex, msg.LastLogTerm)
}

type VoteResponse struct {
	Term        consensus.Term `json:"term"`
	VoteGranted bool           `json:"voteGranted"`
}

func (msg *VoteResponse) GetType() string {
	return "voteResponse"
}

func (msg *VoteResponse) GetTerm() consensus.Term {
	return msg.Term
}

func (msg *VoteResponse) String() string {
	return fmt.Sprintf("VoteResponse{term: %d, voteGranted: %v}",
		msg.Term, msg.VoteGranted)
}

type AppendEntriesRequest struct {
	Term         consensus.Term       `json:"term"`
	LeaderId     consensus.NodeId     `json:"leaderId"`
	PrevLogIndex consensus.LogIndex   `json:"prevLogIndex"`
	PrevLogTerm  consensus.Term       `json:"prevLogTerm"`
	Entries      []consensus.LogEntry `json:"entries,omitempty"`
	LeaderCommit consensus.LogIndex   `json:"leaderCommit"`
}

func (msg *AppendEntriesRequest) GetType() string {
	return "appendEntries"
}

func (msg *AppendEntriesRequest) GetTerm() consensus.Term {
	return msg.Term
}

func (msg *AppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntries{term: %d, leaderId: %q, "+
		"prevLogIndex: %d, prevLogTerm: %d, %d entries, leaderCommit: %d}",
		msg.Term, msg.LeaderId, msg.PrevLogIndex, msg.PrevLogTerm,
		len(msg.Entries), msg.LeaderCommit)
}

// AppendEntriesResponse reports the index up to which the follower log
// matches the leader log on success. On failure, ConflictTerm is the term of
// the follower entry at PrevLogIndex (0 if the follower log is too short)
// and ConflictIndex the first index the leader should try next.
type AppendEntriesResponse struct {
	Term          consensus.Term     `json:"term"`
	Success       bool               `json:"success"`
	MatchIndex    consensus.LogIndex `json:"matchIndex,omitempty"`
	ConflictTerm  consensus.Term     `json:"conflictTerm,omitempty"`
	ConflictIndex consensus.LogIndex `json:"conflictIndex,omitempty"`
}

func (msg *AppendEntriesResponse) GetType() string {
	return "appendResponse"
}

func (msg *AppendEntriesResponse) GetTerm() consensus.Term {
	return msg.Term
}

func (msg *AppendEntriesResponse) String() string {
	if msg.Success {
		return fmt.Sprintf("AppendResponse{term: %d, success: true, "+
			"matchIndex: %d}", msg.Term, msg.MatchIndex)
	}

	return fmt.Sprintf("AppendResponse{term: %d, success: false, "+
		"conflictTerm: %d, conflictIndex: %d}",
		msg.Term, msg.ConflictTerm, msg.ConflictIndex)
}
