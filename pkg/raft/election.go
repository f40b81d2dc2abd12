package raft

import (
	"github.com/galdor/go-consensus/pkg/consensus"
)

func (n *Node) onElectionTimer() {
	switch n.state {
	case consensus.RoleFollower:
		n.Log.Debug(1, "election timeout, no leader for term %d",
			n.persistentState.CurrentTerm)
		n.startElection()

	case consensus.RoleCandidate:
		n.Log.Debug(1, "election timeout in term %d, starting a new election",
			n.persistentState.CurrentTerm)
		n.startElection()

	default:
		// A timer which fired right before we became leader
	}
}

func (n *Node) startElection() {
	term := n.persistentState.CurrentTerm + 1

	pstate := consensus.PersistentState{CurrentTerm: term, VotedFor: n.Id}
	if err := n.updatePersistentState(pstate); err != nil {
		n.setupElectionTimer()
		return
	}

	n.Log.Debug(1, "starting election for term %d", term)
	n.metrics.ElectionsStarted.Inc()

	n.state = consensus.RoleCandidate
	n.currentLeader = ""
	n.peers = nil

	n.votes = map[consensus.NodeId]bool{n.Id: true}

	n.setupElectionTimer()

	// A single node cluster elects itself
	if n.countVotes() >= n.Cfg.Cluster.Majority() {
		n.becomeLeader()
		return
	}

	n.broadcastMsg(&RequestVoteRequest{
		Term:         term,
		CandidateId:  n.Id,
		LastLogIndex: n.logStore.LastIndex(),
		LastLogTerm:  n.logStore.LastTerm(),
	})
}

func (n *Node) countVotes() int {
	nbVotes := 0

	for _, granted := range n.votes {
		if granted {
			nbVotes++
		}
	}

	return nbVotes
}

func (n *Node) onRequestVoteRequest(sourceId consensus.NodeId, req *RequestVoteRequest) {
	if req.CandidateId != sourceId {
		n.Log.Error("ignoring vote request for %q sent by %s",
			req.CandidateId, sourceId)
		n.metrics.RecordDropped("invalid_source")
		return
	}

	// Another node runs for the same term. We already voted for ourselves,
	// so the vote is still refused, but we stop our own campaign.
	if n.state == consensus.RoleCandidate {
		n.Log.Debug(1, "%s is also a candidate for term %d, reverting to "+
			"follower", req.CandidateId, req.Term)
		n.revertToFollower()
	}

	pstate := n.persistentState

	res := VoteResponse{Term: pstate.CurrentTerm}

	canVote := pstate.VotedFor == "" || pstate.VotedFor == req.CandidateId
	upToDate := n.isLogUpToDate(req.LastLogTerm, req.LastLogIndex)

	if canVote && upToDate {
		if pstate.VotedFor != req.CandidateId {
			// The vote must be durable before the candidate learns about it.
			pstate.VotedFor = req.CandidateId
			if err := n.updatePersistentState(pstate); err != nil {
				return
			}
		}

		res.VoteGranted = true

		// Granting a vote delays our own candidacy
		n.setupElectionTimer()
	}

	if res.VoteGranted {
		n.Log.Debug(1, "granting vote to %s for term %d",
			req.CandidateId, req.Term)
	} else {
		n.Log.Debug(1, "rejecting vote request from %s for term %d "+
			"(voted for: %q, up-to-date log: %v)",
			req.CandidateId, req.Term, pstate.VotedFor, upToDate)
	}

	n.sendMsg(sourceId, &res)
}

// isLogUpToDate reports whether a log ending with an entry of term lastTerm
// at index lastIndex is at least as recent as the local log.
func (n *Node) isLogUpToDate(lastTerm consensus.Term, lastIndex consensus.LogIndex) bool {
	localTerm := n.logStore.LastTerm()

	if lastTerm != localTerm {
		return lastTerm > localTerm
	}

	return lastIndex >= n.logStore.LastIndex()
}

func (n *Node) onVoteResponse(sourceId consensus.NodeId, res *VoteResponse) {
	if n.state != consensus.RoleCandidate {
		return
	}

	if res.Term != n.persistentState.CurrentTerm {
		return
	}

	n.votes[sourceId] = res.VoteGranted

	nbVotes := n.countVotes()
	majority := n.Cfg.Cluster.Majority()

	if nbVotes < majority {
		return
	}

	n.Log.Info("obtained %d/%d votes for term %d, becoming leader",
		nbVotes, len(n.Cfg.Cluster), res.Term)

	n.becomeLeader()
}

func (n *Node) becomeLeader() {
	n.state = consensus.RoleLeader
	n.currentLeader = n.Id
	n.votes = nil

	n.electionTimer.Stop()

	n.metrics.ElectionsWon.Inc()

	lastIndex := n.logStore.LastIndex()

	n.peers = make(map[consensus.NodeId]*peer)
	for _, id := range n.Cfg.Cluster.Ids() {
		if id == n.Id {
			continue
		}

		n.peers[id] = &peer{
			id:        id,
			nextIndex: lastIndex + 1,
		}
	}

	// Committing an entry of the current term is the only way to commit
	// entries left by previous leaders; the no-op entry makes it happen
	// without waiting for a client command.
	if _, err := n.appendEntry(consensus.EntryTypeNoop, nil); err != nil {
		n.Log.Error("cannot append no-op entry: %v", err)
	}
}
