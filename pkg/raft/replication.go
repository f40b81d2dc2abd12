package raft

import (
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
)

// maxBatchSize bounds the total size of the commands carried by a single
// AppendEntries request.
const maxBatchSize = 8 * consensus.MaxCommandSize

// peer is the replication state the leader keeps for each follower.
type peer struct {
	id consensus.NodeId

	nextIndex  consensus.LogIndex
	matchIndex consensus.LogIndex

	// Set when a request was sent and no response came back since
	inflight bool

	backoff time.Duration
	retryAt time.Time
}

type commitWaiter struct {
	term       consensus.Term
	resultChan chan error
}

func (n *Node) onHeartbeatTicker() {
	if n.state != consensus.RoleLeader {
		return
	}

	now := time.Now()

	for _, p := range n.peers {
		if now.Before(p.retryAt) {
			continue
		}

		if p.inflight {
			// The previous request went unanswered; keep sending, but less
			// and less often.
			p.backoff = n.nextBackoff(p.backoff)
			n.Log.Debug(2, "no response from %s, backing off for %v",
				p.id, p.backoff)
		}

		n.sendAppendEntries(p)
		p.retryAt = now.Add(p.backoff)
	}
}

func (n *Node) nextBackoff(backoff time.Duration) time.Duration {
	if backoff == 0 {
		return n.Cfg.HeartbeatInterval
	}

	backoff *= 2
	if backoff > n.Cfg.MaxReplicationBackoff {
		backoff = n.Cfg.MaxReplicationBackoff
	}

	return backoff
}

func (n *Node) appendEntry(entryType consensus.EntryType, command []byte) (consensus.LogEntry, error) {
	entry := consensus.LogEntry{
		Term:    n.persistentState.CurrentTerm,
		Index:   n.logStore.LastIndex() + 1,
		Type:    entryType,
		Command: command,
	}

	if err := n.logStore.Append(entry); err != nil {
		return consensus.LogEntry{}, err
	}

	n.Log.Debug(2, "appended %v", entry)

	now := time.Now()

	for _, p := range n.peers {
		// Peers in backoff are caught up by the heartbeat ticker.
		if now.Before(p.retryAt) {
			continue
		}

		if p.nextIndex == entry.Index {
			n.sendAppendEntries(p)
		}
	}

	n.advanceCommitIndex()

	return entry, nil
}

func (n *Node) sendAppendEntries(p *peer) {
	prevIndex := p.nextIndex - 1

	prevTerm, err := consensus.TermAt(n.logStore, prevIndex)
	if err != nil {
		n.Log.Error("cannot read log entry %d: %v", prevIndex, err)
		return
	}

	lastIndex := n.logStore.LastIndex()

	var entries []consensus.LogEntry
	var batchSize int

	for index := p.nextIndex; index <= lastIndex; index++ {
		if len(entries) >= n.Cfg.MaxEntriesPerMsg {
			break
		}

		entry, err := n.logStore.Read(index)
		if err != nil {
			n.Log.Error("cannot read log entry %d: %v", index, err)
			return
		}

		// Encoded requests must stay below the transport message limit.
		if len(entries) > 0 && batchSize+len(entry.Command) > maxBatchSize {
			break
		}

		batchSize += len(entry.Command)
		entries = append(entries, entry)
	}

	p.inflight = true

	n.sendMsg(p.id, &AppendEntriesRequest{
		Term:         n.persistentState.CurrentTerm,
		LeaderId:     n.Id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	})
}

func (n *Node) onAppendEntriesRequest(sourceId consensus.NodeId, req *AppendEntriesRequest) {
	if req.LeaderId != sourceId {
		n.Log.Error("ignoring append request for leader %q sent by %s",
			req.LeaderId, sourceId)
		n.metrics.RecordDropped("invalid_source")
		return
	}

	switch n.state {
	case consensus.RoleLeader:
		// Two leaders for the same term would mean that election safety is
		// broken.
		n.Log.Error("received %v from %s while leader for the same term",
			req, sourceId)
		return

	case consensus.RoleCandidate:
		n.Log.Debug(1, "%s is leader for term %d, reverting to follower",
			sourceId, req.Term)
		n.revertToFollower()

	default:
		n.setupElectionTimer()
	}

	if n.currentLeader != req.LeaderId {
		n.Log.Info("following %s for term %d", req.LeaderId, req.Term)
		n.currentLeader = req.LeaderId
	}

	n.sendMsg(sourceId, n.appendEntries(req))
}

func (n *Node) appendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	term := n.persistentState.CurrentTerm

	lastIndex := n.logStore.LastIndex()

	if req.PrevLogIndex > lastIndex {
		return &AppendEntriesResponse{
			Term:          term,
			ConflictIndex: lastIndex + 1,
		}
	}

	prevTerm, err := consensus.TermAt(n.logStore, req.PrevLogIndex)
	if err != nil {
		n.Log.Error("cannot read log entry %d: %v", req.PrevLogIndex, err)
		return &AppendEntriesResponse{Term: term, ConflictIndex: req.PrevLogIndex}
	}

	if prevTerm != req.PrevLogTerm {
		// Point the leader at the first entry of the conflicting term so that
		// it can skip the whole term at once. Committed entries always match.
		conflictIndex := req.PrevLogIndex

		for conflictIndex > n.commitIndex+1 {
			t, err := consensus.TermAt(n.logStore, conflictIndex-1)
			if err != nil || t != prevTerm {
				break
			}

			conflictIndex--
		}

		return &AppendEntriesResponse{
			Term:          term,
			ConflictTerm:  prevTerm,
			ConflictIndex: conflictIndex,
		}
	}

	for i, entry := range req.Entries {
		index := req.PrevLogIndex + consensus.LogIndex(i) + 1

		if entry.Index != index {
			n.Log.Error("invalid index %d for entry %d of %v",
				entry.Index, index, req)
			return &AppendEntriesResponse{Term: term, ConflictIndex: req.PrevLogIndex + 1}
		}

		if index <= n.logStore.LastIndex() {
			localTerm, err := consensus.TermAt(n.logStore, index)
			if err != nil {
				n.Log.Error("cannot read log entry %d: %v", index, err)
				return &AppendEntriesResponse{Term: term, ConflictIndex: index}
			}

			// Entries we already have are skipped, which makes duplicate
			// requests harmless.
			if localTerm == entry.Term {
				continue
			}

			if index <= n.commitIndex {
				consensus.Panicf("entry %d of term %d conflicts with committed "+
					"entry of term %d", index, entry.Term, localTerm)
			}

			n.Log.Info("truncating log from index %d (term %d conflicts with "+
				"term %d)", index, localTerm, entry.Term)

			if err := n.truncateLog(index); err != nil {
				return &AppendEntriesResponse{Term: term, ConflictIndex: index}
			}
		}

		if err := n.logStore.Append(entry); err != nil {
			n.Log.Error("cannot append %v: %v", entry, err)
			return &AppendEntriesResponse{
				Term:          term,
				ConflictIndex: n.logStore.LastIndex() + 1,
			}
		}
	}

	matchIndex := req.PrevLogIndex + consensus.LogIndex(len(req.Entries))

	if req.LeaderCommit > n.commitIndex {
		commitIndex := req.LeaderCommit
		if commitIndex > matchIndex {
			commitIndex = matchIndex
		}

		n.setCommitIndex(commitIndex)
	}

	return &AppendEntriesResponse{
		Term:       term,
		Success:    true,
		MatchIndex: matchIndex,
	}
}

func (n *Node) truncateLog(index consensus.LogIndex) error {
	if err := n.logStore.TruncateFrom(index); err != nil {
		n.Log.Error("cannot truncate log from index %d: %v", index, err)
		return err
	}

	n.failCommitWaitersFrom(index, consensus.ErrNotCommitted)

	return nil
}

func (n *Node) onAppendEntriesResponse(sourceId consensus.NodeId, res *AppendEntriesResponse) {
	if n.state != consensus.RoleLeader {
		return
	}

	if res.Term != n.persistentState.CurrentTerm {
		return
	}

	p, found := n.peers[sourceId]
	if !found {
		return
	}

	p.inflight = false
	p.backoff = 0
	p.retryAt = time.Time{}

	lastIndex := n.logStore.LastIndex()

	if res.Success {
		if res.MatchIndex > lastIndex {
			n.Log.Error("ignoring %v from %s: match index is beyond last "+
				"index %d", res, sourceId, lastIndex)
			return
		}

		if res.MatchIndex > p.matchIndex {
			p.matchIndex = res.MatchIndex
		}

		if p.nextIndex < p.matchIndex+1 {
			p.nextIndex = p.matchIndex + 1
		}

		n.advanceCommitIndex()

		// Keep streaming until the follower is caught up
		if p.nextIndex <= lastIndex {
			n.sendAppendEntries(p)
		}

		return
	}

	nextIndex := res.ConflictIndex

	if res.ConflictTerm != 0 {
		// If our log contains entries of the conflicting term, resume right
		// after the last of them.
		index := p.nextIndex - 1
		if index > lastIndex {
			index = lastIndex
		}

		for ; index > 0; index-- {
			term, err := consensus.TermAt(n.logStore, index)
			if err != nil || term < res.ConflictTerm {
				break
			}

			if term == res.ConflictTerm {
				nextIndex = index + 1
				break
			}
		}
	}

	if nextIndex <= p.matchIndex {
		nextIndex = p.matchIndex + 1
	}

	if nextIndex < 1 {
		nextIndex = 1
	}

	// Responses to older requests can only move nextIndex backward.
	if nextIndex >= p.nextIndex {
		return
	}

	n.Log.Debug(1, "log of %s diverges, retrying from index %d",
		sourceId, nextIndex)

	p.nextIndex = nextIndex

	n.sendAppendEntries(p)
}

func (n *Node) advanceCommitIndex() {
	if n.state != consensus.RoleLeader {
		return
	}

	majority := n.Cfg.Cluster.Majority()
	currentTerm := n.persistentState.CurrentTerm

	for index := n.logStore.LastIndex(); index > n.commitIndex; index-- {
		term, err := consensus.TermAt(n.logStore, index)
		if err != nil {
			n.Log.Error("cannot read log entry %d: %v", index, err)
			return
		}

		// Entries of previous terms are only committed indirectly.
		if term != currentTerm {
			return
		}

		nbReplicas := 1
		for _, p := range n.peers {
			if p.matchIndex >= index {
				nbReplicas++
			}
		}

		if nbReplicas >= majority {
			n.setCommitIndex(index)
			return
		}
	}
}

func (n *Node) setCommitIndex(index consensus.LogIndex) {
	if index <= n.commitIndex {
		return
	}

	n.Log.Debug(2, "commit index %d -> %d", n.commitIndex, index)

	n.commitIndex = index
	n.metrics.CommitIndex.Set(float64(index))

	n.applyCommitted()
}

func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		index := n.lastApplied + 1

		entry, err := n.logStore.Read(index)
		if err != nil {
			n.Log.Error("cannot read committed entry %d: %v", index, err)
			return
		}

		if !entry.IsNoop() && n.stateMachine != nil {
			if err := n.stateMachine.Apply(entry); err != nil {
				n.Log.Error("cannot apply %v: %v", entry, err)
			}
		}

		n.lastApplied = index
		n.metrics.LastApplied.Set(float64(index))

		n.notifyCommitWaiters(entry)
	}
}

func (n *Node) addCommitWaiter(entry consensus.LogEntry) *commitWaiter {
	w := commitWaiter{
		term:       entry.Term,
		resultChan: make(chan error, 1),
	}

	// Single node clusters commit entries as soon as they are appended.
	if entry.Index <= n.lastApplied {
		w.resultChan <- nil
		return &w
	}

	n.commitWaiters[entry.Index] = append(n.commitWaiters[entry.Index], &w)

	return &w
}

func (n *Node) notifyCommitWaiters(entry consensus.LogEntry) {
	waiters, found := n.commitWaiters[entry.Index]
	if !found {
		return
	}

	delete(n.commitWaiters, entry.Index)

	for _, w := range waiters {
		if w.term == entry.Term {
			w.resultChan <- nil
		} else {
			w.resultChan <- consensus.ErrNotCommitted
		}
	}
}

func (n *Node) failCommitWaitersFrom(index consensus.LogIndex, err error) {
	for waiterIndex, waiters := range n.commitWaiters {
		if waiterIndex < index {
			continue
		}

		for _, w := range waiters {
			w.resultChan <- err
		}

		delete(n.commitWaiters, waiterIndex)
	}
}
