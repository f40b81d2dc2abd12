package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
)

type NodeCfg struct {
	Id      consensus.NodeId
	Cluster consensus.ClusterView

	Transport       consensus.Transport
	LogStore        consensus.LogStore
	PersistentStore consensus.PersistentStore
	StateMachine    consensus.StateMachine

	Logger  consensus.Logger
	Metrics *consensus.Metrics

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	HeartbeatInterval     time.Duration
	MaxReplicationBackoff time.Duration

	MaxEntriesPerMsg int
}

// Node is a member of a raft cluster. All its state is owned by the main
// goroutine; public methods hand closures over to it.
type Node struct {
	Cfg NodeCfg
	Log consensus.Logger

	Id consensus.NodeId

	state         consensus.Role
	currentLeader consensus.NodeId

	commitIndex consensus.LogIndex
	lastApplied consensus.LogIndex

	persistentState consensus.PersistentState

	// Leader only
	peers map[consensus.NodeId]*peer

	// Candidate only
	votes map[consensus.NodeId]bool

	commitWaiters map[consensus.LogIndex][]*commitWaiter

	transport       consensus.Transport
	logStore        consensus.LogStore
	persistentStore consensus.PersistentStore
	stateMachine    consensus.StateMachine
	metrics         *consensus.Metrics

	randGenerator *rand.Rand

	heartbeatTicker *time.Ticker
	electionTimer   *time.Timer // follower or candidate only

	requestChan chan func()

	errorChan chan<- error
	stopChan  chan struct{}
	doneChan  chan struct{}
	wg        sync.WaitGroup
}

func NewNode(cfg NodeCfg) (*Node, error) {
	if err := cfg.Cluster.Check(cfg.Id); err != nil {
		return nil, err
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.LogStore == nil {
		return nil, fmt.Errorf("missing log store")
	}

	if cfg.PersistentStore == nil {
		return nil, fmt.Errorf("missing persistent store")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Metrics == nil {
		cfg.Metrics = consensus.NewMetrics("raft", cfg.Id, nil)
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 1000 * time.Millisecond
	}

	if cfg.MaxElectionTimeout < cfg.MinElectionTimeout {
		return nil, fmt.Errorf("maximum election timeout is lower than " +
			"minimum election timeout")
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}

	if cfg.HeartbeatInterval >= cfg.MinElectionTimeout {
		return nil, fmt.Errorf("heartbeat interval must be lower than the " +
			"minimum election timeout")
	}

	if cfg.MaxReplicationBackoff == 0 {
		cfg.MaxReplicationBackoff = 2 * time.Second
	}

	if cfg.MaxEntriesPerMsg == 0 {
		cfg.MaxEntriesPerMsg = 64
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	n := &Node{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		commitWaiters: make(map[consensus.LogIndex][]*commitWaiter),

		transport:       cfg.Transport,
		logStore:        cfg.LogStore,
		persistentStore: cfg.PersistentStore,
		stateMachine:    cfg.StateMachine,
		metrics:         cfg.Metrics,

		randGenerator: rand.New(randSource),

		requestChan: make(chan func()),

		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	return n, nil
}

func (n *Node) Start(errorChan chan<- error) error {
	n.Log.Debug(1, "starting")

	n.errorChan = errorChan

	pstate, err := n.persistentStore.Read()
	if err != nil {
		return fmt.Errorf("cannot read persistent state: %w", err)
	}

	n.persistentState = pstate

	n.Log.Debug(1, "initial persistent state: currentTerm %d, votedFor %q, "+
		"last log index %d", pstate.CurrentTerm, pstate.VotedFor,
		n.logStore.LastIndex())

	n.metrics.Term.Set(float64(pstate.CurrentTerm))

	n.state = consensus.RoleFollower

	n.heartbeatTicker = time.NewTicker(n.Cfg.HeartbeatInterval)
	n.setupElectionTimer()

	n.wg.Add(1)
	go n.main()

	n.Log.Debug(1, "started")

	return nil
}

// Stop terminates the main goroutine. Stores are owned by the caller and
// are left open.
func (n *Node) Stop() {
	n.Log.Debug(1, "stopping")

	close(n.stopChan)
	n.wg.Wait()

	n.Log.Debug(1, "stopped")
}

func (n *Node) main() {
	defer n.wg.Done()
	defer close(n.doneChan)
	defer consensus.RecoverLoop(n.Log, n.errorChan, n.shutdown)

	msgChan := n.transport.Receive()

	for {
		select {
		case <-n.stopChan:
			n.shutdown()
			return

		case <-n.heartbeatTicker.C:
			n.onHeartbeatTicker()

		case <-n.electionTimer.C:
			n.onElectionTimer()

		case incomingMsg := <-msgChan:
			n.onMsg(incomingMsg.SourceId, incomingMsg.Msg)

		case fn := <-n.requestChan:
			fn()
		}
	}
}

func (n *Node) shutdown() {
	n.Log.Debug(1, "shutting down")

	n.heartbeatTicker.Stop()
	n.electionTimer.Stop()

	n.failCommitWaitersFrom(1, consensus.ErrStopped)
}

func (n *Node) onMsg(sourceId consensus.NodeId, msg consensus.Msg) {
	n.Log.Debug(2, "received %v from %s", msg, sourceId)
	n.metrics.RecordReceived(msg)

	if sourceId == n.Id || !n.Cfg.Cluster.Contains(sourceId) {
		n.Log.Debug(1, "ignoring message %v from unknown node %q", msg, sourceId)
		n.metrics.RecordDropped("unknown_source")
		return
	}

	termMsg, ok := msg.(TermMsg)
	if !ok {
		n.Log.Error("unexpected message %v from %s", msg, sourceId)
		n.metrics.RecordDropped("unexpected_type")
		return
	}

	term := termMsg.GetTerm()

	if term < n.persistentState.CurrentTerm {
		// The message is stale; requests are answered with the current term
		// so that the sender can catch up.
		n.Log.Debug(1, "ignoring stale message %v (current term: %d)",
			msg, n.persistentState.CurrentTerm)
		n.metrics.RecordDropped("stale_term")

		n.replyStale(sourceId, msg)
		return
	}

	if term > n.persistentState.CurrentTerm {
		// We are out-of-date and must revert to follower.
		n.Log.Debug(1, "received message with term %d (current term: %d), "+
			"reverting to follower", term, n.persistentState.CurrentTerm)

		if err := n.advanceTerm(term); err != nil {
			return
		}
	}

	switch msgv := msg.(type) {
	case *RequestVoteRequest:
		n.onRequestVoteRequest(sourceId, msgv)
	case *VoteResponse:
		n.onVoteResponse(sourceId, msgv)
	case *AppendEntriesRequest:
		n.onAppendEntriesRequest(sourceId, msgv)
	case *AppendEntriesResponse:
		n.onAppendEntriesResponse(sourceId, msgv)
	default:
		n.Log.Error("unexpected message %v from %s", msg, sourceId)
		n.metrics.RecordDropped("unexpected_type")
	}
}

func (n *Node) replyStale(sourceId consensus.NodeId, msg consensus.Msg) {
	term := n.persistentState.CurrentTerm

	switch msg.(type) {
	case *RequestVoteRequest:
		n.sendMsg(sourceId, &VoteResponse{Term: term})
	case *AppendEntriesRequest:
		n.sendMsg(sourceId, &AppendEntriesResponse{Term: term})
	}
}

func (n *Node) advanceTerm(term consensus.Term) error {
	pstate := consensus.PersistentState{CurrentTerm: term, VotedFor: ""}
	if err := n.updatePersistentState(pstate); err != nil {
		return err
	}

	n.currentLeader = ""

	if n.state != consensus.RoleFollower {
		n.revertToFollower()
	}

	return nil
}

func (n *Node) revertToFollower() {
	n.state = consensus.RoleFollower

	// Clear leader data
	n.peers = nil

	// Clear candidate data
	n.votes = nil

	// Rearm the election timer; if we do not receive any AppendEntries
	// request before the timer goes off, we will become candidate and start
	// an election.
	n.setupElectionTimer()
}

func (n *Node) setupElectionTimer() {
	timeout := n.electionTimeout()
	n.Log.Debug(2, "election timer will expire in %v", timeout)

	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}

	n.electionTimer = time.NewTimer(timeout)
}

func (n *Node) electionTimeout() time.Duration {
	minTimeout := int64(n.Cfg.MinElectionTimeout)
	maxTimeout := int64(n.Cfg.MaxElectionTimeout)

	jitter := n.randGenerator.Int63n(maxTimeout - minTimeout + 1)

	return time.Duration(minTimeout + jitter)
}

func (n *Node) updatePersistentState(state consensus.PersistentState) error {
	if err := n.persistentStore.Write(state); err != nil {
		n.Log.Error("cannot write persistent state: %v", err)
		return err
	}

	if state.CurrentTerm != n.persistentState.CurrentTerm {
		n.metrics.Term.Set(float64(state.CurrentTerm))
	}

	n.persistentState = state
	return nil
}

func (n *Node) sendMsg(recipientId consensus.NodeId, msg consensus.Msg) {
	n.Log.Debug(2, "sending %v to %s", msg, recipientId)
	n.metrics.RecordSent(msg)

	if err := n.transport.Send(recipientId, msg); err != nil {
		n.Log.Debug(1, "cannot send %v to %s: %v", msg, recipientId, err)
	}
}

func (n *Node) broadcastMsg(msg consensus.Msg) {
	n.Log.Debug(2, "broadcasting %v", msg)
	n.metrics.RecordSent(msg)

	if err := n.transport.Broadcast(msg); err != nil {
		n.Log.Debug(1, "cannot broadcast %v: %v", msg, err)
	}
}
