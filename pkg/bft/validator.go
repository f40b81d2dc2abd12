package bft

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
)

const (
	// MaxSyncEntries is the number of decisions sent back for a single sync
	// request, and the distance in log indexes beyond which messages are
	// not kept for later.
	MaxSyncEntries = 64

	maxPendingMsgs  = 256 // per sender
	maxCertificates = 1024
)

type ValidatorCfg struct {
	Id      consensus.NodeId
	Cluster consensus.ClusterView

	PrivateKey ed25519.PrivateKey
	PublicKeys KeyRing

	Transport       consensus.Transport
	LogStore        consensus.LogStore
	PersistentStore consensus.PersistentStore
	StateMachine    consensus.StateMachine

	Logger  consensus.Logger
	Metrics *consensus.Metrics

	RoundTimeout    time.Duration
	MaxFutureRounds int
}

// Validator takes part in Byzantine agreement. Log indexes are decided one
// after the other, each by one or more rounds. A validator which accepts a
// value is locked on it for the following rounds of the same index, so
// that all rounds of an index decide the same value.
type Validator struct {
	Cfg ValidatorCfg
	Log consensus.Logger

	Id consensus.NodeId

	ids      []consensus.NodeId
	nbFaults int
	quorum   int

	index  consensus.LogIndex // being decided
	round  Round
	rounds map[Round]*roundState
	learns Tally

	votedRound  Round
	lockedRound Round
	lockedValue []byte
	validRound  Round
	validValue  []byte

	senderRounds  map[consensus.NodeId]Round
	senderIndexes map[consensus.NodeId]consensus.LogIndex
	syncRequests  map[consensus.NodeId]consensus.LogIndex

	pending       map[consensus.LogIndex][]SignedMsg
	pendingCounts map[consensus.NodeId]int

	certificates map[consensus.LogIndex]*Learn

	queue    []*pendingCommand
	proposal *pendingCommand // proposed by us for the current index

	transport       consensus.Transport
	logStore        consensus.LogStore
	persistentStore consensus.PersistentStore
	stateMachine    consensus.StateMachine
	metrics         *consensus.Metrics

	roundTimer *time.Timer

	requestChan chan func()

	errorChan chan<- error
	stopChan  chan struct{}
	doneChan  chan struct{}
	wg        sync.WaitGroup
}

type roundState struct {
	index consensus.LogIndex
	round Round

	proposal   *Propose // sent by the round proposer
	proposes   Tally
	accepts    Tally
	acceptMsgs map[consensus.NodeId]*Accept

	proposed bool // we sent a proposal or supported one
	accepted bool
}

type pendingCommand struct {
	value      []byte
	resultChan chan submitResult
}

type submitResult struct {
	index consensus.LogIndex
	round Round
	err   error
}

func NewValidator(cfg ValidatorCfg) (*Validator, error) {
	if err := cfg.Cluster.Check(cfg.Id); err != nil {
		return nil, err
	}

	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("missing or invalid private key")
	}

	if err := cfg.PublicKeys.Check(cfg.Cluster); err != nil {
		return nil, err
	}

	publicKey := cfg.PrivateKey.Public().(ed25519.PublicKey)
	if !publicKey.Equal(cfg.PublicKeys[cfg.Id]) {
		return nil, fmt.Errorf("private key does not match the public key "+
			"of node %q", cfg.Id)
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
		cfg.Metrics = consensus.NewMetrics("bft", cfg.Id, nil)
	}

	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = time.Second
	}

	if cfg.MaxFutureRounds == 0 {
		cfg.MaxFutureRounds = 64
	}

	v := &Validator{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		ids:      cfg.Cluster.Ids(),
		nbFaults: cfg.Cluster.MaxFaults(),
		quorum:   cfg.Cluster.ByzantineQuorum(),

		senderIndexes: make(map[consensus.NodeId]consensus.LogIndex),
		syncRequests:  make(map[consensus.NodeId]consensus.LogIndex),

		pending:       make(map[consensus.LogIndex][]SignedMsg),
		pendingCounts: make(map[consensus.NodeId]int),

		certificates: make(map[consensus.LogIndex]*Learn),

		transport:       cfg.Transport,
		logStore:        cfg.LogStore,
		persistentStore: cfg.PersistentStore,
		stateMachine:    cfg.StateMachine,
		metrics:         cfg.Metrics,

		requestChan: make(chan func()),

		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	return v, nil
}

func (v *Validator) Start(errorChan chan<- error) error {
	v.Log.Debug(1, "starting (%d validators, %d tolerated faults)",
		len(v.ids), v.nbFaults)

	v.errorChan = errorChan

	pstate, err := v.persistentStore.Read()
	if err != nil {
		return fmt.Errorf("cannot read persistent state: %w", err)
	}

	lastIndex := v.logStore.LastIndex()
	v.metrics.CommitIndex.Set(float64(lastIndex))
	v.metrics.LastApplied.Set(float64(lastIndex))

	v.resetIndex(lastIndex + 1)

	var round Round

	// A restarted validator keeps its lock and never votes again in a round
	// it already voted in.
	if pstate.VotedFor != "" && pstate.Index == v.index {
		v.votedRound = Round(pstate.CurrentTerm)
		round = v.votedRound + 1

		if len(pstate.LockedValue) > 0 {
			v.lockedRound = Round(pstate.LockedRound)
			v.lockedValue = pstate.LockedValue

			v.validRound = v.lockedRound
			v.validValue = v.lockedValue
		}
	}

	v.Log.Debug(1, "resuming at index %d, round %d", v.index, round)

	v.startRound(round)

	v.wg.Add(1)
	go v.main()

	return nil
}

func (v *Validator) Stop() {
	v.Log.Debug(1, "stopping")

	close(v.stopChan)
	v.wg.Wait()

	v.Log.Debug(1, "stopped")
}

func (v *Validator) main() {
	defer v.wg.Done()
	defer close(v.doneChan)
	defer consensus.RecoverLoop(v.Log, v.errorChan, v.shutdown)

	msgChan := v.transport.Receive()

	for {
		select {
		case <-v.stopChan:
			v.shutdown()
			return

		case <-v.roundTimer.C:
			v.onRoundTimeout()

		case incomingMsg := <-msgChan:
			v.onMsg(incomingMsg.SourceId, incomingMsg.Msg)

		case fn := <-v.requestChan:
			fn()
		}
	}
}

func (v *Validator) shutdown() {
	v.roundTimer.Stop()

	if v.proposal != nil {
		v.proposal.resultChan <- submitResult{err: consensus.ErrStopped}
		v.proposal = nil
	}

	for _, cmd := range v.queue {
		cmd.resultChan <- submitResult{err: consensus.ErrStopped}
	}

	v.queue = nil
}

func (v *Validator) proposerOf(index consensus.LogIndex, round Round) consensus.NodeId {
	n := int64(len(v.ids))
	return v.ids[(int64(index)-1+int64(round))%n]
}

func (v *Validator) lowRound() Round {
	low := v.round - Round(v.Cfg.MaxFutureRounds)
	if low < 0 {
		low = 0
	}

	return low
}

func (v *Validator) roundState(round Round) *roundState {
	if round < v.lowRound() {
		return nil
	}

	rs, found := v.rounds[round]
	if !found {
		rs = &roundState{
			index: v.index,
			round: round,

			proposes:   make(Tally),
			accepts:    make(Tally),
			acceptMsgs: make(map[consensus.NodeId]*Accept),
		}

		v.rounds[round] = rs
	}

	return rs
}

func (v *Validator) resetIndex(index consensus.LogIndex) {
	v.index = index
	v.rounds = make(map[Round]*roundState)
	v.learns = make(Tally)
	v.senderRounds = make(map[consensus.NodeId]Round)

	v.votedRound = -1
	v.lockedRound = -1
	v.lockedValue = nil
	v.validRound = -1
	v.validValue = nil
}

func (v *Validator) startIndex(index consensus.LogIndex) {
	v.resetIndex(index)

	msgs := v.pending[index]
	delete(v.pending, index)

	for _, msg := range msgs {
		v.pendingCounts[msg.GetVote().Sender]--
	}

	v.startRound(0)

	for _, msg := range msgs {
		if v.index != index {
			// Decided while replaying
			break
		}

		v.onVote(msg)
	}

	v.requestDecisions(v.index + 1)
}

func (v *Validator) startRound(round Round) {
	v.round = round
	v.metrics.Round.Set(float64(round))

	low := v.lowRound()
	for r := range v.rounds {
		if r < low {
			delete(v.rounds, r)
		}
	}

	if v.roundTimer != nil {
		v.roundTimer.Stop()
	}

	v.roundTimer = time.NewTimer(v.Cfg.RoundTimeout)

	proposerId := v.proposerOf(v.index, round)
	v.Log.Debug(2, "starting round %d of index %d (proposer: %s)",
		round, v.index, proposerId)

	rs := v.roundState(round)

	if proposerId == v.Id {
		v.propose(rs)
	}

	v.processRound(rs)
}

func (v *Validator) onRoundTimeout() {
	v.Log.Debug(1, "round %d of index %d timed out", v.round, v.index)
	v.metrics.RoundsAbandoned.Inc()

	rs := v.roundState(v.round)

	if !rs.proposed {
		v.sendPropose(rs, nil, -1)
	}

	if !rs.accepted {
		v.sendAccept(rs, nil)
	}

	// Unanswered sync requests are sent again.
	v.syncRequests = make(map[consensus.NodeId]consensus.LogIndex)
	v.requestDecisions(v.index)

	v.startRound(v.round + 1)
}

func (v *Validator) propose(rs *roundState) {
	if rs.proposed {
		return
	}

	value := v.validValue
	validRound := v.validRound

	if value == nil {
		if v.proposal == nil {
			if len(v.queue) == 0 {
				return
			}

			v.proposal = v.queue[0]
			v.queue = v.queue[1:]
		}

		value = v.proposal.value
		validRound = -1
	}

	v.Log.Debug(1, "proposing %d bytes for index %d in round %d",
		len(value), v.index, rs.round)

	v.sendPropose(rs, value, validRound)
}

func (v *Validator) onMsg(sourceId consensus.NodeId, msg consensus.Msg) {
	v.Log.Debug(2, "received %v from %s", msg, sourceId)
	v.metrics.RecordReceived(msg)

	if req, ok := msg.(*SyncRequest); ok {
		v.onSyncRequest(sourceId, req)
		return
	}

	signedMsg, ok := msg.(SignedMsg)
	if !ok {
		v.Log.Error("unexpected message %v from %s", msg, sourceId)
		v.metrics.RecordDropped("unexpected_type")
		return
	}

	vote := signedMsg.GetVote()

	// The transport source is not authenticated; the signature is what
	// identifies the sender.
	if vote.Sender == v.Id || !v.Cfg.Cluster.Contains(vote.Sender) {
		v.metrics.RecordDropped("unknown_source")
		return
	}

	if !v.Cfg.PublicKeys.Verify(signedMsg) {
		v.Log.Debug(1, "invalid signature for %v received from %s",
			msg, sourceId)
		v.metrics.InvalidSignature.Inc()
		v.metrics.RecordDropped("invalid_signature")
		return
	}

	v.onVote(signedMsg)
}

// onVote handles a message whose signature was verified.
func (v *Validator) onVote(msg SignedMsg) {
	vote := msg.GetVote()

	if vote.Index < v.index {
		v.metrics.RecordDropped("stale_index")
		return
	}

	if vote.Index > v.index {
		v.onFutureVote(msg)
		return
	}

	if learn, ok := msg.(*Learn); ok {
		v.onLearn(learn)
		return
	}

	if vote.Round > v.round+Round(v.Cfg.MaxFutureRounds) {
		v.metrics.RecordDropped("future_round")
		return
	}

	if vote.Round < v.lowRound() {
		v.metrics.RecordDropped("stale_round")
		return
	}

	v.updateSenderRound(vote.Sender, vote.Round)

	if vote.Index != v.index {
		// Decided after jumping to a later round
		return
	}

	rs := v.roundState(vote.Round)
	if rs == nil {
		v.metrics.RecordDropped("stale_round")
		return
	}

	switch msg := msg.(type) {
	case *Propose:
		v.onPropose(rs, msg)
	case *Accept:
		v.onAccept(rs, msg)
	}
}

// onFutureVote keeps messages for the next indexes until the current one is
// decided, and fetches the decisions we missed from validators which are
// further ahead.
func (v *Validator) onFutureVote(msg SignedMsg) {
	vote := msg.GetVote()

	if vote.Index > v.senderIndexes[vote.Sender] {
		v.senderIndexes[vote.Sender] = vote.Index
	}

	switch {
	case vote.Index > v.index+MaxSyncEntries:
		v.metrics.RecordDropped("future_index")

	case v.pendingCounts[vote.Sender] >= maxPendingMsgs:
		v.metrics.RecordDropped("too_many_pending")

	default:
		v.pending[vote.Index] = append(v.pending[vote.Index], msg)
		v.pendingCounts[vote.Sender]++
	}

	// Messages for the next index are expected while the current one is
	// being decided.
	v.requestDecisions(v.index + 1)
}

// requestDecisions asks every validator seen at an index above minIndex
// for the decisions we miss. Answers are signed learns, so the request is
// safe to send to anyone.
func (v *Validator) requestDecisions(minIndex consensus.LogIndex) {
	for _, id := range v.ids {
		index, found := v.senderIndexes[id]
		if !found || index <= minIndex {
			continue
		}

		if until, found := v.syncRequests[id]; found && v.index < until {
			continue
		}

		v.syncRequests[id] = v.index + MaxSyncEntries

		v.Log.Debug(1, "requesting decisions from index %d to %s (seen at "+
			"index %d)", v.index, id, index)

		v.sendMsg(id, &SyncRequest{Index: v.index})
	}
}

func (v *Validator) onSyncRequest(sourceId consensus.NodeId, req *SyncRequest) {
	if sourceId == v.Id || !v.Cfg.Cluster.Contains(sourceId) {
		v.metrics.RecordDropped("unknown_source")
		return
	}

	start := req.Index
	if start < 1 {
		start = 1
	}

	lastIndex := v.logStore.LastIndex()

	for index := start; index <= lastIndex && index < start+MaxSyncEntries; index++ {
		learn, err := v.learnMsg(index)
		if err != nil {
			v.Log.Error("cannot read log entry %d: %v", index, err)
			return
		}

		v.sendMsg(sourceId, learn)
	}
}

// learnMsg returns the learn message of a decided index, with its
// certificate if we still have it.
func (v *Validator) learnMsg(index consensus.LogIndex) (*Learn, error) {
	if learn, found := v.certificates[index]; found {
		return learn, nil
	}

	entry, err := v.logStore.Read(index)
	if err != nil {
		return nil, err
	}

	learn := Learn{
		Vote: Vote{
			Index:  index,
			Round:  Round(entry.Term),
			Sender: v.Id,
			Value:  entry.Command,
		},
	}

	Sign(&learn, v.Cfg.PrivateKey)

	return &learn, nil
}

func (v *Validator) updateSenderRound(sender consensus.NodeId, round Round) {
	if previous, found := v.senderRounds[sender]; found && round <= previous {
		return
	}

	v.senderRounds[sender] = round

	if round <= v.round {
		return
	}

	var rounds []Round
	for _, r := range v.senderRounds {
		if r > v.round {
			rounds = append(rounds, r)
		}
	}

	if len(rounds) < v.nbFaults+1 {
		return
	}

	// At least one honest validator has reached the (f+1)-th highest round.
	sort.Slice(rounds, func(i, j int) bool {
		return rounds[i] > rounds[j]
	})

	target := rounds[v.nbFaults]

	v.Log.Debug(1, "%d validators are ahead, jumping from round %d to "+
		"round %d", len(rounds), v.round, target)

	v.metrics.RoundsAbandoned.Inc()
	v.startRound(target)
}

func (v *Validator) onEquivocation(msgType string, vote *Vote) {
	v.Log.Info("%s sent conflicting %s messages for round %d of index %d",
		vote.Sender, msgType, vote.Round, vote.Index)

	v.metrics.Equivocations.Inc()
	v.metrics.RecordDropped("equivocation")
}

func (v *Validator) onPropose(rs *roundState, msg *Propose) {
	if !v.addPropose(rs, msg) {
		return
	}

	// Support in an earlier round can unblock the current one.
	v.processRound(v.roundState(v.round))
}

func (v *Validator) addPropose(rs *roundState, msg *Propose) bool {
	switch rs.proposes.Add(msg.Sender, msg.Value) {
	case TallyDuplicate:
		return false
	case TallyEquivocation:
		v.onEquivocation("propose", &msg.Vote)
		return false
	}

	if msg.Sender == v.proposerOf(rs.index, rs.round) && len(msg.Value) > 0 {
		rs.proposal = msg
	}

	// A value supported by n-f validators is the one to propose in later
	// rounds.
	value, count := rs.proposes.MostFrequent()
	if count >= v.quorum && len(value) > 0 && rs.round > v.validRound {
		v.validRound = rs.round
		v.validValue = value
	}

	return true
}

func (v *Validator) processRound(rs *roundState) {
	if rs.index != v.index || rs.round != v.round {
		return
	}

	if !rs.proposed {
		if value, found := v.supportedValue(rs); found {
			v.sendPropose(rs, value, -1)
		}
	}

	if !rs.accepted {
		value, count := rs.proposes.MostFrequent()

		if count >= v.quorum {
			v.Log.Debug(2, "accepting %d bytes supported by %d/%d "+
				"validators in round %d", len(value), count,
				len(rs.proposes), rs.round)

			v.sendAccept(rs, value)
		}
	}
}

// supportedValue returns the value we support in a round, if we can decide
// yet. An empty value supports nothing.
func (v *Validator) supportedValue(rs *roundState) ([]byte, bool) {
	if p := rs.proposal; p != nil {
		if p.ValidRound < 0 || p.ValidRound >= rs.round {
			if v.canSupport(p.Value) {
				return p.Value, true
			}

			return nil, true
		}

		// The proposer relies on an earlier round in which n-f validators
		// supported the value.
		vrs := v.rounds[p.ValidRound]
		if vrs != nil && vrs.proposes.Count(p.Value) >= v.quorum {
			if v.lockedRound <= p.ValidRound || v.canSupport(p.Value) {
				return p.Value, true
			}

			return nil, true
		}
	}

	// Relay a value supported by f+1 validators, at least one of them
	// honest, in case the proposer did not send it to us.
	value, found := rs.proposes.ValueWithCount(v.nbFaults + 1)
	if found && len(value) > 0 && v.canSupport(value) {
		return value, true
	}

	return nil, false
}

func (v *Validator) canSupport(value []byte) bool {
	return v.lockedValue == nil || bytes.Equal(v.lockedValue, value)
}

func (v *Validator) sendPropose(rs *roundState, value []byte, validRound Round) {
	rs.proposed = true

	if err := v.persistVote(rs.round); err != nil {
		v.Log.Error("cannot write persistent state: %v", err)
		return
	}

	msg := Propose{
		Vote: Vote{
			Index:  v.index,
			Round:  rs.round,
			Sender: v.Id,
			Value:  value,
		},

		ValidRound: validRound,
	}

	Sign(&msg, v.Cfg.PrivateKey)

	v.broadcastMsg(&msg)

	v.addPropose(rs, &msg)
}

func (v *Validator) sendAccept(rs *roundState, value []byte) {
	rs.accepted = true

	if len(value) > 0 {
		v.lockedRound = rs.round
		v.lockedValue = value

		v.validRound = rs.round
		v.validValue = value
	}

	if err := v.persistVote(rs.round); err != nil {
		v.Log.Error("cannot write persistent state: %v", err)
		return
	}

	msg := Accept{
		Vote: Vote{
			Index:  v.index,
			Round:  rs.round,
			Sender: v.Id,
			Value:  value,
		},
	}

	Sign(&msg, v.Cfg.PrivateKey)

	v.broadcastMsg(&msg)

	v.onAccept(rs, &msg)
}

// persistVote makes the vote of a round and the current lock durable; it
// must be called before the vote is sent.
func (v *Validator) persistVote(round Round) error {
	if round > v.votedRound {
		v.votedRound = round
	}

	pstate := consensus.PersistentState{
		CurrentTerm: consensus.Term(v.votedRound),
		VotedFor:    v.Id,
		Index:       v.index,
	}

	if v.lockedValue != nil {
		pstate.LockedRound = consensus.Term(v.lockedRound)
		pstate.LockedValue = v.lockedValue
	}

	return v.persistentStore.Write(pstate)
}

func (v *Validator) onAccept(rs *roundState, msg *Accept) {
	switch rs.accepts.Add(msg.Sender, msg.Value) {
	case TallyDuplicate:
		return
	case TallyEquivocation:
		v.onEquivocation("accept", &msg.Vote)
		return
	}

	rs.acceptMsgs[msg.Sender] = msg

	if len(msg.Value) == 0 {
		return
	}

	if rs.accepts.Count(msg.Value) >= v.quorum {
		v.decide(rs.round, msg.Value, v.certificate(rs, msg.Value), true)
	}
}

func (v *Validator) certificate(rs *roundState, value []byte) []*Accept {
	var accepts []*Accept

	for _, id := range v.ids {
		msg, found := rs.acceptMsgs[id]
		if found && bytes.Equal(msg.Value, value) {
			accepts = append(accepts, msg)
		}
	}

	return accepts
}

func (v *Validator) onLearn(learn *Learn) {
	if len(learn.Value) == 0 {
		v.metrics.RecordDropped("empty_learn")
		return
	}

	if len(learn.Certificate) > 0 {
		if !v.Cfg.PublicKeys.VerifyCertificate(learn, v.quorum) {
			v.Log.Info("%s sent %v with an invalid certificate",
				learn.Sender, learn)
			v.metrics.RecordDropped("invalid_certificate")
			return
		}

		v.decide(learn.Round, learn.Value, learn.Certificate, false)
		return
	}

	switch v.learns.Add(learn.Sender, learn.Value) {
	case TallyDuplicate:
		return
	case TallyEquivocation:
		v.onEquivocation("learn", &learn.Vote)
		return
	}

	// At least one of f+1 validators is honest and decided the value.
	if v.learns.Count(learn.Value) >= v.nbFaults+1 {
		v.decide(learn.Round, learn.Value, nil, false)
	}
}

// decide appends the value decided for the current index and moves to the
// next one. Decisions made from our own accept tally are announced to the
// other validators.
func (v *Validator) decide(round Round, value []byte, certificate []*Accept, announce bool) {
	index := v.index

	entry := consensus.LogEntry{
		Term:    consensus.Term(round),
		Index:   index,
		Type:    consensus.EntryTypeCommand,
		Command: value,
	}

	if err := v.logStore.Append(entry); err != nil {
		v.Log.Error("cannot append %v: %v", entry, err)
		return
	}

	v.Log.Debug(1, "decided index %d in round %d", index, round)

	v.metrics.RoundsDecided.Inc()
	v.metrics.CommitIndex.Set(float64(index))

	if v.stateMachine != nil {
		if err := v.stateMachine.Apply(entry); err != nil {
			v.Log.Error("cannot apply %v: %v", entry, err)
		}
	}

	v.metrics.LastApplied.Set(float64(index))

	learn := Learn{
		Vote: Vote{
			Index:  index,
			Round:  round,
			Sender: v.Id,
			Value:  value,
		},

		Certificate: certificate,
	}

	Sign(&learn, v.Cfg.PrivateKey)

	if certificate != nil {
		v.certificates[index] = &learn
		delete(v.certificates, index-maxCertificates)
	}

	if announce {
		v.broadcastMsg(&learn)
	}

	if cmd := v.proposal; cmd != nil {
		result := submitResult{index: index, round: round}
		if !bytes.Equal(cmd.value, value) {
			result.err = consensus.ErrNotCommitted
		}

		cmd.resultChan <- result
		v.proposal = nil
	}

	v.startIndex(index + 1)
}

func (v *Validator) sendMsg(targetId consensus.NodeId, msg consensus.Msg) {
	v.Log.Debug(2, "sending %v to %s", msg, targetId)
	v.metrics.RecordSent(msg)

	if err := v.transport.Send(targetId, msg); err != nil {
		v.Log.Debug(1, "cannot send %v to %s: %v", msg, targetId, err)
	}
}

func (v *Validator) broadcastMsg(msg consensus.Msg) {
	v.Log.Debug(2, "broadcasting %v", msg)
	v.metrics.RecordSent(msg)

	if err := v.transport.Broadcast(msg); err != nil {
		v.Log.Debug(1, "cannot broadcast %v: %v", msg, err)
	}
}
