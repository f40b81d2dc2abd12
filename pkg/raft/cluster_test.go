package raft

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
	"github.com/galdor/go-consensus/pkg/consensus/consensustest"
	"github.com/galdor/go-consensus/pkg/transport"
)

type testStateMachine struct {
	commands []string
	mu       sync.Mutex
}

func (m *testStateMachine) Apply(entry consensus.LogEntry) error {
	m.mu.Lock()
	m.commands = append(m.commands, string(entry.Command))
	m.mu.Unlock()

	return nil
}

func (m *testStateMachine) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.commands...)
}

type testCluster struct {
	t *testing.T

	network *transport.MemoryNetwork
	view    consensus.ClusterView

	nodes            map[consensus.NodeId]*Node
	logStores        map[consensus.NodeId]*consensus.MemoryLogStore
	persistentStores map[consensus.NodeId]*consensus.MemoryPersistentStore
	stateMachines    map[consensus.NodeId]*testStateMachine

	errorChan chan error

	leaders    map[consensus.Term]consensus.NodeId
	violations []string
	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
}

func newTestCluster(t *testing.T, size int) *testCluster {
	c := testCluster{
		t: t,

		network: transport.NewMemoryNetwork(),
		view:    make(consensus.ClusterView),

		nodes:            make(map[consensus.NodeId]*Node),
		logStores:        make(map[consensus.NodeId]*consensus.MemoryLogStore),
		persistentStores: make(map[consensus.NodeId]*consensus.MemoryPersistentStore),
		stateMachines:    make(map[consensus.NodeId]*testStateMachine),

		errorChan: make(chan error, 16),

		leaders:  make(map[consensus.Term]consensus.NodeId),
		stopChan: make(chan struct{}),
	}

	for i := 1; i <= size; i++ {
		id := consensus.NodeId(fmt.Sprintf("n%d", i))

		c.view[id] = consensus.NodeData{}
		c.logStores[id] = consensus.NewMemoryLogStore()
		c.persistentStores[id] = consensus.NewMemoryPersistentStore()
	}

	for id := range c.view {
		c.startNode(id)
	}

	c.wg.Add(1)
	go c.watchLeaders()

	t.Cleanup(c.stop)

	return &c
}

func (c *testCluster) startNode(id consensus.NodeId) {
	c.t.Helper()

	stateMachine := &testStateMachine{}

	cfg := NodeCfg{
		Id:      id,
		Cluster: c.view,

		Transport:       c.network.Endpoint(id),
		LogStore:        c.logStores[id],
		PersistentStore: c.persistentStores[id],
		StateMachine:    stateMachine,

		Logger: consensustest.NewLogger(string(id)),

		MinElectionTimeout: 150 * time.Millisecond,
		MaxElectionTimeout: 300 * time.Millisecond,

		HeartbeatInterval:     20 * time.Millisecond,
		MaxReplicationBackoff: 200 * time.Millisecond,
	}

	node, err := NewNode(cfg)
	if err != nil {
		c.t.Fatalf("cannot create node %s: %v", id, err)
	}

	if err := node.Start(c.errorChan); err != nil {
		c.t.Fatalf("cannot start node %s: %v", id, err)
	}

	c.mu.Lock()
	c.nodes[id] = node
	c.stateMachines[id] = stateMachine
	c.mu.Unlock()
}

func (c *testCluster) stopNode(id consensus.NodeId) {
	c.mu.Lock()
	node := c.nodes[id]
	delete(c.nodes, id)
	c.mu.Unlock()

	if node != nil {
		node.Stop()
	}
}

func (c *testCluster) restartNode(id consensus.NodeId) {
	c.t.Helper()

	c.stopNode(id)
	c.startNode(id)
}

func (c *testCluster) stop() {
	close(c.stopChan)
	c.wg.Wait()

	for id := range c.view {
		c.stopNode(id)
	}

	select {
	case err := <-c.errorChan:
		c.t.Errorf("node error: %v", err)
	default:
	}

	for _, violation := range c.violations {
		c.t.Errorf("%s", violation)
	}
}

func (c *testCluster) runningNodes() map[consensus.NodeId]*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes := make(map[consensus.NodeId]*Node, len(c.nodes))
	for id, node := range c.nodes {
		nodes[id] = node
	}

	return nodes
}

func (c *testCluster) node(id consensus.NodeId) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nodes[id]
}

// watchLeaders samples node status continuously and records any term with
// more than one leader.
func (c *testCluster) watchLeaders() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
		}

		for id, node := range c.runningNodes() {
			status := node.Status()
			if status.Role != consensus.RoleLeader {
				continue
			}

			c.mu.Lock()
			if leaderId, found := c.leaders[status.Term]; !found {
				c.leaders[status.Term] = id
			} else if leaderId != id {
				c.violations = append(c.violations,
					fmt.Sprintf("nodes %s and %s are both leader for term %d",
						leaderId, id, status.Term))
			}
			c.mu.Unlock()
		}
	}
}

// waitForLeader waits until a single node among ids is leader and all
// the other nodes of ids follow it.
func (c *testCluster) waitForLeader(ids ...consensus.NodeId) consensus.NodeId {
	c.t.Helper()

	if len(ids) == 0 {
		for id := range c.runningNodes() {
			ids = append(ids, id)
		}
	}

	var leaderId consensus.NodeId

	consensustest.WaitFor(c.t, 5*time.Second, "leader election", func() bool {
		leaderId = ""

		var term consensus.Term
		statuses := make([]consensus.Status, 0, len(ids))

		for _, id := range ids {
			node := c.node(id)
			if node == nil {
				return false
			}

			status := node.Status()
			statuses = append(statuses, status)

			if status.Role == consensus.RoleLeader {
				if leaderId != "" {
					return false
				}

				leaderId = id
				term = status.Term
			}
		}

		if leaderId == "" {
			return false
		}

		for _, status := range statuses {
			if status.LeaderId != leaderId || status.Term != term {
				return false
			}
		}

		return true
	})

	return leaderId
}

func (c *testCluster) submit(id consensus.NodeId, command string) (consensus.LogIndex, consensus.Term, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return c.node(id).Submit(ctx, []byte(command))
}

func (c *testCluster) waitForCommands(ids []consensus.NodeId, commands []string) {
	c.t.Helper()

	consensustest.WaitFor(c.t, 5*time.Second, "command replication", func() bool {
		for _, id := range ids {
			c.mu.Lock()
			stateMachine := c.stateMachines[id]
			c.mu.Unlock()

			if !reflect.DeepEqual(stateMachine.Commands(), commands) {
				return false
			}
		}

		return true
	})
}

func (c *testCluster) ids() []consensus.NodeId {
	return c.view.Ids()
}

func TestElection(t *testing.T) {
	c := newTestCluster(t, 3)

	leaderId := c.waitForLeader()

	status := c.node(leaderId).Status()
	if status.Term < 1 {
		t.Errorf("leader %s has term %d", leaderId, status.Term)
	}

	// The leader keeps its role as long as it can reach a majority.
	time.Sleep(500 * time.Millisecond)

	if newLeaderId := c.waitForLeader(); newLeaderId != leaderId {
		t.Errorf("leadership moved from %s to %s without failure",
			leaderId, newLeaderId)
	}
}

func TestSingleNodeCluster(t *testing.T) {
	c := newTestCluster(t, 1)

	leaderId := c.waitForLeader()

	index, _, err := c.submit(leaderId, "a")
	if err != nil {
		t.Fatalf("cannot submit command: %v", err)
	}

	// Index 1 is the no-op entry of the leader.
	if index != 2 {
		t.Errorf("command was committed at index %d", index)
	}

	c.waitForCommands(c.ids(), []string{"a"})
}

func TestReplication(t *testing.T) {
	c := newTestCluster(t, 5)

	leaderId := c.waitForLeader()

	var commands []string
	var lastIndex consensus.LogIndex

	for i := 0; i < 10; i++ {
		command := fmt.Sprintf("command-%d", i)

		index, _, err := c.submit(leaderId, command)
		if err != nil {
			t.Fatalf("cannot submit %q: %v", command, err)
		}

		if index <= lastIndex {
			t.Fatalf("command %q committed at index %d after index %d",
				command, index, lastIndex)
		}

		lastIndex = index
		commands = append(commands, command)

		data, committed := c.node(leaderId).Query(index)
		if string(data) != command || !committed {
			t.Errorf("query at index %d returned %q (committed: %v)",
				index, data, committed)
		}
	}

	c.waitForCommands(c.ids(), commands)

	consensustest.WaitFor(t, 5*time.Second, "commit index convergence", func() bool {
		for _, node := range c.runningNodes() {
			if node.Status().CommitIndex != lastIndex {
				return false
			}
		}

		return true
	})

	leaderEntries := c.logStores[leaderId].Entries()
	for _, id := range c.ids() {
		if entries := c.logStores[id].Entries(); !reflect.DeepEqual(entries, leaderEntries) {
			t.Errorf("log of %s differs from log of leader %s", id, leaderId)
		}
	}
}

func TestSubmitToFollower(t *testing.T) {
	c := newTestCluster(t, 3)

	leaderId := c.waitForLeader()

	for _, id := range c.ids() {
		if id == leaderId {
			continue
		}

		_, _, err := c.submit(id, "a")

		var notLeaderErr *consensus.NotLeaderError
		if !errors.As(err, &notLeaderErr) {
			t.Fatalf("unexpected error from follower %s: %v", id, err)
		}

		if notLeaderErr.LeaderId != leaderId {
			t.Errorf("follower %s redirects to %q instead of %s",
				id, notLeaderErr.LeaderId, leaderId)
		}

		if !errors.Is(err, consensus.ErrNoLeader) {
			t.Errorf("error does not wrap ErrNoLeader: %v", err)
		}
	}
}

func TestLeaderFailure(t *testing.T) {
	c := newTestCluster(t, 5)

	oldLeaderId := c.waitForLeader()
	oldTerm := c.node(oldLeaderId).Status().Term

	if _, _, err := c.submit(oldLeaderId, "a"); err != nil {
		t.Fatalf("cannot submit command: %v", err)
	}

	c.stopNode(oldLeaderId)

	leaderId := c.waitForLeader()
	if leaderId == oldLeaderId {
		t.Fatalf("stopped node %s is still leader", leaderId)
	}

	if term := c.node(leaderId).Status().Term; term <= oldTerm {
		t.Errorf("new leader %s has term %d, previous term was %d",
			leaderId, term, oldTerm)
	}

	if _, _, err := c.submit(leaderId, "b"); err != nil {
		t.Fatalf("cannot submit command: %v", err)
	}

	// The previous leader catches up once restarted.
	c.startNode(oldLeaderId)

	c.waitForCommands(c.ids(), []string{"a", "b"})
}

func TestPartition(t *testing.T) {
	c := newTestCluster(t, 5)

	oldLeaderId := c.waitForLeader()

	if _, _, err := c.submit(oldLeaderId, "a"); err != nil {
		t.Fatalf("cannot submit command: %v", err)
	}

	var minority, majority []consensus.NodeId

	minority = append(minority, oldLeaderId)
	for _, id := range c.ids() {
		if id == oldLeaderId {
			continue
		}

		if len(minority) < 2 {
			minority = append(minority, id)
		} else {
			majority = append(majority, id)
		}
	}

	c.network.Partition(minority, majority)

	// The isolated leader cannot commit anything.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	_, _, err := c.node(oldLeaderId).Submit(ctx, []byte("lost"))
	cancel()

	if !errors.Is(err, consensus.ErrNoQuorum) {
		t.Errorf("submission to isolated leader returned %v", err)
	}

	leaderId := c.waitForLeader(majority...)

	if _, _, err := c.submit(leaderId, "b"); err != nil {
		t.Fatalf("cannot submit command: %v", err)
	}

	c.network.Heal()

	c.waitForCommands(c.ids(), []string{"a", "b"})

	finalLeaderId := c.waitForLeader()

	if _, _, err := c.submit(finalLeaderId, "c"); err != nil {
		t.Fatalf("cannot submit command: %v", err)
	}

	c.waitForCommands(c.ids(), []string{"a", "b", "c"})

	for _, id := range c.ids() {
		for _, entry := range c.logStores[id].Entries() {
			if string(entry.Command) == "lost" {
				t.Errorf("uncommitted entry of the isolated leader survived "+
					"on %s at index %d", id, entry.Index)
			}
		}
	}
}

func TestLossyNetwork(t *testing.T) {
	c := newTestCluster(t, 3)

	c.network.SetFaults(transport.MemoryFaults{
		DropRate:      0.1,
		DuplicateRate: 0.1,
		MaxDelay:      10 * time.Millisecond,
	})

	router := consensus.NewRouter(map[consensus.NodeId]consensus.Client{
		"n1": c.node("n1"),
		"n2": c.node("n2"),
		"n3": c.node("n3"),
	})

	var commands []string

	for i := 0; i < 5; i++ {
		command := fmt.Sprintf("command-%d", i)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := router.Submit(ctx, []byte(command))
		cancel()

		if err != nil {
			// A command whose fate is unknown may still be committed later,
			// which would make the final comparison fail.
			t.Fatalf("cannot submit %q: %v", command, err)
		}

		commands = append(commands, command)
	}

	c.waitForCommands(c.ids(), commands)
}

func TestRestart(t *testing.T) {
	c := newTestCluster(t, 3)

	leaderId := c.waitForLeader()
	term := c.node(leaderId).Status().Term

	for _, command := range []string{"a", "b", "c"} {
		if _, _, err := c.submit(leaderId, command); err != nil {
			t.Fatalf("cannot submit command: %v", err)
		}
	}

	for _, id := range c.ids() {
		c.stopNode(id)
	}

	for _, id := range c.ids() {
		if pstate, _ := c.persistentStores[id].Read(); pstate.CurrentTerm < term {
			t.Errorf("node %s persisted term %d, expected at least %d",
				id, pstate.CurrentTerm, term)
		}

		c.startNode(id)
	}

	// State machines are volatile; committed entries are replayed once a
	// new leader commits an entry of its own term.
	leaderId = c.waitForLeader()

	if newTerm := c.node(leaderId).Status().Term; newTerm <= term {
		t.Errorf("term after restart is %d, previous term was %d",
			newTerm, term)
	}

	if _, _, err := c.submit(leaderId, "d"); err != nil {
		t.Fatalf("cannot submit command: %v", err)
	}

	c.waitForCommands(c.ids(), []string{"a", "b", "c", "d"})
}
