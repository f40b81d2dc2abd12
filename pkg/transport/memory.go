package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
)

// MemoryFaults describes how a MemoryNetwork mistreats messages. Delays are
// drawn uniformly in [0, MaxDelay], which also reorders messages.
type MemoryFaults struct {
	DropRate      float64
	DuplicateRate float64
	MaxDelay      time.Duration
}

// MemoryNetwork connects in-process transports. It can disconnect nodes,
// split the cluster into partitions and inject faults.
type MemoryNetwork struct {
	endpoints    map[consensus.NodeId]*MemoryTransport
	disconnected map[consensus.NodeId]bool
	groups       map[consensus.NodeId]int // empty when there is no partition

	faults        MemoryFaults
	randGenerator *rand.Rand

	mu sync.Mutex
}

type MemoryTransport struct {
	Id consensus.NodeId

	network *MemoryNetwork
	msgChan chan consensus.IncomingMsg
}

const memoryTransportQueueSize = 4096

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints:    make(map[consensus.NodeId]*MemoryTransport),
		disconnected: make(map[consensus.NodeId]bool),
		groups:       make(map[consensus.NodeId]int),

		randGenerator: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Endpoint creates the transport of a node, replacing any previous one;
// messages still in flight towards the previous endpoint are lost, which
// is what happens to a process which restarts.
func (n *MemoryNetwork) Endpoint(id consensus.NodeId) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &MemoryTransport{
		Id: id,

		network: n,
		msgChan: make(chan consensus.IncomingMsg, memoryTransportQueueSize),
	}

	n.endpoints[id] = t

	return t
}

func (n *MemoryNetwork) SetFaults(faults MemoryFaults) {
	n.mu.Lock()
	n.faults = faults
	n.mu.Unlock()
}

// Disconnect isolates a node: everything it sends or should receive is
// dropped until Connect is called.
func (n *MemoryNetwork) Disconnect(id consensus.NodeId) {
	n.mu.Lock()
	n.disconnected[id] = true
	n.mu.Unlock()
}

func (n *MemoryNetwork) Connect(id consensus.NodeId) {
	n.mu.Lock()
	delete(n.disconnected, id)
	n.mu.Unlock()
}

// Partition splits the network; nodes can only talk to nodes of the same
// group. Nodes absent from every group form an isolated group of their
// own.
func (n *MemoryNetwork) Partition(groups ...[]consensus.NodeId) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.groups = make(map[consensus.NodeId]int)

	for i, group := range groups {
		for _, id := range group {
			n.groups[id] = i + 1
		}
	}
}

func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	n.groups = make(map[consensus.NodeId]int)
	n.mu.Unlock()
}

func (n *MemoryNetwork) reachable(sourceId, targetId consensus.NodeId) bool {
	if n.disconnected[sourceId] || n.disconnected[targetId] {
		return false
	}

	if len(n.groups) > 0 {
		sourceGroup := n.groups[sourceId]
		targetGroup := n.groups[targetId]

		if sourceGroup == 0 || sourceGroup != targetGroup {
			return sourceId == targetId
		}
	}

	return true
}

func (n *MemoryNetwork) send(sourceId, targetId consensus.NodeId, msg consensus.Msg) error {
	n.mu.Lock()

	endpoint, found := n.endpoints[targetId]
	if !found {
		n.mu.Unlock()
		return fmt.Errorf("unknown node %q", targetId)
	}

	if !n.reachable(sourceId, targetId) {
		n.mu.Unlock()
		return nil
	}

	nbCopies := 1
	if n.faults.DropRate > 0 && n.randGenerator.Float64() < n.faults.DropRate {
		nbCopies = 0
	} else if n.faults.DuplicateRate > 0 &&
		n.randGenerator.Float64() < n.faults.DuplicateRate {
		nbCopies = 2
	}

	delays := make([]time.Duration, nbCopies)
	if maxDelay := n.faults.MaxDelay; maxDelay > 0 {
		for i := range delays {
			delays[i] = time.Duration(n.randGenerator.Int63n(int64(maxDelay) + 1))
		}
	}

	n.mu.Unlock()

	incomingMsg := consensus.IncomingMsg{
		SourceId: sourceId,
		Msg:      msg,
	}

	for _, delay := range delays {
		if delay == 0 {
			n.deliver(endpoint, incomingMsg)
		} else {
			time.AfterFunc(delay, func() {
				n.deliver(endpoint, incomingMsg)
			})
		}
	}

	return nil
}

func (n *MemoryNetwork) deliver(endpoint *MemoryTransport, incomingMsg consensus.IncomingMsg) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// The target may have been restarted or cut off while the message was
	// in flight.
	if n.endpoints[endpoint.Id] != endpoint {
		return
	}

	if !n.reachable(incomingMsg.SourceId, endpoint.Id) {
		return
	}

	select {
	case endpoint.msgChan <- incomingMsg:
	default:
	}
}

func (t *MemoryTransport) Send(targetId consensus.NodeId, msg consensus.Msg) error {
	return t.network.send(t.Id, targetId, msg)
}

func (t *MemoryTransport) Broadcast(msg consensus.Msg) error {
	t.network.mu.Lock()
	ids := make([]consensus.NodeId, 0, len(t.network.endpoints))
	for id := range t.network.endpoints {
		if id != t.Id {
			ids = append(ids, id)
		}
	}
	t.network.mu.Unlock()

	var lastErr error
	for _, id := range ids {
		if err := t.Send(id, msg); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

func (t *MemoryTransport) Receive() <-chan consensus.IncomingMsg {
	return t.msgChan
}
