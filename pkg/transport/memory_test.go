package transport

import (
	"testing"

	"github.com/galdor/go-consensus/pkg/consensus"
)

func TestMemoryNetwork(t *testing.T) {
	network := NewMemoryNetwork()

	t1 := network.Endpoint("n1")
	t2 := network.Endpoint("n2")
	t3 := network.Endpoint("n3")

	if err := t1.Send("n2", &pingMsg{Seq: 1}); err != nil {
		t.Fatalf("cannot send message: %v", err)
	}

	expectMsg(t, t2, "n1", 1)

	if err := t1.Send("n4", &pingMsg{Seq: 2}); err == nil {
		t.Errorf("message sent to an unknown node")
	}

	if err := t1.Broadcast(&pingMsg{Seq: 3}); err != nil {
		t.Fatalf("cannot broadcast message: %v", err)
	}

	expectMsg(t, t2, "n1", 3)
	expectMsg(t, t3, "n1", 3)
	expectNoMsg(t, t1)
}

func TestMemoryNetworkPartition(t *testing.T) {
	network := NewMemoryNetwork()

	t1 := network.Endpoint("n1")
	t2 := network.Endpoint("n2")
	t3 := network.Endpoint("n3")

	network.Partition([]consensus.NodeId{"n1", "n2"}, []consensus.NodeId{"n3"})

	t1.Broadcast(&pingMsg{Seq: 1})
	expectMsg(t, t2, "n1", 1)
	expectNoMsg(t, t3)

	t3.Send("n1", &pingMsg{Seq: 2})
	expectNoMsg(t, t1)

	network.Heal()

	t3.Send("n1", &pingMsg{Seq: 3})
	expectMsg(t, t1, "n3", 3)

	network.Disconnect("n2")

	t1.Send("n2", &pingMsg{Seq: 4})
	t2.Send("n1", &pingMsg{Seq: 5})
	expectNoMsg(t, t2)
	expectNoMsg(t, t1)

	network.Connect("n2")

	t2.Send("n1", &pingMsg{Seq: 6})
	expectMsg(t, t1, "n2", 6)
}

func TestMemoryNetworkFaults(t *testing.T) {
	network := NewMemoryNetwork()

	t1 := network.Endpoint("n1")
	t2 := network.Endpoint("n2")

	network.SetFaults(MemoryFaults{DropRate: 1.0})

	t1.Send("n2", &pingMsg{Seq: 1})
	expectNoMsg(t, t2)

	network.SetFaults(MemoryFaults{DuplicateRate: 1.0})

	t1.Send("n2", &pingMsg{Seq: 2})
	expectMsg(t, t2, "n1", 2)
	expectMsg(t, t2, "n1", 2)

	network.SetFaults(MemoryFaults{})

	t1.Send("n2", &pingMsg{Seq: 3})
	expectMsg(t, t2, "n1", 3)
}

func TestMemoryNetworkRestart(t *testing.T) {
	network := NewMemoryNetwork()

	t1 := network.Endpoint("n1")
	t2 := network.Endpoint("n2")

	t1.Send("n2", &pingMsg{Seq: 1})

	// The new endpoint does not receive what was sent to the old one.
	t2 = network.Endpoint("n2")
	expectNoMsg(t, t2)

	t1.Send("n2", &pingMsg{Seq: 2})
	expectMsg(t, t2, "n1", 2)
}
