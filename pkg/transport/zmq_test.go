package transport

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
	"github.com/galdor/go-consensus/pkg/consensus/consensustest"
	"github.com/go-zeromq/zmq4"
)

func freeAddress(t *testing.T) consensus.NodeAddress {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot listen: %v", err)
	}
	defer listener.Close()

	return consensus.NodeAddress(listener.Addr().String())
}

func TestZMQTransport(t *testing.T) {
	cluster := make(consensus.ClusterView)

	for _, id := range []consensus.NodeId{"n1", "n2"} {
		address := freeAddress(t)

		cluster[id] = consensus.NodeData{
			LocalAddress:  address,
			PublicAddress: address,
		}
	}

	transports := make(map[consensus.NodeId]*ZMQTransport)

	for id := range cluster {
		tr, err := NewZMQTransport(ZMQTransportCfg{
			Id:      id,
			Cluster: cluster,
			Logger:  consensustest.NewLogger(string(id)),
		})
		if err != nil {
			t.Fatalf("cannot create transport: %v", err)
		}

		if err := tr.Send("n2", &pingMsg{}); !errors.Is(err, ErrTransportNotRunning) {
			t.Errorf("send before start returned %v", err)
		}

		if err := tr.Start(nil); err != nil {
			t.Fatalf("cannot start transport: %v", err)
		}

		t.Cleanup(tr.Stop)

		transports[id] = tr
	}

	if err := transports["n1"].Send("n2", &pingMsg{Seq: 1}); err != nil {
		t.Fatalf("cannot send message: %v", err)
	}

	expectMsg(t, transports["n2"], "n1", 1)

	if err := transports["n2"].Broadcast(&pingMsg{Seq: 2}); err != nil {
		t.Fatalf("cannot broadcast message: %v", err)
	}

	expectMsg(t, transports["n1"], "n2", 2)
}

// failingSocket is a router socket whose reads always fail.
type failingSocket struct {
	zmq4.Socket

	nbReads atomic.Int64
}

func (s *failingSocket) Recv() (zmq4.Msg, error) {
	s.nbReads.Add(1)
	return zmq4.Msg{}, errors.New("connection reset")
}

func TestZMQTransportReceiveErrors(t *testing.T) {
	tr, err := NewZMQTransport(ZMQTransportCfg{
		Id:      "n1",
		Cluster: consensus.ClusterView{"n1": consensus.NodeData{}},
		Logger:  consensustest.NewLogger("n1"),
	})
	if err != nil {
		t.Fatalf("cannot create transport: %v", err)
	}

	socket := &failingSocket{}
	tr.router = socket

	tr.wg.Add(1)
	go tr.receiverLoop()

	time.Sleep(5 * zmqReceiveRetryDelay)

	tr.cancel()
	tr.wg.Wait()

	if nbReads := socket.nbReads.Load(); nbReads > 10 {
		t.Errorf("receiver read %d times in %v", nbReads,
			5*zmqReceiveRetryDelay)
	}
}
