package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
)

type pingMsg struct {
	Seq int `json:"seq"`
}

func (msg *pingMsg) GetType() string {
	return "ping"
}

func (msg *pingMsg) String() string {
	return fmt.Sprintf("Ping{seq: %d}", msg.Seq)
}

func init() {
	consensus.RegisterMsgType("ping", func() consensus.Msg { return &pingMsg{} })
}

func receiveMsg(t *testing.T, tr consensus.Transport, timeout time.Duration) (consensus.IncomingMsg, bool) {
	t.Helper()

	select {
	case incomingMsg := <-tr.Receive():
		return incomingMsg, true
	case <-time.After(timeout):
		return consensus.IncomingMsg{}, false
	}
}

func expectMsg(t *testing.T, tr consensus.Transport, sourceId consensus.NodeId, seq int) {
	t.Helper()

	incomingMsg, ok := receiveMsg(t, tr, 2*time.Second)
	if !ok {
		t.Fatalf("no message received (expected ping %d from %s)", seq, sourceId)
	}

	msg, ok := incomingMsg.Msg.(*pingMsg)
	if !ok {
		t.Fatalf("received message has type %T", incomingMsg.Msg)
	}

	if incomingMsg.SourceId != sourceId || msg.Seq != seq {
		t.Fatalf("received %v from %s, expected ping %d from %s",
			msg, incomingMsg.SourceId, seq, sourceId)
	}
}

func expectNoMsg(t *testing.T, tr consensus.Transport) {
	t.Helper()

	if incomingMsg, ok := receiveMsg(t, tr, 50*time.Millisecond); ok {
		t.Fatalf("unexpected message %v from %s", incomingMsg.Msg,
			incomingMsg.SourceId)
	}
}
