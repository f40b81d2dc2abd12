package transport

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/galdor/go-consensus/pkg/consensus"
	"github.com/galdor/go-consensus/pkg/consensus/consensustest"
)

// newHTTPTestTransports creates one transport per node, each served by an
// httptest server instead of its own listener.
func newHTTPTestTransports(t *testing.T, ids ...consensus.NodeId) map[consensus.NodeId]*HTTPTransport {
	t.Helper()

	handlers := make(map[consensus.NodeId]http.Handler)
	cluster := make(consensus.ClusterView)

	for _, id := range ids {
		id := id

		server := httptest.NewServer(http.HandlerFunc(
			func(w http.ResponseWriter, req *http.Request) {
				handlers[id].ServeHTTP(w, req)
			}))
		t.Cleanup(server.Close)

		address := consensus.NodeAddress(server.Listener.Addr().String())

		cluster[id] = consensus.NodeData{
			LocalAddress:  address,
			PublicAddress: address,
		}
	}

	transports := make(map[consensus.NodeId]*HTTPTransport)

	for _, id := range ids {
		tr, err := NewHTTPTransport(HTTPTransportCfg{
			Id:      id,
			Cluster: cluster,
			Logger:  consensustest.NewLogger(string(id)),
		})
		if err != nil {
			t.Fatalf("cannot create transport: %v", err)
		}

		t.Cleanup(tr.Stop)

		transports[id] = tr
		handlers[id] = tr
	}

	return transports
}

func TestHTTPTransport(t *testing.T) {
	transports := newHTTPTestTransports(t, "n1", "n2", "n3")

	if err := transports["n1"].Send("n2", &pingMsg{Seq: 1}); err != nil {
		t.Fatalf("cannot send message: %v", err)
	}

	expectMsg(t, transports["n2"], "n1", 1)

	if err := transports["n2"].Broadcast(&pingMsg{Seq: 2}); err != nil {
		t.Fatalf("cannot broadcast message: %v", err)
	}

	expectMsg(t, transports["n1"], "n2", 2)
	expectMsg(t, transports["n3"], "n2", 2)

	if err := transports["n1"].Send("n4", &pingMsg{Seq: 3}); err == nil {
		t.Errorf("message sent to an unknown node")
	}
}

func TestHTTPTransportInvalidRequests(t *testing.T) {
	transports := newHTTPTestTransports(t, "n1", "n2")
	tr := transports["n1"]

	validFrame, err := consensus.EncodeMsg("n2", &pingMsg{Seq: 1})
	if err != nil {
		t.Fatalf("cannot encode message: %v", err)
	}

	tests := []struct {
		name     string
		method   string
		sourceId string
		body     []byte
		status   int
	}{
		{"method", "GET", "n2", nil, 405},
		{"missing source", "POST", "", validFrame, 400},
		{"unknown source", "POST", "n9", validFrame, 403},
		{"source mismatch", "POST", "n1", validFrame, 400},
		{"invalid frame", "POST", "n2", []byte("{"), 400},
		{"valid", "POST", "n2", validFrame, 204},
	}

	for _, test := range tests {
		req := httptest.NewRequest(test.method, "/", bytes.NewReader(test.body))
		if test.sourceId != "" {
			req.Header.Set(SourceIdHeaderField, test.sourceId)
		}

		w := httptest.NewRecorder()
		tr.ServeHTTP(w, req)

		if w.Code != test.status {
			t.Errorf("%s: status %d, expected %d (%s)", test.name, w.Code,
				test.status, strings.TrimSpace(w.Body.String()))
		}
	}

	expectMsg(t, tr, "n2", 1)
	expectNoMsg(t, tr)
}

func TestHTTPTransportMaxMsgSize(t *testing.T) {
	cluster := consensus.ClusterView{
		"n1": consensus.NodeData{},
		"n2": consensus.NodeData{},
	}

	tr, err := NewHTTPTransport(HTTPTransportCfg{
		Id:         "n1",
		Cluster:    cluster,
		Logger:     consensustest.NewLogger("n1"),
		MaxMsgSize: 256,
	})
	if err != nil {
		t.Fatalf("cannot create transport: %v", err)
	}

	t.Cleanup(tr.Stop)

	frame, err := consensus.EncodeMsg("n2", &pingMsg{Seq: 1})
	if err != nil {
		t.Fatalf("cannot encode message: %v", err)
	}

	body := append(frame, bytes.Repeat([]byte(" "), 256)...)

	req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	req.Header.Set(SourceIdHeaderField, "n2")

	w := httptest.NewRecorder()
	tr.ServeHTTP(w, req)

	if w.Code != 413 {
		t.Errorf("status %d, expected 413", w.Code)
	}

	expectNoMsg(t, tr)
}

func TestHTTPTransportSendDuringStop(t *testing.T) {
	transports := newHTTPTestTransports(t, "n1", "n2")
	tr := transports["n1"]

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()

			for j := 0; j < 50; j++ {
				tr.Send("n2", &pingMsg{Seq: seq*100 + j})
			}
		}(i)
	}

	tr.Stop()
	wg.Wait()

	if err := tr.Send("n2", &pingMsg{Seq: 1}); !errors.Is(err, ErrTransportNotRunning) {
		t.Errorf("send after stop returned %v", err)
	}

	// Stopping again is harmless.
	tr.Stop()
}
