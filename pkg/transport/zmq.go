package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
	"github.com/go-zeromq/zmq4"
)

var ErrTransportNotRunning = errors.New("transport is not running")

// zmqReceiveRetryDelay is the time the receiver waits after a failed read
// before trying again.
const zmqReceiveRetryDelay = 100 * time.Millisecond

type ZMQTransportCfg struct {
	Id      consensus.NodeId
	Cluster consensus.ClusterView

	Logger  consensus.Logger
	Metrics *consensus.Metrics

	QueueSize     int
	PeerQueueSize int
}

// ZMQTransport receives frames on a ROUTER socket bound to the local
// address and sends them through one DEALER socket per peer. Each peer has
// its own sending goroutine so that a slow or unreachable peer never blocks
// the caller.
type ZMQTransport struct {
	Cfg ZMQTransportCfg
	Log consensus.Logger

	Id consensus.NodeId

	ctx    context.Context
	cancel context.CancelFunc

	router zmq4.Socket
	peers  map[consensus.NodeId]*zmqPeer

	msgChan chan consensus.IncomingMsg

	errorChan chan<- error
	running   bool
	mu        sync.Mutex
	wg        sync.WaitGroup
}

type zmqPeer struct {
	id      consensus.NodeId
	address string
	dealer  zmq4.Socket
	queue   chan []byte
}

func zmqEndpoint(address consensus.NodeAddress) string {
	return "tcp://" + string(address)
}

func NewZMQTransport(cfg ZMQTransportCfg) (*ZMQTransport, error) {
	if err := cfg.Cluster.Check(cfg.Id); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1024
	}

	if cfg.PeerQueueSize == 0 {
		cfg.PeerQueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &ZMQTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		ctx:    ctx,
		cancel: cancel,

		peers: make(map[consensus.NodeId]*zmqPeer),

		msgChan: make(chan consensus.IncomingMsg, cfg.QueueSize),
	}

	return t, nil
}

func (t *ZMQTransport) Start(errorChan chan<- error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return errors.New("transport already running")
	}

	t.errorChan = errorChan

	address := zmqEndpoint(t.Cfg.Cluster[t.Id].LocalAddress)

	t.router = zmq4.NewRouter(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.Id)))

	if err := t.router.Listen(address); err != nil {
		t.router.Close()
		return fmt.Errorf("cannot listen on %s: %w", address, err)
	}

	t.Log.Info("listening on %s", address)

	t.running = true

	t.wg.Add(1)
	go t.receiverLoop()

	return nil
}

func (t *ZMQTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()

	if err := t.router.Close(); err != nil {
		t.Log.Debug(1, "cannot close router socket: %v", err)
	}

	t.wg.Wait()

	for _, peer := range t.peers {
		if peer.dealer != nil {
			peer.dealer.Close()
		}
	}
}

func (t *ZMQTransport) Receive() <-chan consensus.IncomingMsg {
	return t.msgChan
}

func (t *ZMQTransport) Send(recipientId consensus.NodeId, msg consensus.Msg) error {
	data, err := consensus.EncodeMsg(t.Id, msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	peer, err := t.peer(recipientId)
	if err != nil {
		return err
	}

	select {
	case peer.queue <- data:
		t.Log.Debug(2, "queued %v for %s", msg, recipientId)
	default:
		t.Cfg.Metrics.RecordDropped("peer_queue_full")
		return fmt.Errorf("send queue of %s is full", recipientId)
	}

	return nil
}

func (t *ZMQTransport) Broadcast(msg consensus.Msg) error {
	var lastErr error

	for id := range t.Cfg.Cluster {
		if id == t.Id {
			continue
		}

		if err := t.Send(id, msg); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

func (t *ZMQTransport) peer(id consensus.NodeId) (*zmqPeer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil, ErrTransportNotRunning
	}

	if peer, found := t.peers[id]; found {
		return peer, nil
	}

	data, found := t.Cfg.Cluster[id]
	if !found {
		return nil, fmt.Errorf("unknown recipient id %q", id)
	}

	peer := &zmqPeer{
		id:      id,
		address: zmqEndpoint(data.PublicAddress),
		queue:   make(chan []byte, t.Cfg.PeerQueueSize),
	}

	t.peers[id] = peer

	t.wg.Add(1)
	go t.senderLoop(peer)

	return peer, nil
}

func (t *ZMQTransport) senderLoop(peer *zmqPeer) {
	defer t.wg.Done()
	defer consensus.RecoverLoop(t.Log, nil, nil)

	for {
		select {
		case <-t.ctx.Done():
			return

		case data := <-peer.queue:
			if peer.dealer == nil {
				dealer := zmq4.NewDealer(t.ctx,
					zmq4.WithID(zmq4.SocketIdentity(t.Id)))

				if err := dealer.Dial(peer.address); err != nil {
					t.Log.Debug(1, "cannot connect to %s: %v", peer.address, err)
					dealer.Close()
					continue
				}

				peer.dealer = dealer
			}

			if err := peer.dealer.Send(zmq4.NewMsg(data)); err != nil {
				t.Log.Debug(1, "cannot send message to %s: %v", peer.id, err)

				// Reconnect on the next message
				peer.dealer.Close()
				peer.dealer = nil
			}
		}
	}
}

func (t *ZMQTransport) receiverLoop() {
	defer t.wg.Done()
	defer consensus.RecoverLoop(t.Log, t.errorChan, nil)

	for {
		msg, err := t.router.Recv()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}

			t.Log.Debug(1, "cannot receive message: %v", err)

			timer := time.NewTimer(zmqReceiveRetryDelay)

			select {
			case <-t.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			continue
		}

		// The ROUTER socket prepends the identity of the sending DEALER; the
		// payload is the last frame.
		if len(msg.Frames) == 0 {
			continue
		}

		data := msg.Frames[len(msg.Frames)-1]

		if len(data) > consensus.MaxMsgSize {
			t.Cfg.Metrics.RecordDropped("frame_too_large")
			continue
		}

		incomingMsg, err := consensus.DecodeMsg(data)
		if err != nil {
			t.Cfg.Metrics.RecordDropped("invalid_frame")
			t.Log.Debug(1, "dropping invalid frame: %v", err)
			continue
		}

		if !t.Cfg.Cluster.Contains(incomingMsg.SourceId) {
			t.Cfg.Metrics.RecordDropped("unknown_source")
			continue
		}

		select {
		case t.msgChan <- incomingMsg:
		default:
			t.Cfg.Metrics.RecordDropped("queue_full")
		}
	}
}
