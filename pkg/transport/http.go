package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
)

const SourceIdHeaderField = "X-Consensus-Source-Id"

type HTTPTransportCfg struct {
	Id      consensus.NodeId
	Cluster consensus.ClusterView

	Logger  consensus.Logger
	Metrics *consensus.Metrics

	QueueSize  int
	MaxMsgSize int64
}

// HTTPTransport carries each message in its own POST request. Requests are
// sent asynchronously and answered with 204 as soon as the message has been
// queued; protocol replies travel as separate requests.
type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log consensus.Logger

	Id           consensus.NodeId
	LocalAddress consensus.NodeAddress

	httpServer *http.Server
	httpClient *http.Client

	msgChan chan consensus.IncomingMsg

	errorChan chan<- error
	stopChan  chan struct{}
	stopped   bool
	mu        sync.Mutex // protects stopped and wg.Add
	wg        sync.WaitGroup
}

func NewHTTPTransport(cfg HTTPTransportCfg) (*HTTPTransport, error) {
	if err := cfg.Cluster.Check(cfg.Id); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1024
	}

	if cfg.MaxMsgSize == 0 {
		cfg.MaxMsgSize = consensus.MaxMsgSize
	}

	t := &HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:           cfg.Id,
		LocalAddress: cfg.Cluster[cfg.Id].LocalAddress,

		httpClient: newHTTPClient(),

		msgChan: make(chan consensus.IncomingMsg, cfg.QueueSize),

		stopChan: make(chan struct{}),
	}

	return t, nil
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns:        30,
		MaxIdleConnsPerHost: 10,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   5 * time.Second,
		Transport: &transport,
	}

	return &client
}

func (t *HTTPTransport) Start(errorChan chan<- error) error {
	t.errorChan = errorChan

	listener, err := net.Listen("tcp", string(t.LocalAddress))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", t.LocalAddress, err)
	}

	t.Log.Info("listening on %s", t.LocalAddress)

	t.httpServer = &http.Server{
		Addr:              string(t.LocalAddress),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t,
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer consensus.RecoverLoop(t.Log, t.errorChan, nil)

		if err := t.httpServer.Serve(listener); err != http.ErrServerClosed {
			t.reportError(fmt.Errorf("server error: %w", err))
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopChan)
	t.mu.Unlock()

	if t.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		t.httpServer.Shutdown(ctx)
	}

	t.wg.Wait()
}

func (t *HTTPTransport) reportError(err error) {
	if t.errorChan == nil {
		t.Log.Error("%v", err)
		return
	}

	t.errorChan <- err
}

func (t *HTTPTransport) Receive() <-chan consensus.IncomingMsg {
	return t.msgChan
}

func (t *HTTPTransport) Send(recipientId consensus.NodeId, msg consensus.Msg) error {
	t.Log.Debug(2, "sending %v to %s", msg, recipientId)

	msgData, err := consensus.EncodeMsg(t.Id, msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	recipient, found := t.Cfg.Cluster[recipientId]
	if !found {
		return fmt.Errorf("unknown recipient id %q", recipientId)
	}

	address := recipient.PublicAddress

	uri := url.URL{
		Scheme: "http",
		Host:   string(address),
		Path:   "/",
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msgData))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SourceIdHeaderField, string(t.Id))

	// Send the request asynchronously to avoid blocking the caller, which
	// is usually the main loop of a node.
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrTransportNotRunning
	}

	t.wg.Add(1)
	go t.sendRequest(address, msg, req)

	return nil
}

func (t *HTTPTransport) sendRequest(address consensus.NodeAddress, msg consensus.Msg, req *http.Request) {
	defer t.wg.Done()
	defer consensus.RecoverLoop(t.Log, nil, nil)

	res, err := t.httpClient.Do(req)
	if err != nil {
		t.Log.Debug(1, "cannot send %v to %s: %v", msg, address, err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		var msg string

		body, err := io.ReadAll(res.Body)
		if err == nil {
			msg = string(body)

			if idx := strings.IndexAny(msg, "\r\n"); idx > 0 {
				msg = msg[:idx]
			}

			if msg != "" {
				msg = ": " + msg
			}
		} else {
			t.Log.Error("cannot read response from %s: %v", address, err)
		}

		t.Log.Error("http request to %s failed with status %d%s",
			address, res.StatusCode, msg)
	}
}

func (t *HTTPTransport) Broadcast(msg consensus.Msg) error {
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

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		t.replyError(w, 405, "unsupported method %s", req.Method)
		return
	}

	sourceId := consensus.NodeId(req.Header.Get(SourceIdHeaderField))
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty %s header field",
			SourceIdHeaderField)
		return
	}

	if !t.Cfg.Cluster.Contains(sourceId) {
		t.replyError(w, 403, "unknown source id %q", sourceId)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, t.Cfg.MaxMsgSize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			t.Cfg.Metrics.RecordDropped("frame_too_large")
			t.replyError(w, 413, "message larger than %d bytes",
				maxBytesErr.Limit)
			return
		}

		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	incomingMsg, err := consensus.DecodeMsg(data)
	if err != nil {
		t.Cfg.Metrics.RecordDropped("invalid_frame")
		t.replyError(w, 400, "invalid message: %v", err)
		return
	}

	if incomingMsg.SourceId != sourceId {
		t.replyError(w, 400, "message source %q does not match header "+
			"source %q", incomingMsg.SourceId, sourceId)
		return
	}

	select {
	case <-t.stopChan:
		t.replyError(w, 503, "transport stopping")
		return
	default:
	}

	select {
	case t.msgChan <- incomingMsg:
		w.WriteHeader(204)
	default:
		t.Cfg.Metrics.RecordDropped("queue_full")
		t.replyError(w, 503, "message queue full")
	}
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Debug(1, format, args...)

	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}
