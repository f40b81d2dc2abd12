package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/galdor/go-consensus/pkg/consensus"
	"github.com/galdor/go-log"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/google/uuid"
)

const (
	MaxValueSize  = 1024 * 1024
	SubmitTimeout = 5 * time.Second
)

type APIServer struct {
	Service *Service

	server *shttp.Server
}

type KeysResponse struct {
	Keys []string `json:"keys"`
}

type EntryResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type SubmitResponse struct {
	RequestId string             `json:"requestId"`
	Index     consensus.LogIndex `json:"index"`
	Term      consensus.Term     `json:"term"`
}

type LogEntryResponse struct {
	Index     consensus.LogIndex `json:"index"`
	Committed bool               `json:"committed"`
	Op        string             `json:"op,omitempty"`
}

type StatusResponse struct {
	consensus.Status

	Mode      string `json:"mode"`
	StoreSize int    `json:"storeSize"`

	// Index of the last entry applied to the store, which lags behind
	// LastApplied while a command is being applied.
	StoreIndex consensus.LogIndex `json:"storeIndex"`
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.server = api.Service.Service.HTTPServer("api")
	api.initRoutes()

	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/:key", "GET", api.hStoreKeyGET)
	api.Route("/store/:key", "PUT", api.hStoreKeyPUT)
	api.Route("/store/:key", "DELETE", api.hStoreKeyDELETE)

	api.Route("/status", "GET", api.hStatusGET)
	api.Route("/log/:index", "GET", api.hLogIndexGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	api.server.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	keys := api.Service.store.Keys()

	h.ReplyJSON(200, &KeysResponse{Keys: keys})
}

func (api *APIServer) hStoreKeyGET(h *shttp.Handler) {
	key := h.PathVariable("key")

	value, found := api.Service.store.Get(key)
	if !found {
		h.ReplyError(404, "unknown_key", "unknown key %q", key)
		return
	}

	h.ReplyJSON(200, &EntryResponse{Key: key, Value: value})
}

func (api *APIServer) hStoreKeyPUT(h *shttp.Handler) {
	key := h.PathVariable("key")

	value, err := io.ReadAll(io.LimitReader(h.Request.Body, MaxValueSize+1))
	if err != nil {
		h.ReplyError(400, "invalid_request_body",
			"cannot read request body: %v", err)
		return
	}

	if len(value) > MaxValueSize {
		h.ReplyError(413, "value_too_large",
			"values cannot be larger than %d bytes", MaxValueSize)
		return
	}

	api.submitOp(h, &OpPut{Key: key, Value: string(value)})
}

func (api *APIServer) hStoreKeyDELETE(h *shttp.Handler) {
	key := h.PathVariable("key")

	api.submitOp(h, &OpDelete{Key: key})
}

func (api *APIServer) hStatusGET(h *shttp.Handler) {
	s := api.Service

	res := StatusResponse{
		Status: s.engine.Status(),

		Mode:       s.Cfg.Consensus.Mode,
		StoreSize:  len(s.store.Keys()),
		StoreIndex: s.store.LastIndex(),
	}

	h.ReplyJSON(200, &res)
}

func (api *APIServer) hLogIndexGET(h *shttp.Handler) {
	indexString := h.PathVariable("index")

	i, err := strconv.ParseInt(indexString, 10, 64)
	if err != nil || i < 1 {
		h.ReplyError(400, "invalid_log_index",
			"invalid log index %q", indexString)
		return
	}

	index := consensus.LogIndex(i)

	command, committed := api.Service.engine.Query(index)
	if !committed {
		if index > api.Service.logStore.LastIndex() {
			h.ReplyError(404, "unknown_log_entry",
				"no log entry at index %d", index)
			return
		}

		h.ReplyJSON(200, &LogEntryResponse{Index: index})
		return
	}

	res := LogEntryResponse{
		Index:     index,
		Committed: true,
	}

	// No-op entries have no command.
	if len(command) > 0 {
		if op, err := DecodeOp(command); err == nil {
			res.Op = op.String()
		}
	}

	h.ReplyJSON(200, &res)
}

func (api *APIServer) submitOp(h *shttp.Handler, op Op) {
	requestId := h.Request.Header.Get("X-Request-Id")
	if requestId == "" {
		requestId = uuid.NewString()
	}

	logger := api.Service.Log.Child("api", log.Data{
		"request_id": requestId,
	})

	ctx, cancel := context.WithTimeout(h.Request.Context(), SubmitTimeout)
	defer cancel()

	index, term, err := api.Service.engine.Submit(ctx, EncodeOp(op))
	if err != nil {
		logger.Info("cannot submit %v: %v", op, err)
		api.replySubmitError(h, err)
		return
	}

	logger.Debug(1, "committed %v at index %d (term %d)", op, index, term)

	h.ReplyJSON(200, &SubmitResponse{
		RequestId: requestId,
		Index:     index,
		Term:      term,
	})
}

func (api *APIServer) replySubmitError(h *shttp.Handler, err error) {
	var notLeaderErr *consensus.NotLeaderError

	switch {
	case errors.As(err, &notLeaderErr):
		if notLeaderErr.LeaderId == "" {
			h.ReplyError(http.StatusServiceUnavailable, "no_leader",
				"no leader currently elected")
			return
		}

		h.ReplyError(http.StatusServiceUnavailable, "not_leader",
			"node is not the leader, current leader: %s",
			notLeaderErr.LeaderId)

	case errors.Is(err, consensus.ErrCommandTooLarge):
		h.ReplyError(http.StatusRequestEntityTooLarge, "command_too_large",
			"command cannot be larger than %d bytes", consensus.MaxCommandSize)

	case errors.Is(err, consensus.ErrNotCommitted):
		h.ReplyError(http.StatusConflict, "not_committed",
			"command was superseded and not committed")

	case errors.Is(err, consensus.ErrNoQuorum):
		h.ReplyError(http.StatusServiceUnavailable, "no_quorum",
			"command not committed in time: %v", err)

	case errors.Is(err, consensus.ErrStopped):
		h.ReplyError(http.StatusServiceUnavailable, "node_stopped",
			"node is shutting down")

	default:
		h.ReplyError(http.StatusInternalServerError, "internal_error",
			"%v", err)
	}
}
