package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/galdor/go-consensus/pkg/bft"
	"github.com/galdor/go-consensus/pkg/consensus"
	"github.com/galdor/go-consensus/pkg/raft"
	"github.com/galdor/go-consensus/pkg/transport"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is implemented by both raft.Node and bft.Validator.
type Engine interface {
	consensus.Client

	Start(chan<- error) error
	Stop()
}

type Transport interface {
	consensus.Transport

	Start(chan<- error) error
	Stop()
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	Id consensus.NodeId

	store           *Store
	logStore        *consensus.FileLogStore
	persistentStore *consensus.FilePersistentStore

	registry *prometheus.Registry
	metrics  *consensus.Metrics

	transport Transport
	engine    Engine

	apiServer     *APIServer
	metricsServer *http.Server
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the server identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	id := consensus.NodeId(s.Program.ArgumentValue("id"))

	return s.Cfg.Consensus.Check(id)
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	instanceId := consensus.NodeId(s.Program.ArgumentValue("id"))

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	apiPort := s.Cfg.Consensus.APIPort
	if apiPort == 0 {
		apiPort = 8081
	}

	serverData := s.Cfg.Consensus.Servers[instanceId]
	host, _, _ := net.SplitHostPort(string(serverData.LocalAddress))

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(host, strconv.Itoa(apiPort)),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.Id = consensus.NodeId(ss.Program.ArgumentValue("id"))

	s.store = NewStore()

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector())
	s.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s.metrics = consensus.NewMetrics(s.Cfg.Consensus.Mode, s.Id, s.registry)

	if err := s.initStores(); err != nil {
		return err
	}

	if err := s.initTransport(); err != nil {
		return err
	}

	switch s.Cfg.Consensus.Mode {
	case "raft":
		if err := s.initRaftNode(); err != nil {
			return err
		}

	case "bft":
		if err := s.initBFTValidator(); err != nil {
			return err
		}
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initStores() error {
	dirPath := s.Cfg.Consensus.NodeDirectory(s.Id)

	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dirPath, err)
	}

	s.logStore = consensus.NewFileLogStore(path.Join(dirPath, "log"))
	if err := s.logStore.Open(); err != nil {
		return fmt.Errorf("cannot open log store: %w", err)
	}

	s.persistentStore = consensus.NewFilePersistentStore(path.Join(dirPath, "state.json"))
	if err := s.persistentStore.Open(); err != nil {
		return fmt.Errorf("cannot open persistent store: %w", err)
	}

	return nil
}

func (s *Service) initTransport() error {
	logger := s.Log.Child("transport", log.Data{
		"instance": string(s.Id),
	})

	switch s.Cfg.Consensus.Transport {
	case "http":
		t, err := transport.NewHTTPTransport(transport.HTTPTransportCfg{
			Id:      s.Id,
			Cluster: s.Cfg.Consensus.Servers,
			Logger:  logger,
			Metrics: s.metrics,
		})
		if err != nil {
			return fmt.Errorf("cannot create http transport: %w", err)
		}

		s.transport = t

	case "zmq":
		t, err := transport.NewZMQTransport(transport.ZMQTransportCfg{
			Id:      s.Id,
			Cluster: s.Cfg.Consensus.Servers,
			Logger:  logger,
			Metrics: s.metrics,
		})
		if err != nil {
			return fmt.Errorf("cannot create zmq transport: %w", err)
		}

		s.transport = t
	}

	return nil
}

func (s *Service) initRaftNode() error {
	logger := s.Log.Child("raft", log.Data{
		"instance": string(s.Id),
	})

	raftCfg := s.Cfg.Consensus.Raft

	nodeCfg := raft.NodeCfg{
		Id:      s.Id,
		Cluster: s.Cfg.Consensus.Servers,

		Transport:       s.transport,
		LogStore:        s.logStore,
		PersistentStore: s.persistentStore,
		StateMachine:    s.store,

		Logger:  logger,
		Metrics: s.metrics,

		MinElectionTimeout: milliseconds(raftCfg.MinElectionTimeout),
		MaxElectionTimeout: milliseconds(raftCfg.MaxElectionTimeout),
		HeartbeatInterval:  milliseconds(raftCfg.HeartbeatInterval),
	}

	node, err := raft.NewNode(nodeCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft node: %w", err)
	}

	s.engine = node

	return nil
}

func (s *Service) initBFTValidator() error {
	logger := s.Log.Child("bft", log.Data{
		"instance": string(s.Id),
	})

	keyRing, err := s.Cfg.Consensus.KeyRing()
	if err != nil {
		return err
	}

	keyFilePath := s.Cfg.Consensus.PrivateKeyFile(s.Id)

	privateKey, created, err := bft.LoadOrCreatePrivateKey(keyFilePath)
	if err != nil {
		return err
	}

	if created {
		publicKey := privateKey.Public().(ed25519.PublicKey)
		s.Log.Info("generated private key %s, public key: %s",
			keyFilePath, bft.FormatPublicKey(publicKey))
	}

	// The validator only applies values it decides after it starts; earlier
	// decisions come from the log.
	if err := s.replayLog(); err != nil {
		return err
	}

	validatorCfg := bft.ValidatorCfg{
		Id:      s.Id,
		Cluster: s.Cfg.Consensus.Servers,

		PrivateKey: privateKey,
		PublicKeys: keyRing,

		Transport:       s.transport,
		LogStore:        s.logStore,
		PersistentStore: s.persistentStore,
		StateMachine:    s.store,

		Logger:  logger,
		Metrics: s.metrics,

		RoundTimeout: milliseconds(s.Cfg.Consensus.BFT.RoundTimeout),
	}

	validator, err := bft.NewValidator(validatorCfg)
	if err != nil {
		return fmt.Errorf("cannot create validator: %w", err)
	}

	s.engine = validator

	return nil
}

func (s *Service) replayLog() error {
	lastIndex := s.logStore.LastIndex()

	for index := consensus.LogIndex(1); index <= lastIndex; index++ {
		entry, err := s.logStore.Read(index)
		if err != nil {
			return fmt.Errorf("cannot read log entry %d: %w", index, err)
		}

		if err := s.store.Apply(entry); err != nil {
			s.Log.Error("cannot replay log entry %d: %v", index, err)
		}
	}

	if lastIndex > 0 {
		s.Log.Info("replayed %d log entries", lastIndex)
	}

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.transport.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start transport: %w", err)
	}

	if err := s.engine.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start %s engine: %w",
			s.Cfg.Consensus.Mode, err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	if err := s.startMetricsServer(ss.ErrorChan()); err != nil {
		return err
	}

	return nil
}

func (s *Service) startMetricsServer(errorChan chan<- error) error {
	address := s.Cfg.Metrics.Address
	if address == "" {
		return nil
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", address, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry,
		promhttp.HandlerOpts{Registry: s.registry}))

	s.metricsServer = &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.Log.Info("serving metrics on %s", address)

	go func() {
		err := s.metricsServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		s.metricsServer.Shutdown(ctx)
	}

	if s.engine != nil {
		s.engine.Stop()
	}

	if s.transport != nil {
		s.transport.Stop()
	}
}

func (s *Service) Terminate(ss *service.Service) {
	if s.logStore != nil {
		if err := s.logStore.Close(); err != nil {
			s.Log.Error("cannot close log store: %v", err)
		}
	}

	if s.persistentStore != nil {
		if err := s.persistentStore.Close(); err != nil {
			s.Log.Error("cannot close persistent store: %v", err)
		}
	}
}
