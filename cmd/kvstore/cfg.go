package main

import (
	"fmt"
	"path"
	"time"

	"github.com/galdor/go-consensus/pkg/bft"
	"github.com/galdor/go-consensus/pkg/consensus"
	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-service/pkg/service"
)

type ServiceCfg struct {
	Service   service.ServiceCfg `json:"service"`
	Consensus ConsensusCfg       `json:"consensus"`
	Metrics   MetricsCfg         `json:"metrics"`
}

type ConsensusCfg struct {
	Mode          string                `json:"mode"`      // "raft" or "bft"
	Transport     string                `json:"transport"` // "http" or "zmq"
	Servers       consensus.ClusterView `json:"servers"`
	DataDirectory string                `json:"dataDirectory"`
	APIPort       int                   `json:"apiPort,omitempty"`

	Raft RaftCfg `json:"raft"`
	BFT  BFTCfg  `json:"bft"`
}

// Durations are in milliseconds; zero selects the engine default.
type RaftCfg struct {
	MinElectionTimeout int `json:"minElectionTimeout,omitempty"`
	MaxElectionTimeout int `json:"maxElectionTimeout,omitempty"`
	HeartbeatInterval  int `json:"heartbeatInterval,omitempty"`
}

type BFTCfg struct {
	PublicKeys     map[consensus.NodeId]string `json:"publicKeys"`
	PrivateKeyFile string                      `json:"privateKeyFile,omitempty"`
	RoundTimeout   int                         `json:"roundTimeout,omitempty"`
}

type MetricsCfg struct {
	Address string `json:"address,omitempty"`
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)
	v.CheckObject("consensus", &cfg.Consensus)
}

func (cfg *ConsensusCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("mode", cfg.Mode)
	v.CheckStringNotEmpty("transport", cfg.Transport)

	v.WithChild("servers", func() {
		for id, server := range cfg.Servers {
			v.WithChild(string(id), func() {
				v.CheckStringNotEmpty("localAddress", string(server.LocalAddress))
				v.CheckStringNotEmpty("publicAddress", string(server.PublicAddress))
			})
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)

	if cfg.Mode == "bft" {
		v.WithChild("bft", func() {
			v.WithChild("publicKeys", func() {
				for id, key := range cfg.BFT.PublicKeys {
					v.CheckStringNotEmpty(string(id), key)
				}
			})
		})
	}
}

// Check verifies what the JSON validator cannot express.
func (cfg *ConsensusCfg) Check(id consensus.NodeId) error {
	switch cfg.Mode {
	case "raft", "bft":
	default:
		return fmt.Errorf("invalid consensus mode %q", cfg.Mode)
	}

	switch cfg.Transport {
	case "http", "zmq":
	default:
		return fmt.Errorf("invalid transport %q", cfg.Transport)
	}

	if err := cfg.Servers.Check(id); err != nil {
		return err
	}

	if cfg.Mode == "bft" {
		if _, err := cfg.KeyRing(); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *ConsensusCfg) NodeDirectory(id consensus.NodeId) string {
	return path.Join(cfg.DataDirectory, string(id))
}

func (cfg *ConsensusCfg) PrivateKeyFile(id consensus.NodeId) string {
	if cfg.BFT.PrivateKeyFile != "" {
		return cfg.BFT.PrivateKeyFile
	}

	return path.Join(cfg.NodeDirectory(id), "key")
}

func (cfg *ConsensusCfg) KeyRing() (bft.KeyRing, error) {
	keyRing := make(bft.KeyRing)

	for id := range cfg.Servers {
		s, found := cfg.BFT.PublicKeys[id]
		if !found {
			return nil, fmt.Errorf("missing public key for server %q", id)
		}

		key, err := bft.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for server %q: %w",
				id, err)
		}

		keyRing[id] = key
	}

	return keyRing, nil
}

func milliseconds(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
