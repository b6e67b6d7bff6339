package config

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/qri-io/jsonschema"

	ic "github.com/libp2p/go-libp2p-crypto"
)

// Swarm configures the identity, listen set, and tuning knobs of a running
// swarmd node.
type Swarm struct {
	// PrivKey is the node's base64-encoded marshaled private key. Empty
	// until setup generates or imports one.
	PrivKey string `json:"privkey"`

	// ListenAddrs are the multiaddresses to start listening on at launch
	// (e.g. "/ip4/0.0.0.0/tcp/4001").
	ListenAddrs []string `json:"listenaddrs"`

	// BootstrapAddrs are full peer multiaddresses (with a trailing
	// /p2p/<id>) dialed once at startup to join the network.
	BootstrapAddrs []string `json:"bootstrapaddrs"`

	// ProtocolVersion and AgentVersion are advertised during the identity
	// exchange (spec.md §6).
	ProtocolVersion string `json:"protocolversion"`
	AgentVersion    string `json:"agentversion"`

	// MinConnections is the AutoDialer's floor (spec.md §4.K).
	MinConnections int `json:"minconnections"`

	// InitialBackoffSeconds and MaxBackoffSeconds configure the Peer
	// Manager's dead-peer retry schedule (spec.md §4.L).
	InitialBackoffSeconds int `json:"initialbackoffseconds"`
	MaxBackoffSeconds     int `json:"maxbackoffseconds"`

	// Security lists, in preference order, the secure-channel protocol
	// names (spec.md §4.F) this node offers/accepts.
	Security []string `json:"security"`
}

// DefaultSwarm returns a new default Swarm configuration. It carries no
// private key: setup is responsible for generating or importing one.
func DefaultSwarm() *Swarm {
	return &Swarm{
		ListenAddrs:           []string{"/ip4/0.0.0.0/tcp/4001"},
		ProtocolVersion:       "/swarmd/1.0.0",
		AgentVersion:          "swarmd/0.1.0",
		MinConnections:        16,
		InitialBackoffSeconds: 60,
		MaxBackoffSeconds:     64 * 60,
		Security:              []string{"/noise/1.0.0", "/secio/1.0.0"},
	}
}

// SetArbitrary accepts and ignores any key the struct does not declare.
// Nothing in this module calls it: ReadFromFile decodes with
// yaml.Unmarshal, which already skips undeclared fields.
func (cfg *Swarm) SetArbitrary(key string, val interface{}) error {
	return nil
}

// DecodePrivateKey base64-decodes and unmarshals PrivKey.
func (cfg *Swarm) DecodePrivateKey() (ic.PrivKey, error) {
	if cfg.PrivKey == "" {
		return nil, fmt.Errorf("missing private key")
	}
	data, err := base64.StdEncoding.DecodeString(cfg.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	return ic.UnmarshalPrivateKey(data)
}

// Validate validates all fields of cfg, returning the first error found.
func (cfg Swarm) Validate() error {
	schema := jsonschema.Must(`{
    "$schema": "http://json-schema.org/draft-06/schema#",
    "title": "swarm",
    "description": "swarmd network configuration",
    "type": "object",
    "required": ["listenaddrs", "minconnections"],
    "properties": {
      "privkey": { "type": "string" },
      "listenaddrs": {
        "type": "array",
        "items": { "type": "string" }
      },
      "bootstrapaddrs": {
        "type": "array",
        "items": { "type": "string" }
      },
      "protocolversion": { "type": "string" },
      "agentversion": { "type": "string" },
      "minconnections": { "type": "integer", "minimum": 0 },
      "initialbackoffseconds": { "type": "integer", "minimum": 0 },
      "maxbackoffseconds": { "type": "integer", "minimum": 0 },
      "security": {
        "type": "array",
        "items": { "type": "string" }
      }
    }
  }`)
	ctx := context.Background()
	data, err := json.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("error marshaling swarm config to json: %w", err)
	}
	if errs, err := schema.ValidateBytes(ctx, data); len(errs) > 0 {
		return fmt.Errorf("%s", errs[0])
	} else if err != nil {
		return err
	}
	if cfg.MaxBackoffSeconds != 0 && cfg.InitialBackoffSeconds > cfg.MaxBackoffSeconds {
		return fmt.Errorf("swarm: initialbackoffseconds must not exceed maxbackoffseconds")
	}
	return nil
}

// Copy returns a deep copy of cfg.
func (cfg *Swarm) Copy() *Swarm {
	res := *cfg
	res.ListenAddrs = append([]string{}, cfg.ListenAddrs...)
	res.BootstrapAddrs = append([]string{}, cfg.BootstrapAddrs...)
	res.Security = append([]string{}, cfg.Security...)
	return &res
}
