// Package config encapsulates swarmd configuration options & details.
// Configuration is generally stored as a .yaml file, or provided at CLI
// runtime via command line arguments.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"reflect"

	"github.com/ghodss/yaml"
	golog "github.com/ipfs/go-log"
	"github.com/qri-io/jsonschema"
)

var log = golog.Logger("config")

// CurrentConfigRevision is the latest configuration revision; configs that
// don't match this revision number should be migrated up.
const CurrentConfigRevision = 1

// Config encapsulates all configuration details for a swarmd node.
type Config struct {
	path string

	Revision int
	Swarm    *Swarm
	Logging  *Logging
}

// SetArbitrary accepts and ignores any key the struct does not declare.
// Nothing in this module calls it: ReadFromFile decodes with yaml.Unmarshal,
// which already skips undeclared fields.
func (cfg *Config) SetArbitrary(key string, val interface{}) error {
	return nil
}

// NOTE: The configuration returned by DefaultConfig is insufficient, as is, to run a functional
// swarmd node. In particular, it lacks a private key, which is necessary to derive the node's
// peer id. That's expensive to generate, so it isn't added to DefaultConfig, which only does the
// bare minimum necessary to construct the object. In real use, the only places a Config object
// comes from are `swarmd config init` and the first run of `swarmd serve`, which build upon
// DefaultConfig by adding a freshly generated private key, and ReadFromFile, which parses a
// serialized config file from the node's repo path.

// DefaultConfig gives a new configuration with simple, default settings
func DefaultConfig() *Config {
	return &Config{
		Revision: CurrentConfigRevision,
		Swarm:    DefaultSwarm(),
		Logging:  DefaultLogging(),
	}
}

// SummaryString creates a pretty string summarizing the
// configuration, useful for log output
func (cfg Config) SummaryString() (summary string) {
	summary = "\n"
	if cfg.Swarm != nil {
		summary += fmt.Sprintf("listen addrs:\t%v\n", cfg.Swarm.ListenAddrs)
		summary += fmt.Sprintf("min connections:\t%d\n", cfg.Swarm.MinConnections)
	}
	return summary
}

// ReadFromFile reads a YAML configuration file from path
func ReadFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.path = path
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SetPath assigns unexported filepath to write config to
func (cfg *Config) SetPath(path string) {
	cfg.path = path
}

// Path gives the unexported filepath for a config
func (cfg Config) Path() string {
	return cfg.path
}

// WriteToFile encodes a configration to YAML and writes it to path
func (cfg Config) WriteToFile(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(path, data, 0644)
}

// ImmutablePaths returns a map of paths that should never be modified
func ImmutablePaths() map[string]bool {
	return map[string]bool{
		"swarm.privkey": true,
	}
}

// valiate is a helper function that wraps json.Marshal an ValidateBytes
// it is used by each struct that is in a Config field (eg Swarm, Logging)
func validate(rs *jsonschema.Schema, s interface{}) error {
	ctx := context.Background()
	strct, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("error marshaling config section to json: %s", err)
	}
	if errors, err := rs.ValidateBytes(ctx, strct); len(errors) > 0 {
		return fmt.Errorf("%s", errors[0])
	} else if err != nil {
		return err
	}
	return nil
}

type validator interface {
	Validate() error
}

// Validate validates each section of the config struct,
// returning the first error
func (cfg Config) Validate() error {
	schema := jsonschema.Must(`{
    "$schema": "http://json-schema.org/draft-06/schema#",
    "title": "config",
    "description": "swarmd configuration",
    "type": "object",
    "required": ["Swarm"],
    "properties" : {
			"Swarm" : { "type":"object" },
			"Logging" : { "type":"object" }
    }
  }`)
	if err := validate(schema, &cfg); err != nil {
		return fmt.Errorf("config validation error: %s", err)
	}

	validators := []validator{
		cfg.Swarm,
		cfg.Logging,
	}
	for _, val := range validators {
		// we need to check here because we're potentially calling methods on nil
		// values that don't handle a nil receiver gracefully.
		// https://tour.golang.org/methods/12
		// https://groups.google.com/forum/#!topic/golang-nuts/wnH302gBa4I/discussion
		if !reflect.ValueOf(val).IsNil() {
			if err := val.Validate(); err != nil {
				return err
			}
		}
	}

	return nil
}

// Copy returns a deep copy of the Config struct
func (cfg *Config) Copy() *Config {
	res := &Config{
		Revision: cfg.Revision,
	}
	if cfg.path != "" {
		res.path = cfg.path
	}
	if cfg.Swarm != nil {
		res.Swarm = cfg.Swarm.Copy()
	}
	if cfg.Logging != nil {
		res.Logging = cfg.Logging.Copy()
	}

	return res
}

// WithoutPrivateValues returns a deep copy of the receiver with the private values removed
func (cfg *Config) WithoutPrivateValues() *Config {
	res := cfg.Copy()
	res.Swarm.PrivKey = ""
	return res
}

// WithPrivateValues returns a deep copy of the receiver with the private values from
// the *Config passed in from the params
func (cfg *Config) WithPrivateValues(p *Config) *Config {
	res := cfg.Copy()
	res.Swarm.PrivKey = p.Swarm.PrivKey
	return res
}
