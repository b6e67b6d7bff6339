package config

import (
	golog "github.com/ipfs/go-log"
)

// Logging configures per-subsystem log levels. Keys are go-log subsystem
// names (one per package's `golog.Logger("...")` call); values are go-log
// level strings ("debug", "info", "warn", "error", "CRITICAL").
type Logging struct {
	Levels map[string]string `json:"levels"`
}

// DefaultLogging returns sane default log levels for the swarm engine's
// subsystems.
func DefaultLogging() *Logging {
	return &Logging{
		Levels: map[string]string{
			"swarm":    "info",
			"conn":     "info",
			"connmgr":  "info",
			"autodial": "info",
			"peermgr":  "info",
			"mplex":    "warn",
		},
	}
}

// SetArbitrary accepts and ignores any key the struct does not declare.
// Nothing in this module calls it: ReadFromFile decodes with
// yaml.Unmarshal, which already skips undeclared fields.
func (cfg *Logging) SetArbitrary(key string, val interface{}) error {
	return nil
}

// Validate confirms the logging configuration is valid.
func (cfg Logging) Validate() error {
	return nil
}

// Copy returns a deep copy of cfg.
func (cfg *Logging) Copy() *Logging {
	res := &Logging{Levels: map[string]string{}}
	for k, v := range cfg.Levels {
		res.Levels[k] = v
	}
	return res
}

// Apply sets each configured subsystem's go-log level.
func (cfg Logging) Apply() {
	for subsystem, level := range cfg.Levels {
		if err := golog.SetLogLevel(subsystem, level); err != nil {
			log.Debugf("config: invalid log level %q for subsystem %q: %s", level, subsystem, err)
		}
	}
}
