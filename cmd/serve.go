package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	ic "github.com/libp2p/go-libp2p-crypto"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/qri-io/ioes"
	"github.com/spf13/cobra"

	"github.com/qri-io/swarmd/autodial"
	"github.com/qri-io/swarmd/config"
	"github.com/qri-io/swarmd/event"
	"github.com/qri-io/swarmd/peer"
	"github.com/qri-io/swarmd/peermgr"
	"github.com/qri-io/swarmd/sec"
	"github.com/qri-io/swarmd/sec/noise"
	"github.com/qri-io/swarmd/sec/plaintext"
	"github.com/qri-io/swarmd/sec/secio"
	"github.com/qri-io/swarmd/swarm"
	"github.com/qri-io/swarmd/transport"
	"github.com/qri-io/swarmd/transport/tcp"
)

// NewServeCommand creates the `swarmd serve` cobra command: it brings up a
// swarm, starts listening on its configured addresses, dials its configured
// bootstrap peers, and blocks until interrupted.
func NewServeCommand(ctx context.Context, ioStreams ioes.IOStreams) *cobra.Command {
	o := ServeOptions{IOStreams: ioStreams}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start a swarmd node",
		Long: `serve starts a long-running swarmd process: it loads or creates the
node's configuration, opens the configured listeners, connects to any
configured bootstrap peers, and keeps a target number of connections alive
until the process receives an interrupt or terminate signal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(); err != nil {
				return err
			}
			return o.Run(ctx)
		},
	}
	return cmd
}

// ServeOptions encapsulates state for the serve command.
type ServeOptions struct {
	ioes.IOStreams
	cfg *config.Config
}

// Complete loads the node's configuration, generating a fresh one (with a
// freshly-generated private key) the first time swarmd runs against a given
// repo path.
func (o *ServeOptions) Complete() error {
	path := configFilepath()
	cfg, err := config.ReadFromFile(path)
	if os.IsNotExist(err) {
		cfg = config.DefaultConfig()
		keyStr, genErr := generateKeyString()
		if genErr != nil {
			return genErr
		}
		cfg.Swarm.PrivKey = keyStr
		if mkErr := os.MkdirAll(viperSwarmdRepoPath(), 0755); mkErr != nil {
			return mkErr
		}
		if wErr := cfg.WriteToFile(path); wErr != nil {
			return wErr
		}
	} else if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// Run brings up the swarm and blocks until ctx is cancelled or the process
// receives an interrupt/terminate signal.
func (o *ServeOptions) Run(ctx context.Context) error {
	cfg := o.cfg
	cfg.Logging.Apply()

	privKey, err := cfg.Swarm.DecodePrivateKey()
	if err != nil {
		return fmt.Errorf("decoding swarm private key: %w", err)
	}
	localID, err := peer.IDFromPublicKey(privKey.GetPublic())
	if err != nil {
		return fmt.Errorf("deriving local peer id: %w", err)
	}

	registry := transport.NewRegistry()
	registry.Register("tcp", func() (transport.Transport, error) { return tcp.New() })

	security, err := buildSecurity(cfg.Swarm.Security, localID, privKey)
	if err != nil {
		return err
	}

	bus := event.NewBus(ctx)

	sw, err := swarm.New(swarm.Config{
		LocalKey:        privKey,
		Transports:      registry,
		Security:        security,
		Bus:             bus,
		ProtocolVersion: cfg.Swarm.ProtocolVersion,
		AgentVersion:    cfg.Swarm.AgentVersion,
	})
	if err != nil {
		return fmt.Errorf("constructing swarm: %w", err)
	}
	sw.Start(ctx)
	defer sw.Shutdown()

	for _, addr := range cfg.Swarm.ListenAddrs {
		a, err := ma.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("parsing listen address %q: %w", addr, err)
		}
		bound, err := sw.StartListening(a)
		if err != nil {
			return fmt.Errorf("listening on %q: %w", addr, err)
		}
		fmt.Fprintf(o.Out, "listening on %s\n", bound)
	}

	for _, addr := range cfg.Swarm.BootstrapAddrs {
		a, err := ma.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("parsing bootstrap address %q: %w", addr, err)
		}
		if err := sw.RegisterPeerAddress(a); err != nil {
			log.Debugf("serve: registering bootstrap address %s: %s", addr, err)
		}
	}

	ad := autodial.New(autodial.Config{
		Swarm:          sw,
		Bus:            bus,
		MinConnections: cfg.Swarm.MinConnections,
	})
	ad.Start(ctx)
	defer ad.Stop()

	pm := peermgr.New(peermgr.Config{
		Swarm:          sw,
		Bus:            bus,
		InitialBackoff: time.Duration(cfg.Swarm.InitialBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(cfg.Swarm.MaxBackoffSeconds) * time.Second,
	})
	pm.Start(ctx)
	defer pm.Stop()

	fmt.Fprintf(o.Out, "swarmd running as %s\n", localID.Pretty())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-sig:
	}
	return nil
}

// buildSecurity constructs the secure-channel transports named in
// preference order by names, which come from config.Swarm.Security
// (spec.md §4.F).
func buildSecurity(names []string, localID peer.ID, privKey ic.PrivKey) ([]sec.Transport, error) {
	var out []sec.Transport
	for _, name := range names {
		switch name {
		case plaintext.ID:
			out = append(out, plaintext.New(localID, privKey.GetPublic()))
		case noise.ID:
			out = append(out, noise.New(localID, privKey))
		case secio.ID:
			t, err := secio.New(privKey)
			if err != nil {
				return nil, fmt.Errorf("constructing secio transport: %w", err)
			}
			out = append(out, t)
		default:
			return nil, fmt.Errorf("unknown security protocol %q", name)
		}
	}
	return out, nil
}
