package cmd

import (
	"encoding/base64"
	"fmt"

	ic "github.com/libp2p/go-libp2p-crypto"
	"github.com/qri-io/ioes"
	"github.com/spf13/cobra"

	"github.com/qri-io/swarmd/peer"
)

// keygenKeyType is the only private key type this node generates: an
// ed25519 key, matching the default go-libp2p identity type.
const keygenKeyType = ic.Ed25519
const keygenKeyBits = 256

// NewKeygenCommand creates the `swarmd keygen` cobra command, which prints a
// fresh base64-encoded private key and its derived peer id.
func NewKeygenCommand(ioStreams ioes.IOStreams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a new swarm private key",
		Long: `keygen generates a new ed25519 private key suitable for use as
swarm.privkey in a swarmd config file, and prints the peer id it derives.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyStr, id, err := generateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(ioStreams.Out, "privkey: %s\n", keyStr)
			fmt.Fprintf(ioStreams.Out, "peer id: %s\n", id.Pretty())
			return nil
		},
	}
	return cmd
}

// generateKey creates a new ed25519 private key and returns it base64
// encoded, alongside the peer id it derives.
func generateKey() (string, peer.ID, error) {
	priv, pub, err := ic.GenerateKeyPair(keygenKeyType, keygenKeyBits)
	if err != nil {
		return "", "", err
	}
	data, err := ic.MarshalPrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(data), id, nil
}

// generateKeyString is a convenience wrapper for callers that only need the
// encoded key.
func generateKeyString() (string, error) {
	keyStr, _, err := generateKey()
	return keyStr, err
}
