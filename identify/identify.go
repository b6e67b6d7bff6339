// Package identify is the identity protocol exchanged over a fresh
// substream during PeerConnection establishment (spec.md §4.H step 5,
// §6 "Wire — Identity"): protocol/agent versions, public key, listen
// addresses, and the observed address. The real deployment's wire format
// is Protocol Buffers, an explicit Non-goal (spec.md §1); this is a
// minimal length-prefixed stand-in that carries the same fields.
package identify

import (
	"encoding/binary"
	"fmt"
	"io"

	ic "github.com/libp2p/go-libp2p-crypto"
	ma "github.com/multiformats/go-multiaddr"
)

// ID is the protocol name the identity exchange negotiates under.
const ID = "/ipfs/id/1.0.0"

// Snapshot is the record exchanged by the identity protocol.
type Snapshot struct {
	ProtocolVersion string
	AgentVersion    string
	PublicKey       ic.PubKey
	ListenAddrs     []ma.Multiaddr
	ObservedAddr    ma.Multiaddr
}

// Write encodes snap as a sequence of length-prefixed fields.
func Write(w io.Writer, snap *Snapshot) error {
	if err := writeString(w, snap.ProtocolVersion); err != nil {
		return err
	}
	if err := writeString(w, snap.AgentVersion); err != nil {
		return err
	}
	keyBytes, err := snap.PublicKey.Bytes()
	if err != nil {
		return fmt.Errorf("identify: marshalling public key: %w", err)
	}
	if err := writeBytes(w, keyBytes); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(snap.ListenAddrs))); err != nil {
		return err
	}
	for _, addr := range snap.ListenAddrs {
		if err := writeBytes(w, addr.Bytes()); err != nil {
			return err
		}
	}
	observed := []byte{}
	if snap.ObservedAddr != nil {
		observed = snap.ObservedAddr.Bytes()
	}
	return writeBytes(w, observed)
}

// Read decodes a Snapshot written by Write.
func Read(r io.Reader) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error
	if snap.ProtocolVersion, err = readString(r); err != nil {
		return nil, err
	}
	if snap.AgentVersion, err = readString(r); err != nil {
		return nil, err
	}
	keyBytes, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if snap.PublicKey, err = ic.UnmarshalPublicKey(keyBytes); err != nil {
		return nil, fmt.Errorf("identify: unmarshalling public key: %w", err)
	}

	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		addr, err := ma.NewMultiaddrBytes(b)
		if err != nil {
			return nil, fmt.Errorf("identify: decoding listen addr: %w", err)
		}
		snap.ListenAddrs = append(snap.ListenAddrs, addr)
	}

	observedBytes, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if len(observedBytes) > 0 {
		if snap.ObservedAddr, err = ma.NewMultiaddrBytes(observedBytes); err != nil {
			return nil, fmt.Errorf("identify: decoding observed addr: %w", err)
		}
	}
	return snap, nil
}

func writeUint32(w io.Writer, n uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
