// Package msmux implements the short length-prefixed newline-terminated
// frame used by multistream-select negotiation (spec.md §4.D, §6): a
// varint(len+1), the payload bytes, and a terminating '\n'.
package msmux

import (
	"errors"
	"io"

	varint "github.com/multiformats/go-varint"
)

// ErrMissingNewline is returned by ReadMsg when a decoded frame does not
// end in the required terminator byte.
var ErrMissingNewline = errors.New("msmux: frame missing terminating newline")

// ErrEmptyFrame is returned for a frame whose declared length is zero (it
// could not even hold the terminator).
var ErrEmptyFrame = errors.New("msmux: zero-length frame")

// byteReader is the minimal interface ReadMsg needs from its source.
type byteReader interface {
	io.Reader
	io.ByteReader
}

// WriteMsg writes s as varint(len(s)+1) || s || '\n'.
func WriteMsg(w io.Writer, s string) error {
	n := len(s) + 1
	buf := make([]byte, varint.UvarintSize(uint64(n))+n)
	off := varint.PutUvarint(buf, uint64(n))
	off += copy(buf[off:], s)
	buf[off] = '\n'
	_, err := w.Write(buf[:off+1])
	return err
}

// ReadMsg decodes a frame written by WriteMsg, returning the payload
// without its terminating newline.
func ReadMsg(r byteReader) (string, error) {
	length, err := varint.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", ErrEmptyFrame
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if buf[length-1] != '\n' {
		return "", ErrMissingNewline
	}
	return string(buf[:length-1]), nil
}
