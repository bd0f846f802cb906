// Package socket implements the length-delimited JSON framing shared
// by the worker's control socket (worker <-> UI) and the worker <->
// root protocol (spec.md §6). Both are "one frame = one JSON document
// prefixed by a 4-byte big-endian length" on a Unix domain socket.
// Besides the framing, this package declares the control socket's
// Command/Response types (control.go) and the worker<->root RootFrame
// envelope (rootlink.go); the root-request payloads live in
// internal/rootproto.
package socket

import (
	"encoding/binary"
	"encoding/json"
	"io"

	goerrors "github.com/go-errors/errors"
)

// MaxFrameSize guards against a corrupt or malicious peer claiming an
// unbounded frame length. 4 MiB comfortably covers a WireGuard INI
// block plus a status response listing every configured destination.
const MaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned by ReadFrame when the declared length
// exceeds MaxFrameSize. Spec.md §6's DATAERR exit code corresponds to
// this condition at the control-socket boundary.
var ErrFrameTooLarge = goerrors.Errorf("socket: frame exceeds maximum size")

// WriteFrame writes v as a length-prefixed JSON frame to w.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return goerrors.Errorf("socket: marshal frame: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return goerrors.Errorf("socket: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return goerrors.Errorf("socket: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r and unmarshals
// it into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return goerrors.Errorf("socket: read frame body: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return goerrors.Errorf("socket: unmarshal frame: %w", err)
	}
	return nil
}

// ReadRawFrame reads one length-prefixed frame and returns its raw
// bytes without decoding, so a caller can sniff a `kind` discriminator
// field before picking a concrete type to unmarshal into (used by the
// worker<->root demultiplexer for its tagged-union messages).
func ReadRawFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, goerrors.Errorf("socket: read frame body: %w", err)
	}
	return payload, nil
}
