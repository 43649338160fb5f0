// Package transfer is the governor-to-governor data plane: raw object
// bytes stream peer to peer with a length prefix and an xxhash64
// integrity trailer, fully independent of the control protocol.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Request magic "QRYD".
const magic uint32 = 0x51525944

const maxIDLen = 4096

// Response status codes.
const (
	statusOK       uint8 = 0
	statusNotFound uint8 = 1
	statusError    uint8 = 2
)

var (
	ErrBadMagic   = errors.New("transfer: bad magic")
	ErrIntegrity  = errors.New("transfer: integrity check failed")
	ErrNotFound   = errors.New("transfer: object not found at peer")
	ErrPeer       = errors.New("transfer: peer error")
	ErrNoSource   = errors.New("transfer: no reachable source")
	ErrIDTooLarge = errors.New("transfer: object id too large")
)

func writeRequest(w io.Writer, objectID string) error {
	if len(objectID) > maxIDLen {
		return ErrIDTooLarge
	}
	buf := make([]byte, 6+len(objectID))
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(objectID)))
	copy(buf[6:], objectID)
	_, err := w.Write(buf)
	return err
}

func readRequest(r io.Reader) (string, error) {
	var head [6]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", err
	}
	if binary.BigEndian.Uint32(head[0:4]) != magic {
		return "", ErrBadMagic
	}
	n := binary.BigEndian.Uint16(head[4:6])
	id := make([]byte, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", err
	}
	return string(id), nil
}

func writeStatus(w io.Writer, status uint8) error {
	_, err := w.Write([]byte{status})
	return err
}

func writeLength(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

func readLength(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func statusErr(status uint8) error {
	switch status {
	case statusOK:
		return nil
	case statusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: status %d", ErrPeer, status)
	}
}
