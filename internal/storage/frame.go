// Package storage implements the crash-consistent persistence layer: an
// append-only checksummed event log, checksummed point-in-time snapshots, and
// the recovery procedure that merges the two.
//
// On-disk layout (byte-exact, shared with external recovery tooling):
//
//	log frame:     [4B BE length][4B BE CRC32-IEEE][length bytes UTF-8 JSON]
//	snapshot file: [4B BE CRC32-IEEE][UTF-8 JSON body]
package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	frameHeaderSize = 8
	// MaxFrameSize guards against a garbage length prefix making the reader
	// allocate gigabytes before the checksum gets a chance to reject it.
	MaxFrameSize = 64 << 20
)

var (
	// ErrChecksumMismatch means a frame's payload does not match its CRC.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrTruncatedFrame means the stream ended partway through a frame.
	ErrTruncatedFrame = errors.New("truncated frame")
	// ErrFrameTooLarge means the length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Checksum is the CRC32 (IEEE polynomial, zlib-compatible) of data.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// encodeFrame returns header+payload as one buffer so the append is a
// single write call.
func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], Checksum(payload))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// readFrame reads one frame. It returns io.EOF only at a clean frame
// boundary; any partial header or body is ErrTruncatedFrame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, fmt.Errorf("%w: header has %d of %d bytes", ErrTruncatedFrame, n, frameHeaderSize)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: length prefix %d", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, fmt.Errorf("%w: body has %d of %d bytes", ErrTruncatedFrame, n, length)
		}
		return nil, err
	}

	if Checksum(payload) != sum {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}

// encodeSnapshot prefixes body with its checksum.
func encodeSnapshot(body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], Checksum(body))
	copy(buf[4:], body)
	return buf
}

// decodeSnapshot verifies and strips the checksum prefix.
func decodeSnapshot(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedFrame, len(data))
	}
	body := data[4:]
	if Checksum(body) != binary.BigEndian.Uint32(data[0:4]) {
		return nil, ErrChecksumMismatch
	}
	return body, nil
}
