// Package timeproto encodes and decodes the 32-bit time packet served by the
// daemon: a big-endian count of seconds, optionally followed by a version
// byte, a mode byte and a 16-bit checksum.
package timeproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	PacketSize         = 4
	ExtendedPacketSize = 8
	MaxPacketSize      = 48

	DefaultVersion uint8 = 1
	ModeClient     uint8 = 3
	ModeServer     uint8 = 4

	// FutureTolerance is how far ahead of the local clock a decoded
	// timestamp may be.
	FutureTolerance = 3600

	// rfc868Offset is the number of seconds between 1900-01-01 and 1970-01-01.
	rfc868Offset = 2208988800

	TimeLayout = "2006-01-02 15:04:05 UTC"
)

var (
	ErrPacketSize = errors.New("invalid packet size")
	ErrVersion    = errors.New("invalid protocol version")
	ErrMode       = errors.New("invalid packet mode")
	ErrChecksum   = errors.New("checksum mismatch")
	ErrTimestamp  = errors.New("timestamp too far in the future")
)

type Epoch int

const (
	EpochUnix Epoch = iota
	EpochRFC868
)

func ParseEpoch(s string) (Epoch, error) {
	switch s {
	case "", "unix":
		return EpochUnix, nil
	case "rfc868":
		return EpochRFC868, nil
	}
	return EpochUnix, fmt.Errorf("unknown epoch %q", s)
}

func (e Epoch) String() string {
	if e == EpochRFC868 {
		return "rfc868"
	}
	return "unix"
}

// Timestamp converts t to a wire timestamp. Values wrap modulo 2^32.
func (e Epoch) Timestamp(t time.Time) uint32 {
	secs := uint32(t.Unix())
	if e == EpochRFC868 {
		secs += rfc868Offset
	}
	return secs
}

// Time converts a wire timestamp back to a time in UTC.
func (e Epoch) Time(ts uint32) time.Time {
	secs := int64(ts)
	if e == EpochRFC868 {
		secs -= rfc868Offset
	}
	return time.Unix(secs, 0).UTC()
}

type Packet struct {
	Timestamp uint32
	Version   uint8
	Mode      uint8
}

func NewPacket(ts uint32) Packet {
	return Packet{Timestamp: ts, Version: DefaultVersion, Mode: ModeServer}
}

// Encode returns the basic 4-byte form.
func (p Packet) Encode() []byte {
	b := make([]byte, PacketSize)
	binary.BigEndian.PutUint32(b, p.Timestamp)
	return b
}

// EncodeExtended returns timestamp, version, mode and checksum.
func (p Packet) EncodeExtended() []byte {
	b := make([]byte, ExtendedPacketSize)
	binary.BigEndian.PutUint32(b, p.Timestamp)
	b[4] = p.Version
	b[5] = p.Mode
	binary.BigEndian.PutUint16(b[6:], Checksum(b[:6]))
	return b
}

func (p Packet) String() string {
	return fmt.Sprintf("timestamp=%d time=%q version=%d mode=%d",
		p.Timestamp, FormatTimestamp(p.Timestamp), p.Version, p.Mode)
}

// Decode parses b. now is the current timestamp in the same epoch as the
// packet and bounds how far in the future the timestamp may be.
func Decode(b []byte, now uint32) (Packet, error) {
	if len(b) < PacketSize || len(b) > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrPacketSize, len(b))
	}

	p := Packet{
		Timestamp: binary.BigEndian.Uint32(b),
		Version:   DefaultVersion,
		Mode:      ModeClient,
	}

	if len(b) >= 6 {
		p.Version = b[4]
		p.Mode = b[5]
		if p.Version < 1 || p.Version > 4 {
			return Packet{}, fmt.Errorf("%w: %d", ErrVersion, p.Version)
		}
		if p.Mode > 7 {
			return Packet{}, fmt.Errorf("%w: %d", ErrMode, p.Mode)
		}
	}

	if len(b) >= ExtendedPacketSize {
		n := len(b)
		if binary.BigEndian.Uint16(b[n-2:]) != Checksum(b[:n-2]) {
			return Packet{}, ErrChecksum
		}
	}

	if uint64(p.Timestamp) > uint64(now)+FutureTolerance {
		return Packet{}, fmt.Errorf("%w: %d", ErrTimestamp, p.Timestamp)
	}

	return p, nil
}

// Checksum is the low 16 bits of the byte sum.
func Checksum(b []byte) uint16 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return uint16(sum)
}

// FormatTimestamp renders a Unix timestamp as "YYYY-MM-DD HH:MM:SS UTC".
func FormatTimestamp(ts uint32) string {
	return EpochUnix.Time(ts).Format(TimeLayout)
}

// ParseTimestamp accepts the FormatTimestamp layout, with or without the
// trailing " UTC".
func ParseTimestamp(s string) (uint32, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), " UTC")
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp: %w", err)
	}
	if t.Unix() < 0 || t.Unix() > 1<<32-1 {
		return 0, fmt.Errorf("parse timestamp: %q out of range", s)
	}
	return uint32(t.Unix()), nil
}
