package timeproto

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

const now = 1_700_000_000

func TestEncode(t *testing.T) {
	b := NewPacket(0x01020304).Encode()
	if !bytes.Equal(b, []byte{1, 2, 3, 4}) {
		t.Fatalf("encoded=% x", b)
	}
}

func TestEncodeExtended(t *testing.T) {
	p := Packet{Timestamp: 0x01020304, Version: 2, Mode: ModeServer}
	b := p.EncodeExtended()

	// checksum = 1+2+3+4+2+4 = 16
	want := []byte{1, 2, 3, 4, 2, 4, 0, 16}
	if !bytes.Equal(b, want) {
		t.Fatalf("encoded=% x want % x", b, want)
	}

	got, err := Decode(b, now)
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Fatalf("decoded %+v want %+v", got, p)
	}
}

func TestDecode_Basic(t *testing.T) {
	p, err := Decode(NewPacket(now).Encode(), now)
	if err != nil {
		t.Fatal(err)
	}
	if p.Timestamp != now || p.Version != DefaultVersion || p.Mode != ModeClient {
		t.Fatalf("decoded %+v", p)
	}
}

func TestDecode_Errors(t *testing.T) {
	ext := Packet{Timestamp: now, Version: 1, Mode: 3}.EncodeExtended()
	corrupt := append([]byte(nil), ext...)
	corrupt[7]++

	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"too short", []byte{1, 2, 3}, ErrPacketSize},
		{"too long", make([]byte, 49), ErrPacketSize},
		{"version zero", []byte{0, 0, 0, 1, 0, 3}, ErrVersion},
		{"version five", []byte{0, 0, 0, 1, 5, 3}, ErrVersion},
		{"mode eight", []byte{0, 0, 0, 1, 1, 8}, ErrMode},
		{"bad checksum", corrupt, ErrChecksum},
		{"future", NewPacket(now + FutureTolerance + 1).Encode(), ErrTimestamp},
	}
	for _, c := range cases {
		if _, err := Decode(c.in, now); !errors.Is(err, c.want) {
			t.Errorf("%s: err=%v want %v", c.name, err, c.want)
		}
	}

	if _, err := Decode(NewPacket(now+FutureTolerance).Encode(), now); err != nil {
		t.Errorf("timestamp at the tolerance edge rejected: %v", err)
	}
}

func TestDecode_SixBytesHasNoChecksum(t *testing.T) {
	p, err := Decode([]byte{0, 0, 0, 1, 4, 7}, now)
	if err != nil {
		t.Fatal(err)
	}
	if p.Version != 4 || p.Mode != 7 {
		t.Fatalf("decoded %+v", p)
	}
}

func TestEpoch(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	if ts := EpochUnix.Timestamp(at); ts != uint32(at.Unix()) {
		t.Fatalf("unix=%d", ts)
	}
	if ts := EpochRFC868.Timestamp(at); ts != uint32(at.Unix()+2208988800) {
		t.Fatalf("rfc868=%d", ts)
	}
	for _, e := range []Epoch{EpochUnix, EpochRFC868} {
		if back := e.Time(e.Timestamp(at)); !back.Equal(at) {
			t.Fatalf("%s round trip=%v", e, back)
		}
	}

	if e, err := ParseEpoch("rfc868"); err != nil || e != EpochRFC868 {
		t.Fatalf("ParseEpoch: %v %v", e, err)
	}
	if _, err := ParseEpoch("ntp"); err == nil {
		t.Fatal("expected error")
	}
}

func TestFormatAndParseTimestamp(t *testing.T) {
	if s := FormatTimestamp(0); s != "1970-01-01 00:00:00 UTC" {
		t.Fatalf("formatted=%q", s)
	}
	if s := FormatTimestamp(1704164645); s != "2024-01-02 03:04:05 UTC" {
		t.Fatalf("formatted=%q", s)
	}

	for _, in := range []string{"2024-01-02 03:04:05 UTC", "2024-01-02 03:04:05"} {
		ts, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if ts != 1704164645 {
			t.Fatalf("%q parsed to %d", in, ts)
		}
	}

	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatal("expected error")
	}
}

func TestChecksumWraps(t *testing.T) {
	b := bytes.Repeat([]byte{0xff}, 300)
	// 300*0xff = 76500, low 16 bits 10964
	if got := Checksum(b); got != 10964 {
		t.Fatalf("checksum=%d", got)
	}
}
