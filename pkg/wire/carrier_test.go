package wire

import (
	"bytes"
	"testing"

	"github.com/ratman-router/ratman/pkg/rid"
)

func TestFrameRoundTripMinimal(t *testing.T) {
	hdr := CarrierFrameHeader{
		Sender: rid.RandomAddress(),
		Modes:  ModeAnnounce,
	}
	payload := []byte("hello")

	buf, err := EncodeFrame(hdr, payload, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, gotPayload, consumed, status := DecodeFrame(buf)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", consumed, len(buf))
	}
	if got.Sender != hdr.Sender || got.Modes != hdr.Modes {
		t.Fatalf("header mismatch: %+v != %+v", got, hdr)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: %q != %q", gotPayload, payload)
	}
}

func TestFrameRoundTripFull(t *testing.T) {
	recipient := rid.RecipientNamespace(rid.Random())
	seq := rid.SequenceIdV1{Hash: rid.Random(), Num: 2, Max: 9}
	hdr := CarrierFrameHeader{
		Sender:        rid.RandomAddress(),
		Modes:         ModeData,
		Recipient:     &recipient,
		SeqID:         &seq,
		SignatureData: bytes.Repeat([]byte{0xAB}, 64),
		Aux:           []AuxPair{{Key: "k1", Value: "v1"}, {Key: "k2", Value: "v2"}},
	}
	payload := bytes.Repeat([]byte{0x42}, 1000)

	buf, err := EncodeFrame(hdr, payload, 1500)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, gotPayload, consumed, status := DecodeFrame(buf)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", consumed, len(buf))
	}
	if !got.Recipient.Equal(*hdr.Recipient) {
		t.Fatalf("recipient mismatch")
	}
	if *got.SeqID != *hdr.SeqID {
		t.Fatalf("seq id mismatch")
	}
	if !bytes.Equal(got.SignatureData, hdr.SignatureData) {
		t.Fatalf("signature mismatch")
	}
	if len(got.Aux) != 2 || got.Aux[0] != hdr.Aux[0] || got.Aux[1] != hdr.Aux[1] {
		t.Fatalf("aux mismatch: %+v", got.Aux)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameExceedsMTU(t *testing.T) {
	hdr := CarrierFrameHeader{Sender: rid.RandomAddress(), Modes: ModeData}
	if _, err := EncodeFrame(hdr, make([]byte, 100), 50); err == nil {
		t.Fatal("expected error when payload exceeds mtu")
	}
}

func TestDecodeIncomplete(t *testing.T) {
	hdr := CarrierFrameHeader{Sender: rid.RandomAddress(), Modes: ModeAnnounce}
	buf, _ := EncodeFrame(hdr, []byte("hello"), 0)

	for cut := 0; cut < len(buf); cut++ {
		_, _, consumed, status := DecodeFrame(buf[:cut])
		if status != StatusIncomplete {
			t.Fatalf("cut=%d: status = %v, want Incomplete", cut, status)
		}
		if consumed != 0 {
			t.Fatalf("cut=%d: consumed = %d, want 0 on incomplete", cut, consumed)
		}
	}
}

func TestDecodeUnknownVersionDropped(t *testing.T) {
	hdr := CarrierFrameHeader{Sender: rid.RandomAddress(), Modes: ModeAnnounce}
	buf, _ := EncodeFrame(hdr, []byte("x"), 0)
	buf[4] = 0xFF // corrupt version byte (first byte after the length prefix)

	_, _, consumed, status := DecodeFrame(buf)
	if status != StatusMalformed {
		t.Fatalf("status = %v, want Malformed", status)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d (whole frame skipped)", consumed, len(buf))
	}
}

func TestDecodeTrailingBytesTolerated(t *testing.T) {
	hdr := CarrierFrameHeader{Sender: rid.RandomAddress(), Modes: ModeAnnounce}
	buf, _ := EncodeFrame(hdr, []byte("x"), 0)
	buf = append(buf, []byte("garbage-next-frame")...)

	_, _, consumed, status := DecodeFrame(buf)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if consumed >= len(buf) {
		t.Fatalf("expected consumed to stop before trailing bytes")
	}
}

func TestMicroframeRoundTrip(t *testing.T) {
	auth := &ClientAuth{ClientID: rid.Random(), Token: rid.Random()}
	hdr := MicroHeader{Namespace: NSSend, Op: 1, Auth: auth}
	payload := []byte("payload-body")

	buf, err := EncodeMicroframe(hdr, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, gotPayload, consumed, status := DecodeMicroframe(buf)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", consumed, len(buf))
	}
	if got.Namespace != NSSend || got.Op != 1 {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.Auth == nil || *got.Auth != *auth {
		t.Fatalf("auth mismatch: %+v", got.Auth)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	h := Hello{Major: HelloMajorVersion, Minor: 3}
	got, ok := DecodeHello(EncodeHello(h))
	if !ok || got != h {
		t.Fatalf("hello round trip failed: %+v", got)
	}
}
