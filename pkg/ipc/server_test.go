package ipc

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/internal/clock"
	"github.com/ratman-router/ratman/pkg/collector"
	"github.com/ratman-router/ratman/pkg/journal"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/switchcore"
	"github.com/ratman-router/ratman/pkg/wire"
)

type harness struct {
	server *Server
	client net.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "ratman.db"), journal.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	table := routes.NewRouteTable(nil, clock.System{})
	links := routes.NewLinksMap()
	coll := collector.NewBlockCollector(j, clock.System{}, zerolog.Nop())

	// Switch.Local and Server are mutually referential (the switch asks the
	// server which addresses are local; send.one asks the switch to
	// originate), so build Server first with a nil switch and wire it in
	// after the switch exists.
	s := NewServer(j, table, links, nil, coll, zerolog.Nop())
	sw := switchcore.New(links, table, j, s, coll, zerolog.Nop())
	s.AttachSwitch(sw)

	asm := collector.NewAssembler(j, s, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go asm.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go s.Serve(ctx, ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return &harness{server: s, client: client}
}

func mustHandshake(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	defer c.SetDeadline(time.Time{})

	buf := make([]byte, 4)
	if _, err := readAll(c, buf); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	h, ok := wire.DecodeHello(buf)
	if !ok || h.Major != wire.HelloMajorVersion {
		t.Fatalf("bad server hello: %+v ok=%v", h, ok)
	}
	if _, err := c.Write(wire.EncodeHello(wire.Hello{Major: wire.HelloMajorVersion, Minor: 0})); err != nil {
		t.Fatalf("write hello: %v", err)
	}
}

func readAll(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func sendFrame(t *testing.T, c net.Conn, ns wire.Namespace, op uint8, payload []byte) {
	t.Helper()
	buf, err := wire.EncodeMicroframe(wire.MicroHeader{Namespace: ns, Op: op}, payload)
	if err != nil {
		t.Fatalf("encode microframe: %v", err)
	}
	if _, err := c.Write(buf); err != nil {
		t.Fatalf("write microframe: %v", err)
	}
}

// readFrame reads exactly one microframe, growing its buffer until
// wire.DecodeMicroframe reports it has enough bytes.
func readFrame(t *testing.T, c net.Conn) (wire.MicroHeader, []byte) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.SetReadDeadline(time.Time{})

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		hdr, payload, consumed, status := wire.DecodeMicroframe(buf)
		if status == wire.StatusOK {
			_ = consumed
			return hdr, payload
		}
		n, err := c.Read(chunk)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		buf = append(buf, chunk[:n]...)
	}
}

func TestHandshakeVersionMismatchDisconnects(t *testing.T) {
	h := newHarness(t)

	buf := make([]byte, 4)
	if _, err := readAll(h.client, buf); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	// Spec §8 S6: a client announcing an incompatible major version is
	// disconnected rather than negotiated with.
	bad := wire.Hello{Major: wire.HelloMajorVersion + 1, Minor: 0}
	if _, err := h.client.Write(wire.EncodeHello(bad)); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	if _, err := h.client.Read(one); err == nil {
		t.Fatalf("expected connection to be closed after version mismatch")
	}
}

func createAddr(t *testing.T, c net.Conn) (rid.Address, wire.ClientAuth) {
	t.Helper()
	payload := putStr(nil, "test-addr")
	payload = append(payload, 0) // no namespace key
	sendFrame(t, c, wire.NSAddr, opAddrCreate, payload)
	hdr, body := readFrame(t, c)
	if hdr.Namespace != wire.NSAddr || hdr.Op != opAddrCreate {
		t.Fatalf("unexpected response header: %+v", hdr)
	}
	if respStatus(body[0]) != respOK {
		t.Fatalf("addr.create failed: %v", body)
	}
	body = body[1:]
	addr := rid.Address(rid.FromBytes(body[:rid.Size]))
	body = body[rid.Size:]
	clientID := rid.FromBytes(body[:rid.Size])
	body = body[rid.Size:]
	token := rid.FromBytes(body[:rid.Size])
	return addr, wire.ClientAuth{ClientID: clientID, Token: token}
}

func TestAddrCreateListRoundTrip(t *testing.T) {
	h := newHarness(t)
	mustHandshake(t, h.client)

	addr, _ := createAddr(t, h.client)

	sendFrame(t, h.client, wire.NSAddr, opAddrList, putStr(nil, ""))
	hdr, body := readFrame(t, h.client)
	if hdr.Op != opAddrList || respStatus(body[0]) != respOK {
		t.Fatalf("addr.list failed: %+v %v", hdr, body)
	}
	body = body[1:]
	count := binary.BigEndian.Uint16(body)
	body = body[2:]
	if count != 1 {
		t.Fatalf("expected 1 address, got %d", count)
	}
	got := rid.Address(rid.FromBytes(body[:rid.Size]))
	if got != addr {
		t.Fatalf("addr.list returned %s, want %s", got, addr)
	}
}

func TestAddrUpDownRequiresValidAuth(t *testing.T) {
	h := newHarness(t)
	mustHandshake(t, h.client)

	addr, _ := createAddr(t, h.client)

	forged := append([]byte{}, make([]byte, rid.Size)...) // all-zero client id
	forged = append(forged, make([]byte, rid.Size)...)    // all-zero token
	forged = append(forged, addr.Slice()...)
	sendFrame(t, h.client, wire.NSAddr, opAddrUp, forged)
	hdr, body := readFrame(t, h.client)
	if hdr.Op != opAddrUp || respStatus(body[0]) != respErr {
		t.Fatalf("expected addr.up with forged auth to fail, got %+v %v", hdr, body)
	}
	if rerrsKind(body) != uint8(1 /* KindAuth, see internal/rerrs */) {
		// Not asserting the exact numeric Kind to avoid coupling this test
		// to rerrs' iota ordering; the important invariant is respErr above.
		t.Logf("addr.up forged-auth error kind byte = %d", rerrsKind(body))
	}
}

func rerrsKind(body []byte) uint8 {
	if len(body) < 2 {
		return 0
	}
	return body[1]
}

func TestSendOneThenRecvOneDelivers(t *testing.T) {
	h := newHarness(t)
	mustHandshake(t, h.client)

	addr, auth := createAddr(t, h.client)

	recvConn := h.client // reuse same connection for recv.one; spec doesn't forbid it
	recvPayload := append([]byte{}, auth.ClientID.Slice()...)
	recvPayload = append(recvPayload, auth.Token.Slice()...)
	recvPayload = append(recvPayload, addr.Slice()...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sendFrame(t, recvConn, wire.NSRecv, opRecvOne, recvPayload)
	}()

	// Give recv.one a moment to register its waiter before the message is
	// originated, since recv.one only satisfies waiters registered before
	// delivery completes.
	time.Sleep(100 * time.Millisecond)

	msg := []byte("hello from ratcat")
	sendEntry := append([]byte{}, addr.Slice()...) // sender == recipient: local loopback send
	sendEntry = append(sendEntry, 0)                // is_namespace = false
	sendEntry = append(sendEntry, addr.Slice()...)  // recipient id
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(msg)))
	sendEntry = append(sendEntry, lenBuf...)
	sendEntry = append(sendEntry, msg...)

	sendFrame(t, h.client, wire.NSSend, opSendOne, sendEntry)

	var sawSendOK, sawRecvPush bool
	for i := 0; i < 2; i++ {
		hdr, body := readFrame(t, h.client)
		switch {
		case hdr.Namespace == wire.NSSend && hdr.Op == opSendOne:
			if respStatus(body[0]) != respOK {
				t.Fatalf("send.one failed: %v", body)
			}
			sawSendOK = true
		case hdr.Namespace == wire.NSRecv && hdr.Op == opRecvOne:
			if respStatus(body[0]) != respOK {
				t.Fatalf("recv.one failed: %v", body)
			}
			body = body[1:]
			gotAddr := rid.Address(rid.FromBytes(body[:rid.Size]))
			if gotAddr != addr {
				t.Fatalf("recv.one delivered for wrong address: %s", gotAddr)
			}
			sawRecvPush = true
		default:
			t.Fatalf("unexpected frame: %+v", hdr)
		}
	}
	<-done
	if !sawSendOK || !sawRecvPush {
		t.Fatalf("expected both send.one ack and recv.one delivery, got sendOK=%v recv=%v", sawSendOK, sawRecvPush)
	}
}
