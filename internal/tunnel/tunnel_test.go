package tunnel

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestRelayConns_TerminatesWhenOneSideCloses(t *testing.T) {
	aLocal, aRemote := net.Pipe()
	bLocal, bRemote := net.Pipe()

	done := make(chan struct{})
	go func() {
		relayConns(aRemote, bRemote)
		close(done)
	}()
	go io.Copy(io.Discard, bLocal)

	aLocal.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relayConns did not terminate after one side closed")
	}
}

func TestRelayConns_DataFlowsAToB(t *testing.T) {
	aLocal, aRemote := net.Pipe()
	bLocal, bRemote := net.Pipe()

	go relayConns(aRemote, bRemote)

	go func() {
		aLocal.Write([]byte("ping"))
		aLocal.Close()
	}()

	var buf bytes.Buffer
	io.Copy(&buf, bLocal)
	if buf.String() != "ping" {
		t.Fatalf("expected relayed data %q, got %q", "ping", buf.String())
	}
}

func TestForward_CloseStopsAcceptingConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &Forward{localPort: ln.Addr().(*net.TCPAddr).Port, listener: ln}
	f.close()

	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Fatal("expected dial to closed listener to fail")
	}
}
