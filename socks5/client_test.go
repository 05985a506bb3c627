package socks5

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// scriptedProxy accepts one connection and hands it to script.
func scriptedProxy(t *testing.T, script func(c net.Conn)) (Endpoint, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.SetDeadline(time.Now().Add(5 * time.Second))
		script(c)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Endpoint{Address: "127.0.0.1", Port: uint16(addr.Port)}, done
}

func readExact(c net.Conn, n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(c, b); err != nil {
		return nil
	}
	return b
}

func TestConnectSendsDomainNameRequest(t *testing.T) {
	var greeting, request []byte
	endpoint, done := scriptedProxy(t, func(c net.Conn) {
		greeting = readExact(c, 3)
		c.Write([]byte{0x05, 0x00})
		request = readExact(c, 15)
		c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		// Echo one message to prove the stream is usable.
		msg := readExact(c, 5)
		c.Write(msg)
	})

	d := NewDialer(endpoint)
	conn, err := d.Connect(context.Background(), "10.0.0.5", 443)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 5)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("echo = %q, want hello", got)
	}
	<-done

	if !bytes.Equal(greeting, []byte{0x05, 0x01, 0x00}) {
		t.Errorf("greeting = % x", greeting)
	}
	want := append([]byte{0x05, 0x01, 0x00, 0x03, 0x08}, "10.0.0.5"...)
	want = append(want, 0x01, 0xBB)
	if !bytes.Equal(request, want) {
		t.Errorf("request = % x, want % x", request, want)
	}
}

func TestConnectHandshakeRejected(t *testing.T) {
	closed := make(chan error, 1)
	endpoint, _ := scriptedProxy(t, func(c net.Conn) {
		readExact(c, 3)
		c.Write([]byte{0x05, 0xFF})
		_, err := c.Read(make([]byte, 1))
		closed <- err
	})

	_, err := NewDialer(endpoint).Connect(context.Background(), "example.com", 80)
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("err = %v, want ErrHandshakeRejected", err)
	}
	var rejected *HandshakeRejectedError
	if !errors.As(err, &rejected) || rejected.Reply != [2]byte{0x05, 0xFF} {
		t.Errorf("reply = %+v", rejected)
	}

	select {
	case err := <-closed:
		if err != io.EOF {
			t.Errorf("proxy side read = %v, want EOF after client close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not close the proxy socket")
	}
}

func TestConnectRefusedCarriesCode(t *testing.T) {
	endpoint, _ := scriptedProxy(t, func(c net.Conn) {
		readExact(c, 3)
		c.Write([]byte{0x05, 0x00})
		readExact(c, 7+len("example.com"))
		c.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	})

	_, err := NewDialer(endpoint).Connect(context.Background(), "example.com", 80)
	if !errors.Is(err, ErrConnectRefused) {
		t.Fatalf("err = %v, want ErrConnectRefused", err)
	}
	var refused *ConnectRefusedError
	if !errors.As(err, &refused) || refused.Code != 0x05 {
		t.Errorf("code = %+v, want 0x05", refused)
	}
}

func TestConnectIOErrors(t *testing.T) {
	t.Run("closed mid handshake", func(t *testing.T) {
		endpoint, _ := scriptedProxy(t, func(c net.Conn) {
			readExact(c, 3)
			c.Write([]byte{0x05})
		})
		_, err := NewDialer(endpoint).Connect(context.Background(), "example.com", 80)
		if !errors.Is(err, ErrIO) {
			t.Fatalf("err = %v, want ErrIO", err)
		}
	})

	t.Run("nothing listening", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		_, err = NewDialer(Endpoint{Address: "127.0.0.1", Port: uint16(port)}).Connect(context.Background(), "example.com", 80)
		if !errors.Is(err, ErrIO) {
			t.Fatalf("err = %v, want ErrIO", err)
		}
	})

	t.Run("silent proxy times out", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		endpoint, _ := scriptedProxy(t, func(c net.Conn) { <-release })

		d := &Dialer{Endpoint: endpoint, Timeout: 100 * time.Millisecond}
		start := time.Now()
		_, err := d.Connect(context.Background(), "example.com", 80)
		if !errors.Is(err, ErrIO) {
			t.Fatalf("err = %v, want ErrIO", err)
		}
		if time.Since(start) > 3*time.Second {
			t.Errorf("Connect took %v", time.Since(start))
		}
	})
}

func TestConnectRejectsUnencodableHost(t *testing.T) {
	d := &Dialer{
		Endpoint: DefaultEndpoint,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			t.Fatal("dialed the proxy for an invalid host")
			return nil, nil
		},
	}
	for _, host := range []string{"", strings.Repeat("a", 256)} {
		_, err := d.Connect(context.Background(), host, 80)
		if !errors.Is(err, ErrInvalidHost) || !errors.Is(err, ErrIO) {
			t.Errorf("Connect(%d byte host) = %v, want ErrInvalidHost and ErrIO", len(host), err)
		}
	}
}

func TestHandshakeSkipsDomainBoundAddress(t *testing.T) {
	var script bytes.Buffer
	script.Write([]byte{0x05, 0x00})
	script.Write([]byte{0x05, 0x00, 0x00, 0x03, 0x04})
	script.WriteString("host")
	script.Write([]byte{0x00, 0x50})
	script.WriteString("payload")

	rw := &struct {
		io.Reader
		io.Writer
	}{&script, io.Discard}
	if err := Handshake(rw, "example.com", 80); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if script.String() != "payload" {
		t.Errorf("remaining stream = %q, want payload", script.String())
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("127.0.0.1:10808")
	if err != nil || ep != DefaultEndpoint {
		t.Fatalf("ParseEndpoint = %+v, %v", ep, err)
	}
	for _, bad := range []string{"127.0.0.1", "host:0", "host:70000", "host:abc"} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Errorf("ParseEndpoint(%q) succeeded", bad)
		}
	}
}
