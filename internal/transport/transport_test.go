package transport

import (
	"context"
	"crypto/x509"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/goadb/internal/protocol"
)

var modes = []struct {
	name string
	mode Mode
}{
	{"TCP", ModeTCP},
	{"QUIC", ModeQUIC},
}

// connPair dials ln and returns both ends. The client writes first: a QUIC
// stream is invisible to the listener until it carries data.
func connPair(t *testing.T, ln Listener, mode Mode) (server, client Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		conn Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		accepted <- result{conn, err}
	}()

	client, err := Dial(ctx, mode, "127.0.0.1:"+strconv.Itoa(ln.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	hello := &protocol.Message{Command: protocol.CmdCNXN, Arg0: protocol.Version, Arg1: protocol.MaxPayload, Payload: []byte("host::\x00")}
	require.NoError(t, protocol.WriteMessage(client, hello))

	var res result
	select {
	case res = <-accepted:
	case <-ctx.Done():
		t.Fatal("timeout waiting for accept")
	}
	require.NoError(t, res.err)
	t.Cleanup(func() { res.conn.Close() })

	got, err := protocol.ReadMessage(res.conn)
	require.NoError(t, err)
	require.Equal(t, hello, got)
	return res.conn, client
}

func TestRoundTrip(t *testing.T) {
	for _, tt := range modes {
		t.Run(tt.name, func(t *testing.T) {
			ln, err := Listen(tt.mode, "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()

			server, client := connPair(t, ln, tt.mode)
			require.NotNil(t, server.RemoteAddr())

			reply := &protocol.Message{Command: protocol.CmdCNXN, Arg0: protocol.Version, Arg1: protocol.MaxPayload, Payload: []byte("device:abc:\x00")}
			require.NoError(t, protocol.WriteMessage(server, reply))
			got, err := protocol.ReadMessage(client)
			require.NoError(t, err)
			require.Equal(t, reply, got)
		})
	}
}

func TestLargeTransfer(t *testing.T) {
	for _, tt := range modes {
		t.Run(tt.name, func(t *testing.T) {
			ln, err := Listen(tt.mode, "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()

			server, client := connPair(t, ln, tt.mode)

			const n = 256
			go func() {
				for i := 0; i < n; i++ {
					payload := make([]byte, protocol.MaxPayload)
					payload[0] = byte(i)
					protocol.WriteMessage(client, &protocol.Message{Command: protocol.CmdWRTE, Arg0: 1, Arg1: 2, Payload: payload})
				}
			}()
			for i := 0; i < n; i++ {
				msg, err := protocol.ReadMessage(server)
				require.NoError(t, err)
				require.Equal(t, byte(i), msg.Payload[0])
				require.Len(t, msg.Payload, int(protocol.MaxPayload))
			}
		})
	}
}

func TestCloseGivesEOF(t *testing.T) {
	for _, tt := range modes {
		t.Run(tt.name, func(t *testing.T) {
			ln, err := Listen(tt.mode, "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()

			server, client := connPair(t, ln, tt.mode)
			require.NoError(t, client.Close())

			done := make(chan error, 1)
			go func() {
				_, err := server.Read(make([]byte, 16))
				done <- err
			}()
			select {
			case err := <-done:
				require.ErrorIs(t, err, io.EOF)
			case <-time.After(5 * time.Second):
				t.Fatal("Read did not return after peer close")
			}
		})
	}
}

func TestQUICConnectionStats(t *testing.T) {
	ln, err := Listen(ModeQUIC, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	server, _ := connPair(t, ln, ModeQUIC)
	qc, ok := server.(interface{ ConnectionStats() quic.ConnectionStats })
	require.True(t, ok)
	require.NotZero(t, qc.ConnectionStats().PacketsSent)
}

func TestDualListener(t *testing.T) {
	ln, err := ListenDual("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	require.NotZero(t, ln.Port())

	for _, tt := range modes {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := connPair(t, ln, tt.mode)
			_, isQUIC := server.(*quicConn)
			require.Equal(t, tt.mode == ModeQUIC, isQUIC)
		})
	}
}

func TestDualListenerSurvivesStreamlessClient(t *testing.T) {
	ln, err := ListenDual("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	qconn, err := quic.DialAddr(ctx, "127.0.0.1:"+strconv.Itoa(ln.Port()), hostTLSConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, qconn.CloseWithError(0, "no stream"))

	_, err = ln.Accept(ctx)
	require.Error(t, err)
	require.False(t, IsClosed(err))

	for _, tt := range modes {
		t.Run(tt.name, func(t *testing.T) {
			connPair(t, ln, tt.mode)
		})
	}
}

func TestAcceptAfterClose(t *testing.T) {
	for _, mode := range []Mode{ModeTCP, ModeQUIC, ModeDual} {
		t.Run(mode.String(), func(t *testing.T) {
			ln, err := Listen(mode, "127.0.0.1:0")
			require.NoError(t, err)
			require.NoError(t, ln.Close())

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err = ln.Accept(ctx)
			require.True(t, IsClosed(err), "got %v", err)
		})
	}
}

func TestDeviceTLSConfig(t *testing.T) {
	conf, err := deviceTLSConfig()
	require.NoError(t, err)
	require.Equal(t, []string{ALPN}, conf.NextProtos)
	require.Equal(t, hostTLSConfig().NextProtos, conf.NextProtos)

	require.Len(t, conf.Certificates, 1)
	cert, err := x509.ParseCertificate(conf.Certificates[0].Certificate[0])
	require.NoError(t, err)
	require.Equal(t, x509.Ed25519, cert.PublicKeyAlgorithm)
	require.True(t, time.Now().Before(cert.NotAfter))
}

func TestAcceptContextCancel(t *testing.T) {
	ln, err := Listen(ModeTCP, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ln.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialRefused(t *testing.T) {
	ln, err := Listen(ModeTCP, "127.0.0.1:0")
	require.NoError(t, err)
	addr := "127.0.0.1:" + strconv.Itoa(ln.Port())
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, ModeTCP, addr)
	require.Error(t, err)

	_, err = Dial(ctx, ModeDual, addr)
	require.ErrorContains(t, err, "unsupported mode")
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"tcp": ModeTCP, "": ModeTCP, "QUIC": ModeQUIC, "dual": ModeDual} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseMode("usb")
	require.Error(t, err)
}

func TestWithDefaultPort(t *testing.T) {
	require.Equal(t, "192.168.1.5:5555", WithDefaultPort("192.168.1.5"))
	require.Equal(t, "192.168.1.5:7000", WithDefaultPort("192.168.1.5:7000"))
	require.Equal(t, "localhost:5555", WithDefaultPort("localhost"))
	require.Equal(t, "[::1]:5555", WithDefaultPort("::1"))
}
