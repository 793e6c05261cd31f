package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
)

// ALPN is the TLS application protocol both QUIC ends negotiate.
const ALPN = "goadb-v1"

// streamAcceptTimeout bounds how long an accepted QUIC connection may take
// to open its stream.
const streamAcceptTimeout = 10 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}
}

// quicConn carries the ADB byte stream on a single bidirectional QUIC
// stream. The dialer opens it; QUIC only announces a stream with its first
// write, which here is always the host's CNXN.
type quicConn struct {
	qconn  *quic.Conn
	stream *quic.Stream
	tr     *quic.Transport // dial side only; owns the UDP socket

	closeOnce sync.Once
	closeErr  error
}

// Read maps a clean peer close (application error 0) to io.EOF.
func (c *quicConn) Read(p []byte) (int, error) {
	n, err := c.stream.Read(p)
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		err = io.EOF
	}
	return n, err
}

func (c *quicConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.qconn.RemoteAddr()
}

// Close closes the stream, the QUIC connection and, on the dial side, the
// UDP socket.
func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		err := multierr.Combine(
			c.stream.Close(),
			c.qconn.CloseWithError(0, "closed"),
		)
		if c.tr != nil {
			err = multierr.Append(err, c.tr.Close())
		}
		c.closeErr = err
	})
	return c.closeErr
}

// ConnectionStats returns QUIC-level connection statistics.
func (c *quicConn) ConnectionStats() quic.ConnectionStats {
	return c.qconn.ConnectionStats()
}

// quicListener accepts QUIC connections and their single stream.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
}

// deviceTLSConfig builds the listener's TLS config around a fresh in-memory
// ed25519 certificate. Hosts do not verify it; ADB over QUIC has the same
// trust model as ADB over TCP.
func deviceTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "goadb device"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func hostTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

func listenQUIC(addr string) (*quicListener, error) {
	tlsConf, err := deviceTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("device certificate: %w", err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(tlsConf, quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &quicListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int {
	return l.port
}

// Accept waits for a connection and its stream. A connection that closes or
// times out before opening a stream fails this Accept only; the listener
// stays usable.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}
	streamCtx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	defer cancel()
	stream, err := qconn.AcceptStream(streamCtx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}
	return &quicConn{qconn: qconn, stream: stream}, nil
}

// Close shuts down the listener and underlying transport.
func (l *quicListener) Close() error {
	return multierr.Combine(l.ln.Close(), l.tr.Close())
}

func dialQUIC(ctx context.Context, addr string) (Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	// Use a fresh UDP socket for each connection
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, udpAddr, hostTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}
	return &quicConn{qconn: qconn, stream: stream, tr: tr}, nil
}
