package tlsutil

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const tlsHandshakeRecord = 0x16

type chanListener struct {
	addr   net.Addr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
	onStop func()
}

func newChanListener(addr net.Addr, onStop func()) *chanListener {
	return &chanListener{
		addr:   addr,
		conns:  make(chan net.Conn, 64),
		closed: make(chan struct{}),
		onStop: onStop,
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		if l.onStop != nil {
			l.onStop()
		}
	})
	return nil
}

func (l *chanListener) Addr() net.Addr {
	return l.addr
}

func (l *chanListener) deliver(c net.Conn) {
	select {
	case l.conns <- c:
	case <-l.closed:
		_ = c.Close()
	}
}

type peekConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// SplitListener serves IPP and IPPS on one port by looking at the first
// byte of each connection. Clients that send nothing within peekTimeout
// are dropped. Closing either returned listener closes base.
func SplitListener(base net.Listener, tlsConfig *tls.Config, allowPlain bool, peekTimeout time.Duration) (plain net.Listener, secure net.Listener) {
	stop := func() { _ = base.Close() }
	pl := newChanListener(base.Addr(), stop)
	tl := newChanListener(base.Addr(), stop)

	go func() {
		defer func() {
			_ = pl.Close()
			_ = tl.Close()
		}()
		for {
			conn, err := base.Accept()
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				if !errors.Is(err, net.ErrClosed) {
					log.Debug().Err(err).Msg("split listener accept")
				}
				return
			}
			go route(conn, tlsConfig, allowPlain, peekTimeout, pl, tl)
		}
	}()
	return pl, tl
}

func route(conn net.Conn, tlsConfig *tls.Config, allowPlain bool, peekTimeout time.Duration, pl, tl *chanListener) {
	if peekTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(peekTimeout))
	}
	br := bufio.NewReader(conn)
	b, err := br.Peek(1)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return
	}
	pc := &peekConn{Conn: conn, reader: br}
	if b[0] == tlsHandshakeRecord {
		tl.deliver(tls.Server(pc, tlsConfig))
		return
	}
	if !allowPlain {
		_ = conn.Close()
		return
	}
	pl.deliver(pc)
}
