// Package rawserver accepts raw socket print jobs (JetDirect style, port
// 9100) and hands authorized streams to the content processor.
package rawserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"printgate/internal/authz"
	"printgate/internal/frame"
	"printgate/internal/ingress"
	"printgate/internal/metrics"
	"printgate/internal/model"
	"printgate/internal/notify"
)

type Resolver interface {
	Resolve(ctx context.Context, req authz.Request) (model.Queue, model.AuthDecision, error)
}

// Processor stores an accepted submission. It reads sub.Body() to the end.
type Processor interface {
	Process(ctx context.Context, q model.Queue, sub *model.Submission) (model.Job, error)
}

type Options struct {
	Addr          string
	QueuePath     string
	MaxConns      int
	ReadTimeout   time.Duration
	AcceptTimeout time.Duration
	DrainPoll     time.Duration
	DrainTimeout  time.Duration
	Parser        *frame.Parser
	Resolver      Resolver
	Processor     Processor
	Notifier      notify.Notifier
}

type Server struct {
	opts     Options
	tcp      *net.TCPListener
	ln       net.Listener
	tracker  Tracker
	stopping atomic.Bool
	done     chan struct{}
}

func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":9100"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = 2 * time.Second
	}
	if opts.DrainPoll <= 0 {
		opts.DrainPoll = 100 * time.Millisecond
	}
	if opts.Parser == nil {
		opts.Parser = &frame.Parser{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{}
	}
	return &Server{opts: opts, done: make(chan struct{})}
}

// Listen binds the listening socket. Failure here is fatal for the caller.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("raw listen %s: %w", s.opts.Addr, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("raw listen %s: not a TCP listener", s.opts.Addr)
	}
	s.tcp = tcp
	s.ln = tcp
	if s.opts.MaxConns > 0 {
		s.ln = netutil.LimitListener(tcp, s.opts.MaxConns)
	}
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

func (s *Server) Active() int64 {
	return s.tracker.Active()
}

// Serve runs the accept loop until Shutdown is called or ctx is done.
// Workers outlive ctx; they are bounded by their read timeouts.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer close(s.done)
	log.Info().Str("addr", s.tcp.Addr().String()).Str("queue", s.opts.QueuePath).Msg("raw listener started")

	workerCtx := context.WithoutCancel(ctx)
	for {
		if s.stopping.Load() || ctx.Err() != nil {
			break
		}
		_ = s.tcp.SetDeadline(time.Now().Add(s.opts.AcceptTimeout))
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Error().Err(err).Msg("raw accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.tracker.Begin()
		go func() {
			defer s.tracker.End()
			s.handle(workerCtx, conn)
		}()
	}
	_ = s.ln.Close()
	log.Info().Int64("active", s.tracker.Active()).Msg("raw listener stopped accepting")
	return nil
}

// Shutdown stops accepting and waits for in-flight workers. The wait is
// capped by DrainTimeout when set; on expiry it returns
// context.DeadlineExceeded.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopping.Store(true)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.opts.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DrainTimeout)
		defer cancel()
	}
	err := s.tracker.Wait(ctx, s.opts.DrainPoll)
	if err != nil {
		log.Warn().Int64("active", s.tracker.Active()).Err(err).Msg("raw drain incomplete")
		return err
	}
	log.Info().Msg("raw listener drained")
	return nil
}

// Done is closed once the accept loop has returned.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	started := time.Now()
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	r := &deadlineReader{conn: conn, timeout: s.opts.ReadTimeout}

	sub, err := s.opts.Parser.Parse(r, addr)
	if err != nil {
		s.fail(ctx, addr, err, started)
		return
	}
	if sub == nil {
		log.Debug().Str("addr", addr).Msg("raw ping")
		metrics.Observe(string(model.ProtocolRaw), metrics.OutcomePing, 0, started)
		return
	}
	sub.QueuePath = s.opts.QueuePath

	q, d, err := s.opts.Resolver.Resolve(ctx, authz.Request{
		QueuePath:   sub.QueuePath,
		Addr:        addr,
		Protocol:    model.ProtocolRaw,
		ClaimedUser: sub.User,
	})
	if err != nil {
		frame.Drain(sub)
		s.fail(ctx, addr, ingress.WrapInternal("authorize raw job", addr, err), started)
		return
	}
	if !d.Allowed {
		n := frame.Drain(sub)
		metrics.Denied(string(model.ProtocolRaw), string(d.Denial))
		metrics.Observe(string(model.ProtocolRaw), metrics.OutcomeDenied, 0, started)
		log.Info().Str("addr", addr).Str("queue", sub.QueuePath).Int64("drained", n).Msg("raw job dropped")
		return
	}
	sub.User = d.AssignedUser

	job, err := s.opts.Processor.Process(ctx, q, sub)
	if err != nil {
		frame.Drain(sub)
		var ie *ingress.Error
		if !errors.As(err, &ie) {
			if ingress.IsTimeout(err) {
				err = ingress.WrapTimeout("forward raw job", addr, err)
			} else {
				err = ingress.WrapInternal("forward raw job", addr, err)
			}
		}
		s.fail(ctx, addr, err, started)
		return
	}
	metrics.Observe(string(model.ProtocolRaw), metrics.OutcomeAccepted, job.SizeBytes, started)
}

func (s *Server) fail(ctx context.Context, addr string, err error, started time.Time) {
	switch {
	case ingress.IsTimeout(err):
		log.Warn().Str("addr", addr).Err(err).Msg("raw connection timed out")
		metrics.Observe(string(model.ProtocolRaw), metrics.OutcomeRejected, 0, started)
	case ingress.IsContentFormat(err), ingress.IsMissingMetadata(err):
		log.Warn().Str("addr", addr).Err(err).Msg("raw job rejected")
		metrics.Observe(string(model.ProtocolRaw), metrics.OutcomeRejected, 0, started)
		s.publish(ctx, notify.TopicRejected, notify.SeverityWarning, err.Error(), addr)
	default:
		cause := err
		if u := errors.Unwrap(err); u != nil {
			cause = u
		}
		log.Error().Str("addr", addr).Err(err).Msg("raw connection failed")
		metrics.Observe(string(model.ProtocolRaw), metrics.OutcomeError, 0, started)
		s.publish(ctx, notify.TopicError, notify.SeverityError, fmt.Sprintf("%T: %v", cause, cause), addr)
	}
}

func (s *Server) publish(ctx context.Context, topic string, sev notify.Severity, msg, addr string) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	err := s.opts.Notifier.Notify(ctx, notify.Event{
		Topic:    topic,
		Severity: sev,
		Message:  msg,
		Queue:    s.opts.QueuePath,
		Addr:     host,
	})
	if err != nil {
		log.Debug().Err(err).Msg("raw notification failed")
	}
}

// deadlineReader pushes the read deadline forward before every read, so a
// client is cut off only after timeout without any byte.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}
