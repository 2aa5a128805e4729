package rawserver

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printgate/internal/authz"
	"printgate/internal/frame"
	"printgate/internal/model"
	"printgate/internal/notify"
)

const reportJob = "@PJL\n@PJL JOB NAME = \"Report\" DISPLAY = \"x\"\n@PJL SET USERNAME = \"alice\"\n%!PS-Adobe-3.0\n%%BeginProlog\n/x 1 def\nshowpage\n"

type staticQueues map[string]model.Queue

func (s staticQueues) Lookup(_ context.Context, path string) (model.Queue, bool, error) {
	q, ok := s[path]
	return q, ok, nil
}

func (s staticQueues) AddressAllowed(model.Queue, string) bool { return true }

type recordingProcessor struct {
	mu   sync.Mutex
	subs []model.Submission
	body []string
}

func (p *recordingProcessor) Process(_ context.Context, _ model.Queue, sub *model.Submission) (model.Job, error) {
	b, err := io.ReadAll(sub.Body())
	if err != nil {
		return model.Job{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, *sub)
	p.body = append(p.body, string(b))
	return model.Job{ID: int64(len(p.subs)), SizeBytes: int64(len(b))}, nil
}

func (p *recordingProcessor) snapshot() ([]model.Submission, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Submission(nil), p.subs...), append([]string(nil), p.body...)
}

type fixture struct {
	srv  *Server
	proc *recordingProcessor
	rec  *notify.Recorder
}

func start(t *testing.T, q model.Queue, mutate func(*Options)) *fixture {
	t.Helper()
	rec := &notify.Recorder{}
	proc := &recordingProcessor{}
	opts := Options{
		Addr:          "127.0.0.1:0",
		QueuePath:     q.URLPath,
		MaxConns:      16,
		ReadTimeout:   time.Second,
		AcceptTimeout: 50 * time.Millisecond,
		DrainPoll:     10 * time.Millisecond,
		DrainTimeout:  5 * time.Second,
		Parser:        &frame.Parser{},
		Resolver: authz.New(authz.Options{
			Queues:   staticQueues{q.URLPath: q},
			Notifier: rec,
		}),
		Processor: proc,
		Notifier:  rec,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := New(opts)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		<-srv.Done()
	})
	return &fixture{srv: srv, proc: proc, rec: rec}
}

// send writes payload, half-closes and returns whatever the server wrote
// back before closing.
func send(t *testing.T, addr net.Addr, payload string) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	return reply
}

func waitIdle(t *testing.T, srv *Server) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestTrustedQueueForwardsJob(t *testing.T) {
	f := start(t, model.Queue{URLPath: "office", Trusted: true}, nil)
	reply := send(t, f.srv.Addr(), reportJob)
	assert.Empty(t, reply)
	waitIdle(t, f.srv)

	subs, bodies := f.proc.snapshot()
	require.Len(t, subs, 1)
	assert.Equal(t, "alice", subs[0].User)
	assert.Equal(t, "Report", subs[0].Title)
	assert.Equal(t, "office", subs[0].QueuePath)
	assert.Equal(t, reportJob, bodies[0])
	assert.Empty(t, f.rec.Events())
}

func TestUntrustedQueueWithoutSessionDrops(t *testing.T) {
	f := start(t, model.Queue{URLPath: "office"}, nil)
	reply := send(t, f.srv.Addr(), reportJob)
	assert.Empty(t, reply, "no body on denial")
	waitIdle(t, f.srv)

	subs, _ := f.proc.snapshot()
	assert.Empty(t, subs)
	events := f.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.TopicDenied, events[0].Topic)
	assert.Equal(t, authz.ReasonNoBoundSession, events[0].Message)
	assert.Equal(t, "127.0.0.1", events[0].Addr)
}

func TestNonPostScriptIsRejected(t *testing.T) {
	f := start(t, model.Queue{URLPath: "office", Trusted: true}, nil)
	reply := send(t, f.srv.Addr(), "%PDF-1.4\n%binary\n")
	assert.Empty(t, reply)
	waitIdle(t, f.srv)

	subs, _ := f.proc.snapshot()
	assert.Empty(t, subs)
	events := f.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.TopicRejected, events[0].Topic)
}

func TestPingIsSilent(t *testing.T) {
	f := start(t, model.Queue{URLPath: "office", Trusted: true}, nil)
	assert.Empty(t, send(t, f.srv.Addr(), ""))
	waitIdle(t, f.srv)
	subs, _ := f.proc.snapshot()
	assert.Empty(t, subs)
	assert.Empty(t, f.rec.Events())
}

func TestIdleClientTimesOut(t *testing.T) {
	f := start(t, model.Queue{URLPath: "office", Trusted: true}, func(o *Options) {
		o.ReadTimeout = 50 * time.Millisecond
	})
	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err, "server closes the connection")
	assert.Empty(t, reply)
	waitIdle(t, f.srv)
	assert.Empty(t, f.rec.Events(), "timeouts are warnings only")
}

func TestConcurrentConnections(t *testing.T) {
	f := start(t, model.Queue{URLPath: "office", Trusted: true}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", f.srv.Addr().String())
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = io.WriteString(conn, reportJob)
			_ = conn.(*net.TCPConn).CloseWrite()
			_, _ = io.ReadAll(conn)
		}()
	}
	wg.Wait()
	waitIdle(t, f.srv)
	subs, _ := f.proc.snapshot()
	assert.Len(t, subs, 20)
}

func TestShutdownDrainIsCapped(t *testing.T) {
	f := start(t, model.Queue{URLPath: "office", Trusted: true}, func(o *Options) {
		o.ReadTimeout = 10 * time.Second
		o.DrainTimeout = 100 * time.Millisecond
	})
	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.Active() == 1 }, 5*time.Second, 5*time.Millisecond)

	began := time.Now()
	err = f.srv.Shutdown(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(began), 5*time.Second)

	_, err = net.DialTimeout("tcp", f.srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener is closed after shutdown")
}

func TestShutdownWaitsForWorkers(t *testing.T) {
	f := start(t, model.Queue{URLPath: "office", Trusted: true}, nil)
	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.srv.Active() == 1 }, 5*time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = io.WriteString(conn, reportJob)
		_ = conn.Close()
	}()
	require.NoError(t, f.srv.Shutdown(context.Background()))
	assert.Equal(t, int64(0), f.srv.Active())
	subs, _ := f.proc.snapshot()
	assert.Len(t, subs, 1)
}

func TestTrackerWait(t *testing.T) {
	var tr Tracker
	require.NoError(t, tr.Wait(context.Background(), time.Millisecond))

	tr.Begin()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Wait(ctx, time.Millisecond), context.DeadlineExceeded)

	tr.End()
	assert.Equal(t, int64(0), tr.Active())
	assert.Panics(t, tr.End)
}
