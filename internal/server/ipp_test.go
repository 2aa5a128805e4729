package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"printgate/internal/authz"
	"printgate/internal/model"
	"printgate/internal/notify"
)

type testQueues map[string]model.Queue

func (q testQueues) Lookup(_ context.Context, path string) (model.Queue, bool, error) {
	v, ok := q[path]
	return v, ok, nil
}

func (q testQueues) AddressAllowed(model.Queue, string) bool { return true }

type memProcessor struct {
	mu   sync.Mutex
	subs []model.Submission
	docs [][]byte
}

func (p *memProcessor) Process(_ context.Context, _ model.Queue, sub *model.Submission) (model.Job, error) {
	b, err := io.ReadAll(sub.Body())
	if err != nil {
		return model.Job{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, *sub)
	p.docs = append(p.docs, b)
	return model.Job{ID: int64(100 + len(p.subs)), SizeBytes: int64(len(b))}, nil
}

type testDispatcher struct {
	*Dispatcher
	proc   *memProcessor
	rec    *notify.Recorder
	slept  []time.Duration
	sleepM sync.Mutex
}

func newTestDispatcher(t *testing.T, queues testQueues) *testDispatcher {
	t.Helper()
	rec := &notify.Recorder{}
	td := &testDispatcher{proc: &memProcessor{}, rec: rec}
	td.Dispatcher = &Dispatcher{
		Prefix:       "/printers",
		WebUIPath:    "/user",
		ServerName:   "printgate",
		FailureDelay: 5 * time.Second,
		Resolver:     authz.New(authz.Options{Queues: queues, Notifier: rec}),
		Processor:    td.proc,
		Notifier:     rec,
		sleep: func(_ context.Context, d time.Duration) {
			td.sleepM.Lock()
			td.slept = append(td.slept, d)
			td.sleepM.Unlock()
		},
	}
	return td
}

func ippRequest(t *testing.T, op goipp.Op, user, jobName string, doc []byte) []byte {
	t.Helper()
	req := goipp.NewRequest(goipp.DefaultVersion, op, 7)
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://localhost/printers/office")))
	if user != "" {
		req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(user)))
	}
	if jobName != "" {
		req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(jobName)))
	}
	b, err := req.EncodeBytes()
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return append(b, doc...)
}

func post(h http.Handler, path, remote string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://localhost:631"+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", goipp.ContentType)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *goipp.Message {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp goipp.Message
	if err := resp.DecodeBytes(rec.Body.Bytes()); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}

func TestPrintJobOnTrustedQueue(t *testing.T) {
	td := newTestDispatcher(t, testQueues{"office": {URLPath: "office", Trusted: true}})
	doc := []byte("%!PS-Adobe-3.0\nshowpage\n")
	rec := post(td, "/printers/office", "10.0.0.5:50000", ippRequest(t, goipp.OpPrintJob, "alice", "Report", doc))

	resp := decodeResponse(t, rec)
	if goipp.Status(resp.Code) != goipp.StatusOk {
		t.Fatalf("ipp status = %v", goipp.Status(resp.Code))
	}
	if got := attrString(resp.Job, "job-id"); got != "101" {
		t.Fatalf("job-id = %q", got)
	}
	if len(td.proc.subs) != 1 {
		t.Fatalf("processed %d submissions", len(td.proc.subs))
	}
	sub := td.proc.subs[0]
	if sub.User != "alice" || sub.Title != "Report" || sub.Protocol != model.ProtocolIPP || sub.QueuePath != "office" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if !bytes.Equal(td.proc.docs[0], doc) {
		t.Fatalf("document = %q", td.proc.docs[0])
	}
	if len(td.slept) != 0 {
		t.Fatalf("unexpected failure delay")
	}
}

func TestUnknownQueueIsUnavailable(t *testing.T) {
	td := newTestDispatcher(t, testQueues{})
	rec := post(td, "/printers/nope", "10.0.0.5:50000", ippRequest(t, goipp.OpPrintJob, "alice", "x", []byte("%!PS\n")))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Body.Len() != 1 {
		t.Fatalf("body length = %d, want 1", rec.Body.Len())
	}
	if len(td.slept) != 1 || td.slept[0] != 5*time.Second {
		t.Fatalf("slept = %v, want one 5s delay", td.slept)
	}
	if len(td.proc.subs) != 0 {
		t.Fatalf("denied job was processed")
	}
	events := td.rec.Events()
	if len(events) != 1 || events[0].Topic != notify.TopicDenied || events[0].Queue != "nope" {
		t.Fatalf("events = %+v", events)
	}
}

func TestFailureDelayIsRealTime(t *testing.T) {
	td := newTestDispatcher(t, testQueues{})
	td.sleep = nil
	td.FailureDelay = 60 * time.Millisecond
	began := time.Now()
	rec := post(td, "/printers/nope", "10.0.0.5:50000", ippRequest(t, goipp.OpPrintJob, "alice", "x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if elapsed := time.Since(began); elapsed < 60*time.Millisecond {
		t.Fatalf("responded after %v, want at least 60ms", elapsed)
	}
}

func TestUntrustedQueueIsUnauthorized(t *testing.T) {
	td := newTestDispatcher(t, testQueues{"office": {URLPath: "office"}})
	rec := post(td, "/printers/office", "10.0.0.5:50000", ippRequest(t, goipp.OpPrintJob, "alice", "x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	events := td.rec.Events()
	if len(events) != 1 || events[0].Message != authz.ReasonNoBoundSession {
		t.Fatalf("events = %+v", events)
	}
}

func TestDeniedValidateJobGetsIPPStatus(t *testing.T) {
	td := newTestDispatcher(t, testQueues{"off": {URLPath: "off", Disabled: true}})
	rec := post(td, "/printers/off", "10.0.0.5:50000", ippRequest(t, goipp.OpValidateJob, "alice", "", nil))
	resp := decodeResponse(t, rec)
	if goipp.Status(resp.Code) != goipp.StatusErrorNotAcceptingJobs {
		t.Fatalf("ipp status = %v", goipp.Status(resp.Code))
	}
	if len(td.slept) != 0 {
		t.Fatalf("validate probe should not be delayed")
	}
}

func TestMalformedIPPIsNotAcceptable(t *testing.T) {
	td := newTestDispatcher(t, testQueues{})
	rec := post(td, "/printers/office", "10.0.0.5:50000", []byte{0x02})
	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", rec.Code)
	}
	if rec.Body.Len() != 1 {
		t.Fatalf("body length = %d", rec.Body.Len())
	}
}

func TestOversizedRequestIsClientError(t *testing.T) {
	td := newTestDispatcher(t, testQueues{"office": {URLPath: "office", Trusted: true}})
	td.MaxRequestSize = 64
	doc := bytes.Repeat([]byte("%"), 4096)
	rec := post(td, "/printers/office", "10.0.0.5:50000", ippRequest(t, goipp.OpPrintJob, "alice", "big", doc))
	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", rec.Code)
	}
	if rec.Body.Len() != 1 {
		t.Fatalf("body length = %d", rec.Body.Len())
	}
	for _, ev := range td.rec.Events() {
		if ev.Topic == notify.TopicError {
			t.Fatalf("oversized request published an error event: %+v", ev)
		}
	}
	if n := len(td.proc.subs); n != 0 {
		t.Fatalf("processor saw %d jobs", n)
	}
}

func TestGetPrinterAttributes(t *testing.T) {
	td := newTestDispatcher(t, testQueues{"office": {URLPath: "office", Trusted: true}})
	rec := post(td, "/printers/office", "10.0.0.5:50000", ippRequest(t, goipp.OpGetPrinterAttributes, "alice", "", nil))
	resp := decodeResponse(t, rec)
	if got := attrString(resp.Printer, "printer-uri-supported"); got != "ipp://localhost:631/printers/office" {
		t.Fatalf("printer-uri-supported = %q", got)
	}
	if got := attrString(resp.Printer, "printer-make-and-model"); got != "Generic PostScript Printer" {
		t.Fatalf("printer-make-and-model = %q", got)
	}
}

func TestCreateJobNotSupported(t *testing.T) {
	td := newTestDispatcher(t, testQueues{"office": {URLPath: "office", Trusted: true}})
	rec := post(td, "/printers/office", "10.0.0.5:50000", ippRequest(t, goipp.OpCreateJob, "alice", "x", nil))
	resp := decodeResponse(t, rec)
	if goipp.Status(resp.Code) != goipp.StatusErrorOperationNotSupported {
		t.Fatalf("ipp status = %v", goipp.Status(resp.Code))
	}
}

func TestNonIPPRedirectsToWebUI(t *testing.T) {
	td := newTestDispatcher(t, testQueues{})
	req := httptest.NewRequest(http.MethodGet, "http://localhost:631/printers/office", nil)
	rec := httptest.NewRecorder()
	td.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/user" {
		t.Fatalf("status = %d location = %q", rec.Code, rec.Header().Get("Location"))
	}

	req = httptest.NewRequest(http.MethodPost, "http://localhost:631/printers/office", bytes.NewReader([]byte("x")))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	td.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want redirect", rec.Code)
	}
}

func TestPPDServedInline(t *testing.T) {
	td := newTestDispatcher(t, testQueues{})
	td.PPDFile = filepath.Join(t.TempDir(), "printgate.ppd")
	content := "*PPD-Adobe: \"4.3\"\n*NickName: \"Printgate PS\"\n"
	if err := os.WriteFile(td.PPDFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write ppd: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "http://localhost:631/printers/office.ppd", nil)
	rec := httptest.NewRecorder()
	td.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ppdContentType {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Body.String() != content {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestDenialStatusCoversEveryClass(t *testing.T) {
	for _, c := range []model.DenialClass{model.DenialNone, model.DenialDisabled, model.DenialNotPrintable,
		model.DenialUnknownQueue, model.DenialAddress, model.DenialUser} {
		_ = denialStatus(c)
	}
}
