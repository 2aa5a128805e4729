package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/rs/zerolog/log"

	"printgate/internal/authz"
	"printgate/internal/config"
	"printgate/internal/ingress"
	"printgate/internal/metrics"
	"printgate/internal/model"
	"printgate/internal/notify"
)

const ppdContentType = "application/vnd.cups-ppd"

type Resolver interface {
	Resolve(ctx context.Context, req authz.Request) (model.Queue, model.AuthDecision, error)
}

type Processor interface {
	Process(ctx context.Context, q model.Queue, sub *model.Submission) (model.Job, error)
}

// Dispatcher handles IPP requests below Prefix.
type Dispatcher struct {
	Prefix         string
	DefaultQueue   string
	WebUIPath      string
	PPDFile        string
	ServerName     string
	FailureDelay   time.Duration
	MaxRequestSize int64
	DirectorySync  bool
	Resolver       Resolver
	Processor      Processor
	Notifier       notify.Notifier

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	contentType := strings.TrimSpace(r.Header.Get("Content-Type"))
	if contentType == "" && strings.HasSuffix(strings.ToLower(r.URL.Path), ".ppd") {
		d.servePPD(w, r)
		return
	}
	if !isIPPContentType(contentType) {
		http.Redirect(w, r, d.webUIPath(), http.StatusFound)
		return
	}

	started := time.Now()
	metrics.ActiveRequests.WithLabelValues(string(model.ProtocolIPP)).Inc()
	defer metrics.ActiveRequests.WithLabelValues(string(model.ProtocolIPP)).Dec()

	if err := d.handleIPPRequest(w, r, started); err != nil {
		d.fail(w, r, err, started)
	}
}

func (d *Dispatcher) handleIPPRequest(w http.ResponseWriter, r *http.Request, started time.Time) error {
	addr := r.RemoteAddr
	if d.MaxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, d.MaxRequestSize)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ingress.WrapContentFormat("read ipp request", addr,
				fmt.Errorf("request exceeds %d bytes", tooLarge.Limit))
		}
		return ingress.WrapInternal("read ipp request", addr, err)
	}
	buf := bytes.NewBuffer(body)

	var req goipp.Message
	if err := req.Decode(buf); err != nil {
		return ingress.WrapContentFormat("decode ipp request", addr, err)
	}
	op := goipp.Op(req.Code)

	target := ParseQueueURL(strings.TrimPrefix(r.URL.Path, d.prefix()), d.DefaultQueue)
	claimed := authz.CanonicalUser(attrString(req.Operation, "requesting-user-name"), d.DirectorySync)
	q, decision, err := d.Resolver.Resolve(r.Context(), authz.Request{
		QueuePath:   target.Queue,
		Addr:        addr,
		Protocol:    model.ProtocolIPP,
		ClaimedUser: claimed,
		UserNumber:  target.UserNumber,
		UserUUID:    target.UserUUID,
	})
	if err != nil {
		return ingress.WrapInternal("authorize ipp request", addr, err)
	}

	if !decision.Allowed {
		metrics.Denied(string(model.ProtocolIPP), string(decision.Denial))
		log.Warn().Str("queue", target.Queue).Str("addr", hostOnly(addr)).Str("op", op.String()).
			Str("denial", string(decision.Denial)).Msg("ipp request denied")
		if op == goipp.OpValidateJob {
			metrics.Observe(string(model.ProtocolIPP), metrics.OutcomeDenied, 0, started)
			return writeIPP(w, d.newResponse(&req, denialStatus(decision.Denial)))
		}
		return authz.DenialError("ipp "+op.String(), addr, decision)
	}

	var resp *goipp.Message
	outcome := metrics.OutcomeAccepted
	var size int64
	switch op {
	case goipp.OpPrintJob:
		job, err := d.printJob(r.Context(), q, target.Queue, &req, decision.AssignedUser, addr, buf)
		if err != nil {
			return err
		}
		size = job.SizeBytes
		resp = d.newResponse(&req, goipp.StatusOk)
		addJobAttributes(resp, job, d.hostFor(r))
	case goipp.OpValidateJob:
		resp = d.newResponse(&req, goipp.StatusOk)
	case goipp.OpGetPrinterAttributes:
		resp = d.newResponse(&req, goipp.StatusOk)
		d.addPrinterAttributes(resp, q, target.Queue, r)
	default:
		// Create-Job and Send-Document included: documents arrive only
		// with Print-Job.
		outcome = metrics.OutcomeRejected
		resp = d.newResponse(&req, goipp.StatusErrorOperationNotSupported)
	}
	metrics.Observe(string(model.ProtocolIPP), outcome, size, started)
	return writeIPP(w, resp)
}

func (d *Dispatcher) printJob(ctx context.Context, q model.Queue, path string, req *goipp.Message, user, addr string, doc io.Reader) (model.Job, error) {
	title := attrString(req.Operation, "job-name")
	if title == "" {
		title = "Untitled"
	}
	sub := &model.Submission{
		Addr:      addr,
		Protocol:  model.ProtocolIPP,
		QueuePath: path,
		Title:     title,
		User:      user,
		Payload:   doc,
	}
	job, err := d.Processor.Process(ctx, q, sub)
	if err != nil {
		var ie *ingress.Error
		if errors.As(err, &ie) {
			return model.Job{}, err
		}
		return model.Job{}, ingress.WrapInternal("store ipp job", addr, err)
	}
	return job, nil
}

// fail answers a failed request after FailureDelay with a one-byte body.
func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, err error, started time.Time) {
	addr := hostOnly(r.RemoteAddr)
	status := ingress.HTTPStatus(err)
	switch {
	case ingress.IsUnauthorized(err), ingress.IsUnavailable(err):
		metrics.Observe(string(model.ProtocolIPP), metrics.OutcomeDenied, 0, started)
	case ingress.IsContentFormat(err):
		log.Warn().Str("addr", addr).Err(err).Msg("malformed ipp request")
		metrics.Observe(string(model.ProtocolIPP), metrics.OutcomeRejected, 0, started)
	default:
		log.Error().Str("addr", addr).Str("path", r.URL.Path).Err(err).Msg("ipp request failed")
		metrics.Observe(string(model.ProtocolIPP), metrics.OutcomeError, 0, started)
		cause := err
		if u := errors.Unwrap(err); u != nil {
			cause = u
		}
		if d.Notifier != nil {
			nerr := d.Notifier.Notify(r.Context(), notify.Event{
				Topic:    notify.TopicError,
				Severity: notify.SeverityError,
				Message:  fmt.Sprintf("%T: %v", cause, cause),
				Addr:     addr,
			})
			if nerr != nil {
				log.Debug().Err(nerr).Msg("ipp error notification failed")
			}
		}
	}

	d.wait(r.Context(), d.FailureDelay)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", "1")
	w.WriteHeader(status)
	_, _ = w.Write([]byte{'\n'})
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	if d.sleep != nil {
		d.sleep(ctx, delay)
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) servePPD(w http.ResponseWriter, r *http.Request) {
	if d.PPDFile == "" {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(d.PPDFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", d.PPDFile).Msg("open ppd")
		}
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ppdContentType)
	w.Header().Set("Content-Disposition", "inline")
	http.ServeContent(w, r, "", info.ModTime(), f)
}

func (d *Dispatcher) newResponse(req *goipp.Message, status goipp.Status) *goipp.Message {
	resp := goipp.NewResponse(req.Version, status, req.RequestID)
	addOperationDefaults(resp)
	return resp
}

func (d *Dispatcher) addPrinterAttributes(resp *goipp.Message, q model.Queue, path string, r *http.Request) {
	uri := fmt.Sprintf("ipp://%s%s/%s", d.hostFor(r), d.prefix(), path)
	makeModel := "Generic PostScript Printer"
	if d.PPDFile != "" {
		if ppd, err := config.LoadPPD(d.PPDFile); err == nil && ppd.MakeAndModel() != "" {
			makeModel = ppd.MakeAndModel()
		}
	}
	name := path
	if name == "" {
		name = "default"
	}
	attrs := goipp.Attributes{}
	attrs.Add(goipp.MakeAttribute("printer-uri-supported", goipp.TagURI, goipp.String(uri)))
	attrs.Add(goipp.MakeAttribute("uri-security-supported", goipp.TagKeyword, goipp.String("none")))
	attrs.Add(goipp.MakeAttribute("uri-authentication-supported", goipp.TagKeyword, goipp.String("requesting-user-name")))
	attrs.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(name)))
	attrs.Add(goipp.MakeAttribute("printer-info", goipp.TagText, goipp.String(d.ServerName+" "+name)))
	attrs.Add(goipp.MakeAttribute("printer-make-and-model", goipp.TagText, goipp.String(makeModel)))
	attrs.Add(goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(3)))
	attrs.Add(goipp.MakeAttribute("printer-state-reasons", goipp.TagKeyword, goipp.String("none")))
	attrs.Add(goipp.MakeAttribute("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(!q.Disabled)))
	attrs.Add(goipp.MakeAttribute("queued-job-count", goipp.TagInteger, goipp.Integer(0)))
	attrs.Add(goipp.MakeAttr("ipp-versions-supported", goipp.TagKeyword, goipp.String("1.1"), goipp.String("2.0")))
	attrs.Add(goipp.MakeAttr("operations-supported", goipp.TagEnum,
		goipp.Integer(goipp.OpPrintJob), goipp.Integer(goipp.OpValidateJob), goipp.Integer(goipp.OpGetPrinterAttributes)))
	attrs.Add(goipp.MakeAttribute("charset-configured", goipp.TagCharset, goipp.String("utf-8")))
	attrs.Add(goipp.MakeAttribute("charset-supported", goipp.TagCharset, goipp.String("utf-8")))
	attrs.Add(goipp.MakeAttribute("natural-language-configured", goipp.TagLanguage, goipp.String("en-US")))
	attrs.Add(goipp.MakeAttribute("generated-natural-language-supported", goipp.TagLanguage, goipp.String("en-US")))
	attrs.Add(goipp.MakeAttribute("document-format-default", goipp.TagMimeType, goipp.String("application/postscript")))
	attrs.Add(goipp.MakeAttr("document-format-supported", goipp.TagMimeType,
		goipp.String("application/postscript"), goipp.String("application/vnd.cups-postscript"), goipp.String("application/octet-stream")))
	attrs.Add(goipp.MakeAttribute("pdl-override-supported", goipp.TagKeyword, goipp.String("not-attempted")))
	attrs.Add(goipp.MakeAttribute("compression-supported", goipp.TagKeyword, goipp.String("none")))
	for _, a := range attrs {
		resp.Printer.Add(a)
	}
}

func addJobAttributes(resp *goipp.Message, job model.Job, host string) {
	resp.Job.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(job.ID)))
	resp.Job.Add(goipp.MakeAttribute("job-uri", goipp.TagURI, goipp.String(fmt.Sprintf("ipp://%s/jobs/%d", host, job.ID))))
	resp.Job.Add(goipp.MakeAttribute("job-state", goipp.TagEnum, goipp.Integer(3)))
	resp.Job.Add(goipp.MakeAttribute("job-state-reasons", goipp.TagKeyword, goipp.String("none")))
}

func addOperationDefaults(resp *goipp.Message) {
	resp.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	resp.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
}

func writeIPP(w http.ResponseWriter, resp *goipp.Message) error {
	w.Header().Set("Content-Type", goipp.ContentType)
	w.WriteHeader(http.StatusOK)
	if err := resp.Encode(w); err != nil {
		log.Debug().Err(err).Msg("write ipp response")
	}
	return nil
}

// denialStatus answers a denied Validate-Job the way a printer would.
func denialStatus(class model.DenialClass) goipp.Status {
	switch class {
	case model.DenialUnknownQueue:
		return goipp.StatusErrorNotFound
	case model.DenialDisabled:
		return goipp.StatusErrorNotAcceptingJobs
	case model.DenialNotPrintable:
		return goipp.StatusErrorNotPossible
	case model.DenialAddress, model.DenialUser:
		return goipp.StatusErrorNotAuthorized
	case model.DenialNone:
		return goipp.StatusOk
	}
	panic(fmt.Sprintf("server: unknown denial class %q", class))
}

func attrString(attrs goipp.Attributes, name string) string {
	for _, attr := range attrs {
		if attr.Name != name {
			continue
		}
		if len(attr.Values) == 0 {
			return ""
		}
		return attr.Values[0].V.String()
	}
	return ""
}

func isIPPContentType(v string) bool {
	if v == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return false
	}
	return strings.EqualFold(mt, goipp.ContentType)
}

func (d *Dispatcher) prefix() string {
	p := strings.TrimRight(d.Prefix, "/")
	if p == "" {
		return "/printers"
	}
	return p
}

func (d *Dispatcher) webUIPath() string {
	if d.WebUIPath == "" {
		return "/user"
	}
	return d.WebUIPath
}

func (d *Dispatcher) hostFor(r *http.Request) string {
	if r != nil && strings.TrimSpace(r.Host) != "" {
		return r.Host
	}
	host := d.ServerName
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, "631")
}

func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
