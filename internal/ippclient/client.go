// Package ippclient submits documents to a printgate queue over IPP.
package ippclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"
)

// StatusError carries a non-2xx HTTP status. printgate answers denied
// requests this way instead of with an IPP body.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "ipp: " + e.Status }

type Client struct {
	BaseURL            string
	User               string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration

	requestID uint32
}

type Option func(*Client)

func WithBasicAuth(user, password string) Option {
	return func(c *Client) {
		c.User = user
		c.Password = password
	}
}

func WithInsecureTLS(skip bool) Option {
	return func(c *Client) { c.InsecureSkipVerify = skip }
}

// New returns a client for the server at base, e.g. "http://host:631".
func New(base string, opts ...Option) *Client {
	c := &Client{BaseURL: strings.TrimRight(strings.TrimSpace(base), "/"), Timeout: 60 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Job describes the operation attributes of a Print-Job or Validate-Job.
type Job struct {
	User   string
	Title  string
	Format string
}

type JobResult struct {
	ID    int
	URI   string
	State int
}

// PrintJob sends doc to the queue at path, e.g. "/printers/office".
func (c *Client) PrintJob(ctx context.Context, path string, job Job, doc io.Reader) (JobResult, error) {
	resp, err := c.Send(ctx, path, c.jobRequest(goipp.OpPrintJob, path, job), doc)
	if err != nil {
		return JobResult{}, err
	}
	if status := goipp.Status(resp.Code); status != goipp.StatusOk {
		return JobResult{}, fmt.Errorf("print-job: %s", status)
	}
	return JobResult{
		ID:    attrInt(resp.Job, "job-id"),
		URI:   attrString(resp.Job, "job-uri"),
		State: attrInt(resp.Job, "job-state"),
	}, nil
}

// ValidateJob reports the IPP status the queue would give job.
func (c *Client) ValidateJob(ctx context.Context, path string, job Job) (goipp.Status, error) {
	resp, err := c.Send(ctx, path, c.jobRequest(goipp.OpValidateJob, path, job), nil)
	if err != nil {
		return 0, err
	}
	return goipp.Status(resp.Code), nil
}

func (c *Client) PrinterAttributes(ctx context.Context, path string) (goipp.Attributes, error) {
	req := c.newRequest(goipp.OpGetPrinterAttributes, path)
	resp, err := c.Send(ctx, path, req, nil)
	if err != nil {
		return nil, err
	}
	if status := goipp.Status(resp.Code); status != goipp.StatusOk {
		return nil, fmt.Errorf("get-printer-attributes: %s", status)
	}
	return resp.Printer, nil
}

func (c *Client) Send(ctx context.Context, path string, msg *goipp.Message, data io.Reader) (*goipp.Message, error) {
	if msg == nil {
		return nil, errors.New("missing ipp message")
	}
	payload, err := msg.EncodeBytes()
	if err != nil {
		return nil, err
	}
	body := io.Reader(bytes.NewReader(payload))
	if data != nil {
		body = io.MultiReader(body, data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.urlFor(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", goipp.ContentType)
	req.Header.Set("Accept", goipp.ContentType)
	if c.User != "" && c.Password != "" {
		req.SetBasicAuth(c.User, c.Password)
	}

	client := &http.Client{
		Timeout: c.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.InsecureSkipVerify},
		},
	}
	resp, err := client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	out := &goipp.Message{}
	if err := out.Decode(resp.Body); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) jobRequest(op goipp.Op, path string, job Job) *goipp.Message {
	req := c.newRequest(op, path)
	user := job.User
	if user == "" {
		user = c.User
	}
	if user != "" {
		req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(user)))
	}
	if job.Title != "" {
		req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(job.Title)))
	}
	format := job.Format
	if format == "" {
		format = "application/postscript"
	}
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String(format)))
	return req
}

func (c *Client) newRequest(op goipp.Op, path string) *goipp.Message {
	c.requestID++
	req := goipp.NewRequest(goipp.DefaultVersion, op, c.requestID)
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(c.printerURI(path))))
	return req
}

func (c *Client) urlFor(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.BaseURL + path
}

func (c *Client) printerURI(path string) string {
	host := "localhost"
	scheme := "ipp"
	if u, err := url.Parse(c.BaseURL); err == nil && u.Host != "" {
		host = u.Host
		if u.Scheme == "https" {
			scheme = "ipps"
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + host + path
}

func attrString(attrs goipp.Attributes, name string) string {
	for _, attr := range attrs {
		if !strings.EqualFold(attr.Name, name) || len(attr.Values) == 0 {
			continue
		}
		return strings.TrimSpace(attr.Values[0].V.String())
	}
	return ""
}

func attrInt(attrs goipp.Attributes, name string) int {
	for _, attr := range attrs {
		if !strings.EqualFold(attr.Name, name) || len(attr.Values) == 0 {
			continue
		}
		if v, ok := attr.Values[0].V.(goipp.Integer); ok {
			return int(v)
		}
	}
	return 0
}
