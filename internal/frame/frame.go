// Package frame extracts job metadata from raw socket print streams: an
// optional PJL preamble followed by a PostScript document.
package frame

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"printgate/internal/authz"
	"printgate/internal/ingress"
	"printgate/internal/model"
)

const (
	uel             = "\x1b%-12345X"
	pjlPrefix       = "@PJL"
	psSignature     = "%!"
	titleComment    = "%%Title: "
	forComment      = "%%For: "
	beginProlog     = "%%BeginProlog"
	snippetLen      = 10
	maxDumpBytes    = 512
	DefaultMaxBytes = 1 << 20
)

var (
	pjlJobName  = regexp.MustCompile(`(?i)^@PJL\s+JOB\s+NAME\s*=\s*"([^"]*)"`)
	pjlUsername = regexp.MustCompile(`(?i)^@PJL\s+SET\s+USERNAME\s*=\s*"([^"]*)"`)
)

// Parser holds the settings shared by every connection.
type Parser struct {
	// MaxHeaderSize bounds the bytes buffered while looking for metadata.
	MaxHeaderSize int
	// DirectorySync selects the directory form of user canonicalization.
	DirectorySync bool
}

// Parse reads the job header from r. A stream that ends before its first
// byte is a ping and yields a nil submission and nil error. Every error
// return except a timeout has already drained r.
//
// On success the submission's ReadAhead holds the consumed header bytes and
// Payload continues the stream right after them.
func (p *Parser) Parse(r io.Reader, addr string) (*model.Submission, error) {
	max := p.MaxHeaderSize
	if max <= 0 {
		max = DefaultMaxBytes
	}
	lr := newLineReader(r, max)
	h := &header{}

	fail := func(err error) (*model.Submission, error) {
		var n int64
		if !ingress.IsTimeout(err) {
			n = lr.drain()
		}
		log.Debug().Str("addr", addr).Int64("drained", n).Err(err).Msg("raw stream rejected")
		dumpHeader(addr, lr.readAhead.Bytes())
		return nil, err
	}

	line, ok, err := lr.readLine()
	if err != nil {
		return fail(classifyReadError(addr, err))
	}
	if !ok {
		return nil, nil
	}

	if isPJLStart(line) {
		for {
			h.lines = append(h.lines, trimTerminator(line))
			line, ok, err = lr.readLine()
			if err != nil {
				return fail(classifyReadError(addr, err))
			}
			if !ok || !isPJLLine(line) {
				break
			}
		}
		h.scanPJL()
	}

	if !ok {
		return fail(ingress.WrapContentFormat("parse raw header", addr, errors.New("no document after PJL header")))
	}
	first := trimTerminator(line)
	if !strings.HasPrefix(first, psSignature) {
		return fail(ingress.WrapContentFormat("parse raw header", addr,
			fmt.Errorf("not a PostScript document: %q", snippet(first))))
	}
	h.lines = append(h.lines, first)

	for !h.complete() {
		line, ok, err = lr.readLine()
		if err != nil {
			return fail(classifyReadError(addr, err))
		}
		if !ok {
			break
		}
		text := trimTerminator(line)
		h.lines = append(h.lines, text)
		h.scanPostScript(text)
		if strings.HasPrefix(text, beginProlog) {
			break
		}
	}

	if !h.complete() {
		log.Warn().Str("addr", addr).Strs("header", h.lines).Msg("raw job header lacks title or user")
		return fail(ingress.WrapMissingMetadata("parse raw header", addr,
			fmt.Errorf("missing header field (title known: %t, user known: %t)", h.hasTitle, h.hasUser)))
	}

	dumpHeader(addr, lr.readAhead.Bytes())
	return &model.Submission{
		Addr:      addr,
		Protocol:  model.ProtocolRaw,
		Title:     h.title,
		User:      authz.CanonicalUser(h.user, p.DirectorySync),
		ReadAhead: append([]byte(nil), lr.readAhead.Bytes()...),
		Payload:   lr.br,
	}, nil
}

// Drain discards whatever is left of a submission's stream.
func Drain(sub *model.Submission) int64 {
	if sub == nil || sub.Payload == nil {
		return 0
	}
	n, _ := io.Copy(io.Discard, sub.Payload)
	return n
}

type header struct {
	lines    []string
	title    string
	user     string
	hasTitle bool
	hasUser  bool
}

func (h *header) complete() bool {
	return h.hasTitle && h.hasUser
}

func (h *header) scanPJL() {
	for _, l := range h.lines {
		if h.complete() {
			return
		}
		l = strings.TrimPrefix(l, uel)
		if !h.hasTitle {
			if m := pjlJobName.FindStringSubmatch(l); m != nil {
				h.title, h.hasTitle = m[1], true
				continue
			}
		}
		if !h.hasUser {
			if m := pjlUsername.FindStringSubmatch(l); m != nil {
				h.user, h.hasUser = m[1], true
			}
		}
	}
}

func (h *header) scanPostScript(line string) {
	if !h.hasTitle && strings.HasPrefix(line, titleComment) {
		h.title, h.hasTitle = stripParens(line[len(titleComment):]), true
		return
	}
	if !h.hasUser && strings.HasPrefix(line, forComment) {
		h.user, h.hasUser = stripParens(line[len(forComment):]), true
	}
}

func isPJLStart(line []byte) bool {
	s := string(line)
	return strings.HasPrefix(s, uel) || hasPJLPrefix(s)
}

func isPJLLine(line []byte) bool {
	s := strings.TrimPrefix(trimTerminator(line), uel)
	return s == "" || hasPJLPrefix(s)
}

func hasPJLPrefix(s string) bool {
	return len(s) >= len(pjlPrefix) && strings.EqualFold(s[:len(pjlPrefix)], pjlPrefix)
}

// stripParens removes the PostScript string delimiters around a DSC value.
func stripParens(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '(' && v[len(v)-1] == ')' {
		v = v[1 : len(v)-1]
	}
	return strings.TrimSpace(v)
}

func snippet(s string) string {
	if len(s) > snippetLen {
		return s[:snippetLen]
	}
	return s
}

func classifyReadError(addr string, err error) error {
	if errors.Is(err, errHeaderTooLarge) {
		return ingress.WrapMissingMetadata("parse raw header", addr, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ingress.WrapTimeout("read raw header", addr, err)
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return ingress.WrapTimeout("read raw header", addr, err)
	}
	return ingress.WrapInternal("read raw header", addr, err)
}

func dumpHeader(addr string, b []byte) {
	if len(b) > maxDumpBytes {
		b = b[:maxDumpBytes]
	}
	log.Trace().Str("addr", addr).Str("header", fmt.Sprintf("%q", b)).Msg("raw header bytes")
}
