package frame

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printgate/internal/ingress"
	"printgate/internal/model"
)

// countingReader records how far a consumer read into the stream.
type countingReader struct {
	r   io.Reader
	eof bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == io.EOF {
		c.eof = true
	}
	return n, err
}

func parse(t *testing.T, p *Parser, stream string) (*model.Submission, error, *countingReader) {
	t.Helper()
	cr := &countingReader{r: strings.NewReader(stream)}
	sub, err := p.Parse(cr, "10.0.0.5:51000")
	return sub, err, cr
}

func TestParsePJLHeader(t *testing.T) {
	stream := "@PJL\n@PJL JOB NAME = \"Report\" DISPLAY = \"x\"\n@PJL SET USERNAME = \"alice\"\n%!PS-Adobe-3.0\n%%BeginProlog\nshowpage\n"
	sub, err, _ := parse(t, &Parser{}, stream)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "Report", sub.Title)
	assert.Equal(t, "alice", sub.User)
	assert.Equal(t, model.ProtocolRaw, sub.Protocol)

	body, err := io.ReadAll(sub.Body())
	require.NoError(t, err)
	assert.Equal(t, stream, string(body), "forwarded stream must be byte-identical")
}

func TestParseUELAndCRLF(t *testing.T) {
	stream := "\x1b%-12345X@PJL\r\n@PJL job name = \"Quarterly\"\r\n@pjl set username = \"bob\"\r\n%!PS-Adobe-3.0\r\n%%Title: (ignored)\r\n"
	sub, err, _ := parse(t, &Parser{}, stream)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly", sub.Title)
	assert.Equal(t, "bob", sub.User)
	body, _ := io.ReadAll(sub.Body())
	assert.Equal(t, stream, string(body))
}

func TestParsePostScriptComments(t *testing.T) {
	stream := "%!PS-Adobe-3.0\n%%Creator: driver\n%%Title: (Budget 2024.xlsx)\n%%For: (CORP\\Carol)\n%%BeginProlog\n/x 1 def\n"
	sub, err, _ := parse(t, &Parser{DirectorySync: true}, stream)
	require.NoError(t, err)
	assert.Equal(t, "Budget 2024.xlsx", sub.Title)
	assert.Equal(t, "carol", sub.User)
}

func TestParseMixesPJLAndComments(t *testing.T) {
	stream := "@PJL SET USERNAME = \"dave\"\n%!PS\r%%Title: Memo\r%%BeginProlog\r"
	sub, err, _ := parse(t, &Parser{}, stream)
	require.NoError(t, err)
	assert.Equal(t, "Memo", sub.Title)
	assert.Equal(t, "dave", sub.User)
}

func TestParseFirstMatchWins(t *testing.T) {
	stream := "@PJL JOB NAME = \"first\"\n@PJL JOB NAME = \"second\"\n@PJL SET USERNAME = \"u1\"\n@PJL SET USERNAME = \"u2\"\n%!PS\n"
	sub, err, _ := parse(t, &Parser{}, stream)
	require.NoError(t, err)
	assert.Equal(t, "first", sub.Title)
	assert.Equal(t, "u1", sub.User)
}

func TestParseRejectsNonPostScript(t *testing.T) {
	stream := "%PDF-1.4\n" + strings.Repeat("binary junk\n", 1000)
	sub, err, cr := parse(t, &Parser{}, stream)
	assert.Nil(t, sub)
	require.Error(t, err)
	assert.True(t, ingress.IsContentFormat(err))
	assert.Contains(t, err.Error(), "%PDF-1.4")
	assert.True(t, cr.eof, "stream must be drained to EOF")
}

func TestParseRejectsPJLWithoutDocument(t *testing.T) {
	_, err, cr := parse(t, &Parser{}, "@PJL JOB NAME = \"x\"\n@PJL SET USERNAME = \"y\"\n")
	assert.True(t, ingress.IsContentFormat(err))
	assert.True(t, cr.eof)

	_, err, _ = parse(t, &Parser{}, "@PJL\nPCL-XL data\n")
	assert.True(t, ingress.IsContentFormat(err))
}

func TestParseMissingMetadata(t *testing.T) {
	stream := "%!PS-Adobe-3.0\n%%Title: (Report)\n%%BeginProlog\n%%For: (late)\nrest\n"
	sub, err, cr := parse(t, &Parser{}, stream)
	assert.Nil(t, sub)
	assert.True(t, ingress.IsMissingMetadata(err))
	assert.True(t, cr.eof)
}

func TestParseHeaderSizeLimit(t *testing.T) {
	stream := "%!PS\n" + strings.Repeat("%%Comment filler line\n", 100) + "%%Title: (x)\n%%For: (y)\n"
	_, err, cr := parse(t, &Parser{MaxHeaderSize: 256}, stream)
	assert.True(t, ingress.IsMissingMetadata(err))
	assert.True(t, cr.eof)
}

func TestParseZeroBytesIsPing(t *testing.T) {
	sub, err, _ := parse(t, &Parser{}, "")
	assert.NoError(t, err)
	assert.Nil(t, sub)
}

func TestParseTimeout(t *testing.T) {
	_, err := (&Parser{}).Parse(iotest{err: os.ErrDeadlineExceeded}, "10.0.0.5")
	assert.True(t, ingress.IsTimeout(err))
}

type iotest struct{ err error }

func (r iotest) Read([]byte) (int, error) { return 0, r.err }

func TestLineReaderTerminators(t *testing.T) {
	lr := newLineReader(bytes.NewReader([]byte("a\nb\rc\x04d")), 0)
	var got []string
	for {
		line, ok, err := lr.readLine()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(line))
	}
	assert.Equal(t, []string{"a\n", "b\r", "c\x04", "d"}, got)
	assert.Equal(t, "a\nb\rc\x04d", lr.readAhead.String())
}

func TestStripParens(t *testing.T) {
	assert.Equal(t, "x", stripParens(" (x) "))
	assert.Equal(t, "(x", stripParens("(x"))
	assert.Equal(t, "plain", stripParens("plain"))
}
