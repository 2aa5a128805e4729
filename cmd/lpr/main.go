package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"printgate/internal/ippclient"
)

var errShowHelp = errors.New("show-help")

type options struct {
	server   string
	encrypt  bool
	insecure bool
	user     string
	password string
	title    string
	queue    string
	raw      string
	remove   bool
	files    []string
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowHelp) {
		usage()
		return
	}
	if err != nil {
		fail(err)
	}
	if opts.password == "" {
		opts.password = os.Getenv("PRINTGATE_PASSWORD")
	}

	if len(opts.files) == 0 {
		if err := submit(opts, "stdin", os.Stdin); err != nil {
			fail(err)
		}
		return
	}
	for _, name := range opts.files {
		f, err := os.Open(name)
		if err != nil {
			fail(err)
		}
		err = submit(opts, name, f)
		_ = f.Close()
		if err != nil {
			fail(err)
		}
		if opts.remove {
			_ = os.Remove(name)
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lpr:", err)
	os.Exit(1)
}

func usage() {
	fmt.Println("Usage: lpr [options] [file(s)]")
	fmt.Println("Options:")
	fmt.Println("-E                      Encrypt the connection to the server")
	fmt.Println("-H server[:port]        Connect to the named server and port")
	fmt.Println("-k                      Skip TLS certificate verification")
	fmt.Println("-P queue                Queue path, e.g. office or office/12/<uuid>")
	fmt.Println("-r                      Remove the file(s) after submission")
	fmt.Println("-R host[:port]          Send over the raw 9100 port instead of IPP")
	fmt.Println("-T title                Specify the job title")
	fmt.Println("-U username             Specify the requesting user")
}

func parseArgs(args []string) (options, error) {
	opts := options{server: "localhost:631"}
	for i := 0; i < len(args); i++ {
		arg := strings.TrimSpace(args[i])
		if arg == "" {
			continue
		}
		if arg == "--help" {
			return opts, errShowHelp
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			opts.files = append(opts.files, arg)
			continue
		}
		switch arg {
		case "-E":
			opts.encrypt = true
			continue
		case "-k":
			opts.insecure = true
			continue
		case "-r":
			opts.remove = true
			continue
		}
		flag := arg[:2]
		value := strings.TrimSpace(arg[2:])
		switch flag {
		case "-H", "-P", "-R", "-T", "-U":
		default:
			return opts, fmt.Errorf("unknown option %q", arg)
		}
		if value == "" {
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("missing argument for %s", flag)
			}
			value = args[i]
		}
		switch flag {
		case "-H":
			opts.server = value
		case "-P":
			opts.queue = strings.Trim(value, "/")
		case "-R":
			opts.raw = value
		case "-T":
			opts.title = value
		case "-U":
			opts.user = value
		}
	}
	return opts, nil
}

func submit(opts options, name string, doc io.Reader) error {
	title := opts.title
	if title == "" {
		title = filepath.Base(name)
	}
	user := opts.user
	if user == "" {
		user = os.Getenv("USER")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if opts.raw != "" {
		return sendRaw(ctx, opts.raw, title, user, doc)
	}

	scheme := "http"
	if opts.encrypt {
		scheme = "https"
	}
	base := opts.server
	if !strings.Contains(base, "://") {
		base = scheme + "://" + base
	}
	client := ippclient.New(base, ippclient.WithBasicAuth(user, opts.password), ippclient.WithInsecureTLS(opts.insecure))
	path := "/printers/"
	if opts.queue != "" {
		path += opts.queue
	}
	res, err := client.PrintJob(ctx, path, ippclient.Job{User: user, Title: title}, doc)
	if err != nil {
		return err
	}
	fmt.Printf("request id is %s-%d\n", displayQueue(opts.queue), res.ID)
	return nil
}

func sendRaw(ctx context.Context, addr, title, user string, doc io.Reader) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "9100")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := io.WriteString(conn, pjlHeader(title, user)); err != nil {
		return err
	}
	if _, err := io.Copy(conn, doc); err != nil {
		return err
	}
	_, err = io.WriteString(conn, pjlTrailer)
	return err
}

const uel = "\x1b%-12345X"

const pjlTrailer = uel + "@PJL EOJ\r\n" + uel

func pjlHeader(title, user string) string {
	var b strings.Builder
	b.WriteString(uel)
	fmt.Fprintf(&b, "@PJL JOB NAME=\"%s\"\r\n", pjlQuote(title))
	fmt.Fprintf(&b, "@PJL SET USERNAME=\"%s\"\r\n", pjlQuote(user))
	b.WriteString("@PJL ENTER LANGUAGE=POSTSCRIPT\r\n")
	return b.String()
}

// pjlQuote drops characters that would end a PJL string value.
func pjlQuote(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"', '\r', '\n', 0x04:
			return -1
		}
		return r
	}, v)
}

func displayQueue(q string) string {
	if q == "" {
		return "default"
	}
	if i := strings.IndexByte(q, '/'); i >= 0 {
		return q[:i]
	}
	return q
}
