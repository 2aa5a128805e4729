package logging

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.size += n
	return n, err
}

func HTTPAccessMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		remote := strings.TrimSpace(r.RemoteAddr)
		if host, _, err := net.SplitHostPort(remote); err == nil {
			remote = host
		}
		user := "-"
		if u, _, ok := r.BasicAuth(); ok && strings.TrimSpace(u) != "" {
			user = strings.TrimSpace(u)
		}
		line := fmt.Sprintf("%s - %s [%s] \"%s %s %s\" %d %d",
			remote,
			user,
			start.Format("02/Jan/2006:15:04:05 -0700"),
			r.Method,
			r.URL.RequestURI(),
			r.Proto,
			status,
			rec.size,
		)
		Access(line)
	})
}

// PageLogLine formats one accepted or rejected submission:
// queue user job-id time protocol size [title] origin result.
func PageLogLine(queue, user string, jobID int64, protocol string, size int64, title, origin, result string) string {
	if strings.TrimSpace(result) == "" {
		result = "ok"
	}
	if strings.TrimSpace(user) == "" {
		user = "-"
	}
	if strings.TrimSpace(queue) == "" {
		queue = "default"
	}
	if strings.TrimSpace(title) == "" {
		title = "Untitled"
	}
	if strings.TrimSpace(origin) == "" {
		origin = "-"
	}
	job := "-"
	if jobID > 0 {
		job = strconv.FormatInt(jobID, 10)
	}
	return strings.Join([]string{
		queue,
		user,
		job,
		"[" + time.Now().Format("02/Jan/2006:15:04:05 -0700") + "]",
		protocol,
		strings.ReplaceAll(humanize.IBytes(uint64(max(size, 0))), " ", ""),
		"[" + title + "]",
		origin,
		result,
	}, " ")
}
