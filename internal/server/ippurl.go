package server

import (
	"strings"

	"github.com/google/uuid"

	"printgate/internal/model"
)

// QueueURL is the parsed form of an IPP queue path below the mount prefix:
// /<queue>[/<user-number>/<user-uuid>].
type QueueURL struct {
	Queue      string
	UserNumber string
	UserUUID   uuid.UUID
}

// ParseQueueURL parses p, which must already have the mount prefix removed.
// A blank queue segment selects defaultQueue. Only the internet print queue
// reads further segments; a UUID that does not parse is left as uuid.Nil.
func ParseQueueURL(p, defaultQueue string) QueueURL {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	out := QueueURL{Queue: strings.Trim(defaultQueue, "/")}
	if len(segs) == 0 {
		return out
	}
	out.Queue = segs[0]
	if model.ReservedKindForPath(out.Queue) != model.ReservedInternet {
		return out
	}
	if len(segs) > 1 {
		out.UserNumber = segs[1]
	}
	if len(segs) > 2 {
		if id, err := uuid.Parse(segs[2]); err == nil {
			out.UserUUID = id
		}
	}
	return out
}
