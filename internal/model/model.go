package model

import (
	"bytes"
	"io"
	"time"

	"github.com/google/uuid"
)

type Protocol string

const (
	ProtocolRaw Protocol = "raw"
	ProtocolIPP Protocol = "ipp"
)

// Queue is the configuration of one logical print queue as seen by the
// ingress layer. It is read once per submission and never mutated.
type Queue struct {
	ID        int64
	URLPath   string
	Reserved  ReservedKind
	Disabled  bool
	Deleted   bool
	Trusted   bool
	IPAllowed []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultPolicy reports whether the queue relies on the default network
// policy, i.e. it has no explicit address allow-list.
func (q Queue) DefaultPolicy() bool {
	return len(q.IPAllowed) == 0
}

type User struct {
	ID           int64
	Username     string
	Number       string
	UUID         uuid.UUID
	PasswordHash string
	Disabled     bool
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Job struct {
	ID          int64
	QueueID     int64
	Title       string
	UserName    string
	OriginHost  string
	Protocol    Protocol
	SizeBytes   int64
	SpoolPath   string
	SubmittedAt time.Time
}

// Submission is one print job in flight through the ingress layer.
type Submission struct {
	Addr      string
	Protocol  Protocol
	QueuePath string
	Title     string
	User      string
	ReadAhead []byte
	Payload   io.Reader
}

// Body returns the full document stream: the header bytes consumed while
// parsing followed by the unread remainder.
func (s *Submission) Body() io.Reader {
	if s.Payload == nil {
		return bytes.NewReader(s.ReadAhead)
	}
	if len(s.ReadAhead) == 0 {
		return s.Payload
	}
	return io.MultiReader(bytes.NewReader(s.ReadAhead), s.Payload)
}

type DenialClass string

const (
	DenialNone         DenialClass = ""
	DenialDisabled     DenialClass = "queue-disabled"
	DenialNotPrintable DenialClass = "reserved-queue-not-driver-printable"
	DenialUnknownQueue DenialClass = "unknown-queue"
	DenialAddress      DenialClass = "address-not-allowed"
	DenialUser         DenialClass = "user-not-authorized"
)

// AuthDecision is computed once per submission.
type AuthDecision struct {
	Allowed      bool
	AssignedUser string
	DenialReason string
	Denial       DenialClass
}

func Allow(user string) AuthDecision {
	return AuthDecision{Allowed: true, AssignedUser: user}
}

func Deny(class DenialClass, reason string) AuthDecision {
	return AuthDecision{Denial: class, DenialReason: reason}
}
