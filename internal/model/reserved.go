package model

import (
	"fmt"
	"strings"
)

// ReservedKind tags the built-in queues. The set is closed: every switch
// over it lists all kinds and panics on anything else.
type ReservedKind int

const (
	ReservedNone ReservedKind = iota
	ReservedDefault
	ReservedRaw
	ReservedInternet
	ReservedAirPrint
	ReservedMailPrint
	ReservedWebPrint
	ReservedWebService
)

var ReservedKinds = []ReservedKind{
	ReservedDefault,
	ReservedRaw,
	ReservedInternet,
	ReservedAirPrint,
	ReservedMailPrint,
	ReservedWebPrint,
	ReservedWebService,
}

func (k ReservedKind) String() string {
	switch k {
	case ReservedNone:
		return "none"
	case ReservedDefault:
		return "default"
	case ReservedRaw:
		return "raw"
	case ReservedInternet:
		return "internet"
	case ReservedAirPrint:
		return "airprint"
	case ReservedMailPrint:
		return "mailprint"
	case ReservedWebPrint:
		return "webprint"
	case ReservedWebService:
		return "webservice"
	}
	panic(fmt.Sprintf("model: unknown reserved queue kind %d", int(k)))
}

// URLPath is the fixed queue path of a reserved kind. Custom queues have
// no fixed path.
func (k ReservedKind) URLPath() string {
	switch k {
	case ReservedNone, ReservedDefault:
		return ""
	case ReservedRaw:
		return "raw"
	case ReservedInternet:
		return "i"
	case ReservedAirPrint:
		return "airprint"
	case ReservedMailPrint:
		return "mailprint"
	case ReservedWebPrint:
		return "webprint"
	case ReservedWebService:
		return "webservice"
	}
	panic(fmt.Sprintf("model: unknown reserved queue kind %d", int(k)))
}

// Supports reports whether documents may arrive on this kind of queue over
// the given protocol.
func (k ReservedKind) Supports(p Protocol) bool {
	switch k {
	case ReservedNone, ReservedDefault:
		return true
	case ReservedRaw:
		return p == ProtocolRaw
	case ReservedInternet, ReservedAirPrint:
		return p == ProtocolIPP
	case ReservedMailPrint, ReservedWebPrint, ReservedWebService:
		return false
	}
	panic(fmt.Sprintf("model: unknown reserved queue kind %d", int(k)))
}

// DriverPrintable reports whether a print driver may target the queue at all.
func (k ReservedKind) DriverPrintable() bool {
	switch k {
	case ReservedNone, ReservedDefault, ReservedRaw, ReservedInternet, ReservedAirPrint:
		return true
	case ReservedMailPrint, ReservedWebPrint, ReservedWebService:
		return false
	}
	panic(fmt.Sprintf("model: unknown reserved queue kind %d", int(k)))
}

// ReservedKindForPath maps a queue path onto its reserved kind, or
// ReservedNone for custom queues.
func ReservedKindForPath(path string) ReservedKind {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return ReservedDefault
	}
	for _, k := range ReservedKinds {
		if k != ReservedDefault && strings.EqualFold(k.URLPath(), path) {
			return k
		}
	}
	return ReservedNone
}

func ParseReservedKind(s string) (ReservedKind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" {
		return ReservedNone, true
	}
	for _, k := range ReservedKinds {
		if k.String() == s {
			return k, true
		}
	}
	return ReservedNone, false
}
