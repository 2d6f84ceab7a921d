package platform

import (
	"net/http"
	"strings"
)

// UnknownClientIP is forwarded when the platform did not report a
// connecting IP.
const UnknownClientIP = "unknown"

// Headers names the request headers the hosting edge platform injects.
type Headers struct {
	ConnectingIP string
	Country      string
	Trace        string
	// StripPrefix marks every header starting with it as platform-owned.
	StripPrefix string
}

// DefaultHeaders matches the Cloudflare Workers request metadata.
func DefaultHeaders() Headers {
	return Headers{
		ConnectingIP: "CF-Connecting-IP",
		Country:      "CF-IPCountry",
		Trace:        "CF-Ray",
		StripPrefix:  "cf-",
	}
}

// Metadata is the per-request information supplied by the platform rather
// than by the client.
type Metadata struct {
	ConnectingIP string
	Country      string
	TraceID      string
	Proto        string
}

// ClientIP returns the connecting IP or UnknownClientIP.
func (m Metadata) ClientIP() string {
	if m.ConnectingIP == "" {
		return UnknownClientIP
	}
	return m.ConnectingIP
}

type Extractor struct {
	headers Headers
	prefix  string
	proto   string
}

// NewExtractor builds an Extractor for the given header names. proto is
// reported as the forwarded protocol because TLS terminates at the platform.
func NewExtractor(headers Headers, proto string) *Extractor {
	return &Extractor{
		headers: headers,
		prefix:  strings.ToLower(headers.StripPrefix),
		proto:   proto,
	}
}

func (e *Extractor) Extract(r *http.Request) Metadata {
	m := Metadata{Proto: e.proto}
	if e.headers.ConnectingIP != "" {
		m.ConnectingIP = strings.TrimSpace(r.Header.Get(e.headers.ConnectingIP))
	}
	if e.headers.Country != "" {
		m.Country = strings.TrimSpace(r.Header.Get(e.headers.Country))
	}
	if e.headers.Trace != "" {
		m.TraceID = strings.TrimSpace(r.Header.Get(e.headers.Trace))
	}
	return m
}

// IsPlatformHeader reports whether name was injected by the platform and
// must not reach the backend.
func (e *Extractor) IsPlatformHeader(name string) bool {
	lower := strings.ToLower(name)
	if e.prefix != "" && strings.HasPrefix(lower, e.prefix) {
		return true
	}
	for _, h := range []string{e.headers.ConnectingIP, e.headers.Country, e.headers.Trace} {
		if h != "" && strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
