package cors

import (
	"net/http"
	"strconv"
)

const (
	headerAllowOrigin  = "Access-Control-Allow-Origin"
	headerAllowMethods = "Access-Control-Allow-Methods"
	headerAllowHeaders = "Access-Control-Allow-Headers"
	headerMaxAge       = "Access-Control-Max-Age"
)

// Headers is the fixed CORS header set attached to every response the
// proxy produces, including rejections and relayed backend responses.
type Headers struct {
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
	MaxAge       int
}

func Default() Headers {
	return Headers{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, HEAD",
		AllowHeaders: "Content-Type, Authorization, X-Requested-With, Accept, Origin, User-Agent, X-API-Key",
		MaxAge:       86400,
	}
}

// Apply writes the set into dst, replacing any values already present.
// Empty fields are left out.
func (h Headers) Apply(dst http.Header) {
	for name, value := range h.Map() {
		dst.Set(name, value)
	}
}

// Map returns the set as header name to value.
func (h Headers) Map() map[string]string {
	m := make(map[string]string, 4)
	if h.AllowOrigin != "" {
		m[headerAllowOrigin] = h.AllowOrigin
	}
	if h.AllowMethods != "" {
		m[headerAllowMethods] = h.AllowMethods
	}
	if h.AllowHeaders != "" {
		m[headerAllowHeaders] = h.AllowHeaders
	}
	if h.MaxAge > 0 {
		m[headerMaxAge] = strconv.Itoa(h.MaxAge)
	}
	return m
}
