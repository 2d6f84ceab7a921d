// Package platform turns the metadata headers injected by the hosting edge
// platform (connecting IP, country, trace id) into an explicit Metadata
// value, so the forwarding logic can be exercised with synthetic input.
package platform
