// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime observability for the socket server core: Prometheus collectors
// registered on a caller-supplied registry, and named state probes for the
// admin endpoint.
package control
