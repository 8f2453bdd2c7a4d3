// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sock/reactor"
)

// ServerOption customizes server construction.
type ServerOption func(*Server)

// WithLogger replaces the default disabled logger.
func WithLogger(log zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithRegistry registers the server metrics with reg instead of a private
// registry.
func WithRegistry(reg prometheus.Registerer) ServerOption {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithMetricsNamespace overrides the metric name prefix.
func WithMetricsNamespace(ns string) ServerOption {
	return func(s *Server) {
		s.namespace = ns
	}
}

// WithIDSeed fixes the seed of the client id generator.
func WithIDSeed(seed uint64) ServerOption {
	return func(s *Server) {
		s.idSeed = seed
	}
}

// IDSource produces candidate client ids. *rand.Rand from math/rand/v2
// satisfies it.
type IDSource interface {
	Int32() int32
}

// WithIDSource replaces the client id generator.
func WithIDSource(src IDSource) ServerOption {
	return func(s *Server) {
		s.idSource = src
	}
}

// withReactorFactory swaps the reactor constructor.
func withReactorFactory(fn func() (reactor.EventReactor, error)) ServerOption {
	return func(s *Server) {
		s.newReactor = fn
	}
}
