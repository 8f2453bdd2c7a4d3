//go:build linux

package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momentics/hioload-sock/server"
)

type clientInfo struct {
	ID           uint32    `json:"id"`
	Peer         string    `json:"peer,omitempty"`
	TLS          string    `json:"tls"`
	LastActivity time.Time `json:"lastActivity"`
}

func adminRouter(srv *server.Server, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/debug/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Probes().Dump())
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/clients", func(w http.ResponseWriter, _ *http.Request) {
		out := make([]clientInfo, 0, srv.Connections())
		srv.Range(func(c *server.Client) bool {
			info := clientInfo{ID: c.ID(), TLS: c.TLSState().String(), LastActivity: c.LastActivity()}
			if p := c.PeerAddr(); p != nil {
				info.Peer = p.String()
			}
			out = append(out, info)
			return true
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	r.Delete("/clients/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		if err := srv.ClientDelByID(server.NewOwner(), uint32(id)); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
