//go:build linux

package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-sock/server"
)

func frame(payload string) []byte {
	b := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	copy(b[headerLen:], payload)
	return b
}

func startEcho(t *testing.T, reg *prometheus.Registry) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.RecvBufferSize = 4
	cfg.PollTimeout = 20 * time.Millisecond
	srv, err := server.New(cfg, echoHandlers(zerolog.Nop()), server.WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, srv.Init())
	require.NoError(t, srv.Listen())
	n, err := srv.StartWorkers(2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestEchoPipelinedFrames(t *testing.T) {
	srv := startEcho(t, prometheus.NewRegistry())
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	want := append(frame("hello"), frame("world!")...)
	want = append(want, frame("")...)
	_, err = conn.Write(want)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	got := make([]byte, len(want))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEchoRejectsOversizedFrame(t *testing.T) {
	srv := startEcho(t, prometheus.NewRegistry())
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	hdr := make([]byte, headerLen)
	binary.BigEndian.PutUint32(hdr, maxFrameLen+1)
	_, err = conn.Write(hdr)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestAdminRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := startEcho(t, reg)
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, 2*time.Second, 5*time.Millisecond)

	ts := httptest.NewServer(adminRouter(srv, reg))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/clients")
	require.NoError(t, err)
	var clients []clientInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clients))
	resp.Body.Close()
	require.Len(t, clients, 1)
	assert.Equal(t, "none", clients[0].TLS)
	assert.NotEmpty(t, clients[0].Peer)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "hioload_sock_clients 1"))

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/clients/%d", ts.URL, clients[0].ID), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, srv.Connections())

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/debug/state")
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.EqualValues(t, 0, state["server.connections"])
	assert.EqualValues(t, 2, state["server.workers"])
	assert.Equal(t, false, state["server.tls"])

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoadServeConfigFlagsOverride(t *testing.T) {
	cfg, err := loadServeConfig(serveOptions{address: "127.0.0.1:1", workers: 3})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1", cfg.Address)
	assert.Equal(t, 3, cfg.Workers)

	_, err = loadServeConfig(serveOptions{workers: server.MaxWorkers + 1})
	assert.Error(t, err)
}
