//go:build linux

package main

import (
	"encoding/binary"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sock/server"
)

const (
	headerLen   = 4
	maxFrameLen = 1 << 20
	frameWait   = 5 * time.Second
)

// echoHandlers answers every length-prefixed frame with itself.
func echoHandlers(log zerolog.Logger) server.Handlers {
	return server.Handlers{
		OnWorkerStart: func(s *server.Server, idx int) (any, error) {
			log.Debug().Int("worker", idx).Msg("worker start")
			return nil, nil
		},
		OnReceive: func(s *server.Server, t *server.Thread, c *server.Client, data []byte) int {
			if err := echoFrames(c, data); err != nil {
				log.Debug().Err(err).Uint32("id", c.ID()).Msg("echo failed")
				return 0
			}
			return 1
		},
		OnDelete: func(s *server.Server, c *server.Client) {
			log.Debug().Uint32("id", c.ID()).Stringer("peer", c.PeerAddr()).Msg("client gone")
		},
	}
}

type frameError string

func (e frameError) Error() string { return string(e) }

// echoFrames sends back every frame that starts in data, reading the rest
// of a partial frame from the client.
func echoFrames(c *server.Client, data []byte) error {
	buf := append([]byte(nil), data...)
	for len(buf) > 0 {
		if err := fill(c, &buf, headerLen); err != nil {
			return err
		}
		total := int(binary.BigEndian.Uint32(buf[:headerLen]))
		if total < headerLen || total > maxFrameLen {
			return frameError("frame length out of range")
		}
		if err := fill(c, &buf, total); err != nil {
			return err
		}
		if err := c.SendExact(buf[:total]); err != nil {
			return err
		}
		buf = buf[total:]
	}
	return nil
}

func fill(c *server.Client, frame *[]byte, want int) error {
	have := len(*frame)
	if have >= want {
		return nil
	}
	rest := make([]byte, want-have)
	ok, err := c.ReceiveExact(rest, frameWait)
	if err != nil {
		return err
	}
	if !ok {
		return frameError("frame timed out")
	}
	*frame = append(*frame, rest...)
	return nil
}
