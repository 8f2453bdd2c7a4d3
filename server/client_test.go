//go:build linux

package server

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-sock/api"
)

func newTestClient(t *testing.T) (*Client, io.ReadWriter) {
	t.Helper()
	fd, peer := socketPair(t)
	c := newClient(fd, nil, time.Now(), time.Second)
	t.Cleanup(func() { _ = c.Close() })
	return c, peer
}

func TestReceiveExactAccumulatesPartialWrites(t *testing.T) {
	c, peer := newTestClient(t)
	go func() {
		_, _ = peer.Write([]byte("abc"))
		time.Sleep(30 * time.Millisecond)
		_, _ = peer.Write([]byte("defgh"))
	}()

	buf := make([]byte, 8)
	ok, err := c.ReceiveExact(buf, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abcdefgh", string(buf))
}

func TestReceiveExactTimesOut(t *testing.T) {
	c, peer := newTestClient(t)
	_, err := peer.Write([]byte("ab"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	start := time.Now()
	ok, err := c.ReceiveExact(buf, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, "ab", string(buf[:2]))
}

func TestReceiveExactReportsPeerClose(t *testing.T) {
	c, peer := newTestClient(t)
	_, err := peer.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, peer.(io.Closer).Close())

	ok, err := c.ReceiveExact(make([]byte, 4), time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReceiveWaitsForData(t *testing.T) {
	c, peer := newTestClient(t)
	time.AfterFunc(20*time.Millisecond, func() { _, _ = peer.Write([]byte("hi")) })

	buf := make([]byte, 16)
	n, err := c.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestReceiveTimeout(t *testing.T) {
	fd, _ := socketPair(t)
	c := newClient(fd, nil, time.Now(), 30*time.Millisecond)
	defer c.Close()

	_, err := c.Receive(make([]byte, 4))
	assert.ErrorIs(t, err, api.ErrOperationTimeout)
}

func TestSendExactDeliversLargePayload(t *testing.T) {
	c, peer := newTestClient(t)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		_, _ = io.ReadFull(peer, buf)
		got <- buf
	}()

	require.NoError(t, c.SendExact(payload))
	select {
	case buf := <-got:
		assert.True(t, bytes.Equal(payload, buf))
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not receive the payload")
	}
}

func TestReceiveUpdatesLastActivity(t *testing.T) {
	c, peer := newTestClient(t)
	before := c.LastActivity()
	time.Sleep(5 * time.Millisecond)
	_, err := peer.Write([]byte("z"))
	require.NoError(t, err)

	_, err = c.Receive(make([]byte, 1))
	require.NoError(t, err)
	assert.True(t, c.LastActivity().After(before))
}

func TestClosedClientIsUnusable(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.False(t, c.Usable())
	assert.Equal(t, -1, c.FD())

	_, err := c.Receive(make([]byte, 1))
	assert.ErrorIs(t, err, api.ErrUnusable)
	_, err = c.Send([]byte("x"))
	assert.ErrorIs(t, err, api.ErrUnusable)
	_, err = c.ReceiveExact(make([]byte, 1), time.Second)
	assert.ErrorIs(t, err, api.ErrUnusable)
	assert.ErrorIs(t, c.SendExact([]byte("x")), api.ErrUnusable)

	owner := NewOwner()
	assert.ErrorIs(t, c.LockAndCheck(owner), api.ErrGone)
	assert.Zero(t, c.lock.Held(owner))
}

func TestCloseDuringBlockedReceive(t *testing.T) {
	c, _ := newTestClient(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = c.Receive(make([]byte, 8))
				return
			}
			_, errs[i] = c.ReceiveExact(make([]byte, 8), 0)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, api.ErrUnusable)
	}
}

func TestLockAndCheckIsReentrant(t *testing.T) {
	c, _ := newTestClient(t)
	owner := NewOwner()
	require.NoError(t, c.LockAndCheck(owner))
	require.NoError(t, c.LockAndCheck(owner))
	assert.Equal(t, 2, c.lock.Held(owner))
	require.NoError(t, c.Unlock(owner))
	require.NoError(t, c.Unlock(owner))
	assert.Error(t, c.Unlock(owner))
}

func TestUserData(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Nil(t, c.UserData())
	c.SetUserData("session")
	assert.Equal(t, "session", c.UserData())
}
