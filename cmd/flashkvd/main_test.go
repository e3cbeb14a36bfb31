package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashkv/flashkv/internal/db"
)

// startServer starts a server against a fresh temp data directory and
// returns its address plus a stop function that cancels the accept loop and
// blocks until the shutdown flush (Serve -> database.Close) has completed.
// t.Cleanup also calls stop, so tests that need the server down earlier
// (e.g. to simulate a restart) can call it explicitly and rely on the
// cleanup's second call returning at once without doing anything.
func startServer(t *testing.T) (addr string, dataDir string, stop func()) {
	t.Helper()

	dataDir = t.TempDir()
	log := slog.New(slog.NewTextHandler(testingWriter{t}, nil))

	database, err := db.Open(dataDir, log)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Serve(ctx, listener, database, log)
		close(done)
	}()

	var stopped bool
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
	}
	t.Cleanup(stop)

	return listener.Addr().String(), dataDir, stop
}

type testingWriter struct{ t *testing.T }

func (w testingWriter) Write(p []byte) (int, error) { return len(p), nil }

func putInt32(buf []byte, v int32) {
	binary.BigEndian.PutUint32(buf, uint32(v))
}

func readResponse(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	s, err := r.ReadString(0x00)
	require.NoError(t, err)
	return s[:len(s)-1]
}

func TestServerEndToEndPutGetRange(t *testing.T) {
	addr, _, _ := startServer(t)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	put := func(key, val int32) {
		req := make([]byte, 9)
		req[0] = 'p'
		putInt32(req[1:5], key)
		putInt32(req[5:9], val)
		_, err := conn.Write(req)
		require.NoError(t, err)
		require.Equal(t, "OK", readResponse(t, r))
	}

	put(1, 100)
	put(2, 200)
	put(5, 500)
	put(10, 1000)

	getReq := []byte{'g', 0, 0, 0, 1}
	_, err = conn.Write(getReq)
	require.NoError(t, err)
	require.Equal(t, "100", readResponse(t, r))

	rangeReq := make([]byte, 9)
	rangeReq[0] = 'r'
	putInt32(rangeReq[1:5], 2)
	putInt32(rangeReq[5:9], 10)
	_, err = conn.Write(rangeReq)
	require.NoError(t, err)
	require.Equal(t, "2:200 5:500 ", readResponse(t, r))
}

func TestServerRestartPreservesFlushedData(t *testing.T) {
	addr, dataDir, stop := startServer(t)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	r := bufio.NewReader(conn)

	put := make([]byte, 9)
	put[0] = 'p'
	putInt32(put[1:5], 3)
	putInt32(put[5:9], 30)
	_, err = conn.Write(put)
	require.NoError(t, err)
	require.Equal(t, "OK", readResponse(t, r))
	conn.Close()

	// Shut the server down now, rather than waiting for t.Cleanup, so its
	// shutdown flush has actually run before we reopen the same directory
	// below to simulate a restart.
	stop()

	database, err := db.Open(dataDir, slog.Default())
	require.NoError(t, err)

	res, err := database.Get(3)
	require.NoError(t, err)
	require.Equal(t, int32(30), res.Value)
}
