package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(handler http.Handler) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(handler, 0, time.Second, time.Second, 2*time.Second, logger)
}

func TestRun_ServesAndShutsDownInOrder(t *testing.T) {
	s := testServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	require.NoError(t, s.Listen())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	started := make(chan struct{})
	s.Go("evaluator", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		record("evaluator")
		return ctx.Err()
	})
	s.OnShutdown("postgres", func(context.Context) error { record("postgres"); return nil })
	s.OnShutdown("redis", func(context.Context) error { record("redis"); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	<-started
	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, []string{"evaluator", "redis", "postgres"}, order)
}

func TestRun_LoopFailureStopsServer(t *testing.T) {
	s := testServer(http.NotFoundHandler())
	require.NoError(t, s.Listen())

	boom := errors.New("redis gone")
	s.Go("activity", func(context.Context) error { return boom })

	closed := false
	s.OnShutdown("cache", func(context.Context) error { closed = true; return nil })

	err := s.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "activity")
	assert.True(t, closed)
}

func TestRun_ShutdownErrorsAreJoined(t *testing.T) {
	s := testServer(http.NotFoundHandler())
	require.NoError(t, s.Listen())

	errA := errors.New("flush failed")
	errB := errors.New("close failed")
	s.OnShutdown("a", func(context.Context) error { return errA })
	s.OnShutdown("b", func(context.Context) error { return errB })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx)
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}
