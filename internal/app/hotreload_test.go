package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbc-viewer/internal/logging"
)

func TestHotReloaderFiresOnNewerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o755))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	h, err := NewHotReloaderFor(path, 10*time.Millisecond, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(path), filepath.Base(h.ExecPath()))

	fired := make(chan struct{}, 1)
	h.OnNewBinary(func() { fired <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	now := time.Now()
	require.NoError(t, os.Chtimes(path, now, now))

	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("callback not fired")
	}
	<-done
}

func TestHotReloaderStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o755))

	h, err := NewHotReloaderFor(path, 5*time.Millisecond, logging.Discard())
	require.NoError(t, err)
	called := false
	h.OnNewBinary(func() { called = true })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	h.Run(ctx)
	assert.False(t, called)
}

func TestHotReloaderMissingFile(t *testing.T) {
	_, err := NewHotReloaderFor(filepath.Join(t.TempDir(), "absent"), time.Second, nil)
	assert.Error(t, err)
}

func TestBusDispatchesInOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.On(EventWarning, func(data interface{}) { got = append(got, "a:"+data.(Warning).Key) })
	bus.On(EventWarning, func(data interface{}) { got = append(got, "b:"+data.(Warning).Key) })
	bus.On(EventClassified, func(interface{}) { got = append(got, "other") })

	bus.Emit(EventWarning, Warning{Key: "x", Message: "something"})
	bus.Emit(EventFrameReceived, nil)
	assert.Equal(t, []string{"a:x", "b:x"}, got)

	assert.Equal(t, "warning", EventWarning.String())
	assert.Equal(t, "unknown", EventType(99).String())
}
