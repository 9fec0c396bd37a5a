package wsstream_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/wsstream"
)

func startServer(t *testing.T, opts ...wsstream.Option) (*wsstream.Server, string) {
	t.Helper()
	s := wsstream.New(opts...)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func waitConnected(t *testing.T, s *wsstream.Server, want bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Connected() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Connected() did not become %v", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenWithoutClient(t *testing.T) {
	t.Parallel()

	s := wsstream.New()
	_, err := s.Open(context.Background(), audio.CaptureConfig{FrameSize: 4})
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Open() error = %v, want ErrDeviceUnavailable", err)
	}
	var ce *audio.CaptureError
	if !errors.As(err, &ce) || ce.Device != wsstream.DeviceName {
		t.Errorf("Open() error = %#v, want CaptureError for %q", err, wsstream.DeviceName)
	}
}

func TestStreamPCM(t *testing.T) {
	t.Parallel()

	s, url := startServer(t)
	conn := dial(t, url)
	waitConnected(t, s, true)

	stream, err := s.Open(context.Background(), audio.CaptureConfig{FrameSize: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	ctx := t.Context()
	// Text messages are ignored.
	if err := conn.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("Write text: %v", err)
	}
	// 6 samples: one full frame plus 2 buffered.
	pcm := []byte{0x00, 0x01, 0x00, 0xff, 0, 0, 0, 0, 0, 0, 0, 0}
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case f := <-stream.Frames():
		if f.Len() != 4 {
			t.Fatalf("frame len = %d, want 4", f.Len())
		}
		if f.Waveform[0] != 129 || f.Waveform[1] != 127 {
			t.Errorf("Waveform[:2] = %v, want [129 127]", f.Waveform[:2])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	select {
	case _, ok := <-stream.Frames():
		if ok {
			t.Fatal("unexpected second frame")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after client disconnect")
	}
	waitConnected(t, s, false)

	if _, err := s.Open(context.Background(), audio.CaptureConfig{FrameSize: 4}); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Open() after disconnect = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSecondClientRejected(t *testing.T) {
	t.Parallel()

	s, url := startServer(t)
	dial(t, url)
	waitConnected(t, s, true)

	second := dial(t, url)
	_, _, err := second.Read(t.Context())
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Errorf("second client close status = %v, want %v (err %v)", got, websocket.StatusTryAgainLater, err)
	}
	if !s.Connected() {
		t.Error("first client dropped by second connection")
	}
}

func TestCloseDetachesStream(t *testing.T) {
	t.Parallel()

	s, url := startServer(t)
	conn := dial(t, url)
	waitConnected(t, s, true)

	stream, err := s.Open(context.Background(), audio.CaptureConfig{FrameSize: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-stream.Frames(); ok {
		t.Fatal("Frames() open after Close")
	}
	// Audio without an open capture is discarded; the client stays connected.
	if err := conn.Write(t.Context(), websocket.MessageBinary, []byte{1, 0, 1, 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !s.Connected() {
		t.Error("client dropped after capture closed")
	}
}

func TestConnectHook(t *testing.T) {
	t.Parallel()

	connected := make(chan struct{}, 1)
	s, url := startServer(t, wsstream.WithConnectHook(func() { connected <- struct{}{} }))
	dial(t, url)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connect hook not called")
	}
	// The hook runs after the client is registered, so a capture can open.
	stream, err := s.Open(context.Background(), audio.CaptureConfig{FrameSize: 2})
	if err != nil {
		t.Fatalf("Open after hook: %v", err)
	}
	stream.Close()
}
