package gateway

import (
	"errors"
	"strings"
	"testing"
)

func TestStripDockerLogHeaders(t *testing.T) {
	frame := func(stream byte, payload string) []byte {
		n := len(payload)
		header := []byte{stream, 0, 0, 0, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
		return append(header, payload...)
	}

	t.Run("single stdout frame", func(t *testing.T) {
		raw := frame(1, "vite dev server running\n")
		if got := stripDockerLogHeaders(raw); got != "vite dev server running\n" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("interleaved stdout and stderr frames", func(t *testing.T) {
		raw := append(frame(1, "out line\n"), frame(2, "err line\n")...)
		got := stripDockerLogHeaders(raw)
		if !strings.Contains(got, "out line") || !strings.Contains(got, "err line") {
			t.Errorf("got %q", got)
		}
	})

	t.Run("truncated frame does not panic", func(t *testing.T) {
		raw := frame(1, "complete\n")
		raw = append(raw, []byte{1, 0, 0, 0, 0, 0, 0, 99, 'p', 'a', 'r', 't'}...)
		got := stripDockerLogHeaders(raw)
		if !strings.Contains(got, "complete") || !strings.Contains(got, "part") {
			t.Errorf("got %q", got)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := stripDockerLogHeaders(nil); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(errors.New("Error response from daemon: No such container: abc")) {
		t.Error("daemon not-found error should match")
	}
	if isNotFound(errors.New("connection refused")) {
		t.Error("unrelated error must not match")
	}
	if isNotFound(nil) {
		t.Error("nil must not match")
	}
}
