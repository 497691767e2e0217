package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mrats/mrats/internal/ffprobe"
	"github.com/mrats/mrats/internal/transcribe"
	"github.com/stretchr/testify/require"
)

func fakeFFprobe(t *testing.T, seconds string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffprobe script requires a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "ffprobe")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho "+seconds+"\n"), 0o755))
	original := ffprobe.BinaryName
	ffprobe.BinaryName = script
	t.Cleanup(func() { ffprobe.BinaryName = original })
}

func writeFakeWAV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctx.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))
	return path
}

func TestTranscribeParsesSegmentsShape(t *testing.T) {
	fakeFFprobe(t, "10.0")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"segments":[{"text":"hello there","start":0.0,"end":9.5}]}`))
	}))
	defer ts.Close()

	backend := Backend{BaseURL: ts.URL}
	result, err := backend.Transcribe(context.Background(), transcribe.Request{WAVPath: writeFakeWAV(t)})
	require.NoError(t, err)
	require.Len(t, result.SubSegments, 1)
	require.Equal(t, "hello there", result.SubSegments[0].Text)
	require.Equal(t, int64(9500), result.SubSegments[0].EndMs)
}

func TestTranscribeRetriesOnSuspectedTruncationAndKeepsLonger(t *testing.T) {
	fakeFFprobe(t, "10.0")

	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.Write([]byte(`{"text":"short partial"}`))
			return
		}
		w.Write([]byte(`{"text":"a much longer complete transcript of the whole segment"}`))
	}))
	defer ts.Close()

	backend := Backend{BaseURL: ts.URL}
	result, err := backend.Transcribe(context.Background(), transcribe.Request{WAVPath: writeFakeWAV(t)})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, result.SubSegments, 1)
	require.Equal(t, "a much longer complete transcript of the whole segment", result.SubSegments[0].Text)
}

func TestTranscribeNoRetryWhenNotTruncated(t *testing.T) {
	fakeFFprobe(t, "5.0")

	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"segments":[{"text":"complete","start":0.0,"end":4.9}]}`))
	}))
	defer ts.Close()

	backend := Backend{BaseURL: ts.URL}
	_, err := backend.Transcribe(context.Background(), transcribe.Request{WAVPath: writeFakeWAV(t)})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
