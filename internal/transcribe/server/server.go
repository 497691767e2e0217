// Package server implements the whisper.cpp HTTP server transcription
// backend: multipart POST of the WAV plus decode parameters, with a
// truncation-detection retry. Grounded on
// processing_pipeline.py._transcribe_with_server.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mrats/mrats/internal/ffprobe"
	"github.com/mrats/mrats/internal/transcribe"
)

// Backend posts audio to a whisper.cpp server's /inference endpoint.
type Backend struct {
	BaseURL string
	Timeout time.Duration

	Client *http.Client
}

type segmentsResponse struct {
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

type textOnlyResponse struct {
	Text string `json:"text"`
}

// Transcribe posts req.WAVPath to the server, retrying once with minimal
// parameters if the first response looks truncated relative to the audio.
//
// A {segments:...} response carries real timestamps, so truncation is
// judged against how close the last segment's end is to the probed audio
// duration. A bare {text} response carries no timestamp evidence at all, so
// whenever the audio duration was probed it is treated as a truncation
// candidate and retried once; when the probe fails, neither response shape is
// retried. Whichever
// attempt yields more text wins, and only then is it fabricated into a
// single sub-segment spanning the full audio.
func (b Backend) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	wavDuration, probeErr := ffprobe.Duration(ctx, req.WAVPath)

	firstText, firstSubs, err := b.post(ctx, req, true)
	if err != nil {
		return transcribe.Result{}, err
	}

	truncated := probeErr == nil
	if len(firstSubs) > 0 {
		truncated = truncated && looksTruncated(firstSubs, wavDuration)
	}
	if !truncated {
		return transcribe.Result{SubSegments: fabricateIfNeeded(firstSubs, firstText, wavDuration)}, nil
	}

	secondText, secondSubs, err := b.post(ctx, req, false)
	if err != nil {
		return transcribe.Result{SubSegments: fabricateIfNeeded(firstSubs, firstText, wavDuration)}, nil
	}

	if textLen(secondSubs, secondText) > textLen(firstSubs, firstText) {
		return transcribe.Result{SubSegments: fabricateIfNeeded(secondSubs, secondText, wavDuration)}, nil
	}
	return transcribe.Result{SubSegments: fabricateIfNeeded(firstSubs, firstText, wavDuration)}, nil
}

// fabricateIfNeeded synthesizes a single full-span sub-segment for a bare
// {text} response; a {segments:...} response is returned unchanged.
func fabricateIfNeeded(subs []transcribe.SubSegment, text string, wavDuration time.Duration) []transcribe.SubSegment {
	if len(subs) > 0 || text == "" {
		return subs
	}
	return []transcribe.SubSegment{{Text: text, StartMs: 0, EndMs: wavDuration.Milliseconds()}}
}

// textLen measures the recognized text length for whichever response shape was returned.
func textLen(subs []transcribe.SubSegment, text string) int {
	if len(subs) > 0 {
		return longerText(subs)
	}
	return len(text)
}

// looksTruncated reports whether the last recognized sub-segment ends more
// than 3 seconds before the audio's actual duration.
func looksTruncated(subs []transcribe.SubSegment, wavDuration time.Duration) bool {
	if len(subs) == 0 {
		return true
	}
	lastEnd := subs[len(subs)-1].EndMs
	return wavDuration.Milliseconds()-lastEnd > 3000
}

func longerText(subs []transcribe.SubSegment) int {
	total := 0
	for _, s := range subs {
		total += len(s.Text)
	}
	return total
}

func (b Backend) post(ctx context.Context, req transcribe.Request, fullParams bool) (string, []transcribe.SubSegment, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	file, err := os.Open(req.WAVPath)
	if err != nil {
		return "", nil, fmt.Errorf("open wav %q: %w", req.WAVPath, err)
	}
	defer file.Close()

	part, err := writer.CreateFormFile("file", filepath.Base(req.WAVPath))
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", nil, err
	}

	_ = writer.WriteField("response_format", "json")
	if fullParams {
		_ = writer.WriteField("temperature", "0.0")
		if req.Language != "" && req.Language != "auto" {
			_ = writer.WriteField("language", req.Language)
		}
	}
	if err := writer.Close(); err != nil {
		return "", nil, err
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(b.BaseURL, "/") + "/inference"
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, &body)
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("post to whisper server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("whisper server returned HTTP %d: %s", resp.StatusCode, string(data))
	}

	return parseResponse(data)
}

// parseResponse handles both documented response shapes:
// {segments:[{text,start,end}]} and {text}.
func parseResponse(data []byte) (string, []transcribe.SubSegment, error) {
	var withSegments segmentsResponse
	if err := json.Unmarshal(data, &withSegments); err == nil && len(withSegments.Segments) > 0 {
		subs := make([]transcribe.SubSegment, 0, len(withSegments.Segments))
		for _, seg := range withSegments.Segments {
			subs = append(subs, transcribe.SubSegment{
				Text:    strings.TrimSpace(seg.Text),
				StartMs: int64(seg.Start * 1000),
				EndMs:   int64(seg.End * 1000),
			})
		}
		return "", subs, nil
	}

	var textOnly textOnlyResponse
	if err := json.Unmarshal(data, &textOnly); err == nil && strings.TrimSpace(textOnly.Text) != "" {
		return textOnly.Text, nil, nil
	}

	return "", nil, fmt.Errorf("unrecognized whisper server response shape")
}
