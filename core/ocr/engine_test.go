package ocr

import (
	"errors"
	"fmt"
	"testing"
)

func TestResultTextAndConfidence(t *testing.T) {
	r := Result{Pages: []Page{
		{Number: 1, Text: "hello", Confidence: 0.9},
		{Number: 2, Text: "  ", Confidence: 0},
		{Number: 3, Text: "world", Confidence: 0.7},
	}}

	if got := r.Text(); got != "hello\f  \fworld" {
		t.Fatalf("Text() = %q", got)
	}
	if got := r.MeanConfidence(); got < 0.799 || got > 0.801 {
		t.Fatalf("MeanConfidence() = %v, want 0.8", got)
	}
	if got := (Result{}).MeanConfidence(); got != 0 {
		t.Fatalf("empty MeanConfidence() = %v", got)
	}
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name string
		doc  Document
		want Format
		err  bool
	}{
		{"pdf magic", Document{Filename: "scan.bin", Data: []byte("%PDF-1.7\n")}, FormatPDF, false},
		{"image content type", Document{Filename: "x", ContentType: "image/png"}, FormatImage, false},
		{"tiff by extension", Document{Filename: "page.TIFF", ContentType: "application/octet-stream"}, FormatImage, false},
		{"unknown", Document{Filename: "notes.txt", ContentType: "text/plain"}, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DetectFormat(tc.doc)
			if tc.err {
				if ReasonOf(err) != ReasonUnsupportedFormat {
					t.Fatalf("expected unsupported_format, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectFormat: %v", err)
			}
			if got != tc.want {
				t.Fatalf("DetectFormat = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReasonOf(t *testing.T) {
	wrapped := fmt.Errorf("page 2: %w", NewProcessingError(ReasonMalformedInput, errors.New("bad xref")))
	if got := ReasonOf(wrapped); got != ReasonMalformedInput {
		t.Fatalf("ReasonOf = %q", got)
	}
	if got := ReasonOf(errors.New("boom")); got != ReasonEngineFailure {
		t.Fatalf("ReasonOf(plain) = %q", got)
	}
}

func TestOptionsReport(t *testing.T) {
	var calls [][2]int
	o := Options{Progress: func(done, total int) { calls = append(calls, [2]int{done, total}) }}
	o.Report(1, 3)
	o.Report(1, 0)
	(Options{}).Report(1, 1)

	if len(calls) != 1 || calls[0] != [2]int{1, 3} {
		t.Fatalf("unexpected progress calls: %v", calls)
	}
}
