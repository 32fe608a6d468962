// Package ocr defines the contract every OCR engine satisfies, regardless of
// whether it runs as a local binary, through cgo or behind a gRPC sidecar.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Engine turns document bytes into text. Implementations must be safe for
// concurrent use; ctx cancellation is the abort signal.
type Engine interface {
	Name() string
	Probe(ctx context.Context) (version string, err error)
	Extract(ctx context.Context, doc Document, opts Options) (Result, error)
}

type Document struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ProgressFunc receives the number of finished pages out of total.
type ProgressFunc func(done, total int)

type Options struct {
	DPI        int
	Preprocess bool
	Languages  []string
	Progress   ProgressFunc
}

func (o Options) Report(done, total int) {
	if o.Progress != nil && total > 0 {
		o.Progress(done, total)
	}
}

type Page struct {
	Number     int     `json:"number"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	Pages         []Page
	EngineVersion string
}

// Text joins page texts with a form feed, the conventional page separator.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\f")
}

// MeanConfidence averages page confidences, ignoring pages without text.
func (r Result) MeanConfidence() float64 {
	var sum float64
	var n int
	for _, p := range r.Pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		sum += p.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

const (
	ReasonMalformedInput    = "malformed_input"
	ReasonUnsupportedFormat = "unsupported_format"
	ReasonTimeout           = "timeout"
	ReasonEngineFailure     = "engine_failure"
	ReasonUnavailable       = "unavailable"
	ReasonInterrupted       = "interrupted"
)

// ProcessingError is returned by engines when a document cannot be read.
type ProcessingError struct {
	Reason string
	Err    error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return "ocr: " + e.Reason
	}
	return fmt.Sprintf("ocr: %s: %v", e.Reason, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func NewProcessingError(reason string, err error) *ProcessingError {
	return &ProcessingError{Reason: reason, Err: err}
}

// ReasonOf returns the processing reason carried by err, or ReasonEngineFailure.
func ReasonOf(err error) string {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ReasonEngineFailure
}

type Format string

const (
	FormatPDF   Format = "pdf"
	FormatImage Format = "image"
)

var extFormats = map[string]Format{
	".pdf":  FormatPDF,
	".png":  FormatImage,
	".jpg":  FormatImage,
	".jpeg": FormatImage,
	".tif":  FormatImage,
	".tiff": FormatImage,
	".bmp":  FormatImage,
	".gif":  FormatImage,
	".webp": FormatImage,
}

// DetectFormat classifies a document by magic bytes first and falls back to
// the filename extension.
func DetectFormat(doc Document) (Format, error) {
	if len(doc.Data) >= 5 && string(doc.Data[:5]) == "%PDF-" {
		return FormatPDF, nil
	}
	if doc.ContentType == "application/pdf" {
		return FormatPDF, nil
	}
	if strings.HasPrefix(doc.ContentType, "image/") {
		return FormatImage, nil
	}
	if f, ok := extFormats[strings.ToLower(filepath.Ext(doc.Filename))]; ok {
		return f, nil
	}
	return "", NewProcessingError(ReasonUnsupportedFormat, fmt.Errorf("cannot detect format of %q", doc.Filename))
}
