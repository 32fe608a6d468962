//go:build gosseract

package tesseract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/you-humble/dococr/core/ocr"

	"github.com/otiai10/gosseract/v2"
)

// NativeEngine links libtesseract through cgo. A page already handed to the
// library cannot be aborted; cancellation takes effect between pages.
type NativeEngine struct {
	name   string
	cfg    Config
	runner Runner
}

func NewNative(name string, cfg Config) (ocr.Engine, error) {
	return &NativeEngine{
		name:   name,
		cfg:    cfg.withDefaults(),
		runner: execRunner{logger: slog.Default()},
	}, nil
}

func (e *NativeEngine) Name() string { return e.name }

func (e *NativeEngine) Probe(ctx context.Context) (string, error) {
	if v := gosseract.Version(); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("libtesseract did not report a version")
}

func (e *NativeEngine) Extract(ctx context.Context, doc ocr.Document, opts ocr.Options) (ocr.Result, error) {
	p := pager{
		pdftoppm: e.cfg.Pdftoppm,
		workDir:  e.cfg.WorkDir,
		minWidth: e.cfg.MinWidth,
		runner:   e.runner,
	}

	pages, err := p.each(ctx, doc, opts, func(ctx context.Context, number int, path string) (ocr.Page, error) {
		if err := ctx.Err(); err != nil {
			return ocr.Page{}, err
		}
		return e.recognize(number, path, opts)
	})
	if err != nil {
		return ocr.Result{}, err
	}

	version, _ := e.Probe(ctx)
	return ocr.Result{Pages: pages, EngineVersion: version}, nil
}

func (e *NativeEngine) recognize(number int, path string, opts ocr.Options) (ocr.Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ocr.Page{}, fmt.Errorf("read raster: %w", err)
	}

	c := gosseract.NewClient()
	defer c.Close()

	if e.cfg.TessdataDir != "" {
		c.TessdataPrefix = e.cfg.TessdataDir
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return ocr.Page{}, ocr.NewProcessingError(ocr.ReasonMalformedInput, fmt.Errorf("set image: %w", err))
	}
	langs := opts.Languages
	if len(langs) == 0 {
		langs = e.cfg.Languages
	}
	if err := c.SetLanguage(langs...); err != nil {
		return ocr.Page{}, ocr.NewProcessingError(ocr.ReasonEngineFailure, fmt.Errorf("set languages: %w", err))
	}
	if opts.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), strconv.Itoa(opts.DPI)); err != nil {
			return ocr.Page{}, ocr.NewProcessingError(ocr.ReasonEngineFailure, fmt.Errorf("set dpi: %w", err))
		}
	}
	if e.cfg.PSM > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(e.cfg.PSM)); err != nil {
			return ocr.Page{}, ocr.NewProcessingError(ocr.ReasonEngineFailure, fmt.Errorf("set psm: %w", err))
		}
	}

	text, err := c.Text()
	if err != nil {
		return ocr.Page{}, ocr.NewProcessingError(ocr.ReasonEngineFailure, fmt.Errorf("recognize page %d: %w", number, err))
	}

	return ocr.Page{Number: number, Text: text, Confidence: meanWordConfidence(c)}, nil
}

func meanWordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100
	}
	return sum / float64(len(boxes))
}
