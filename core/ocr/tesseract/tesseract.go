// Package tesseract runs OCR through the tesseract command line tool, with
// pdftoppm rasterizing PDF pages.
package tesseract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/you-humble/dococr/core/ocr"
	"github.com/you-humble/dococr/core/ocr/preprocess"
)

// ErrNativeUnsupported is returned by NewNative in binaries built without
// the gosseract tag.
var ErrNativeUnsupported = errors.New("tesseract: binary built without the gosseract tag")

type Config struct {
	Tesseract   string // binary name or absolute path; "tesseract" if empty
	Pdftoppm    string // "pdftoppm" if empty
	Languages   []string
	PSM         int
	OEM         int
	TessdataDir string
	WorkDir     string // scratch space; os.TempDir() if empty
	MinWidth    int
}

func (c Config) withDefaults() Config {
	if c.Tesseract == "" {
		c.Tesseract = "tesseract"
	}
	if c.Pdftoppm == "" {
		c.Pdftoppm = "pdftoppm"
	}
	if len(c.Languages) == 0 {
		c.Languages = []string{"eng"}
	}
	if c.MinWidth <= 0 {
		c.MinWidth = preprocess.DefaultMinWidth
	}
	return c
}

type Option func(*Engine)

func WithRunner(r Runner) Option {
	return func(e *Engine) { e.runner = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

type Engine struct {
	name   string
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func New(name string, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runner == nil {
		e.runner = execRunner{logger: e.logger}
	}
	return e
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Probe(ctx context.Context) (string, error) {
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, "--version")
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", e.cfg.Tesseract, err)
	}
	// tesseract 3.x prints the banner on stderr.
	if v := parseVersion(out); v != "" {
		return v, nil
	}
	if v := parseVersion(errb); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("unrecognized %s --version output", e.cfg.Tesseract)
}

func (e *Engine) Extract(ctx context.Context, doc ocr.Document, opts ocr.Options) (ocr.Result, error) {
	version, _ := e.Probe(ctx)

	pages, err := e.pager().each(ctx, doc, opts, func(ctx context.Context, number int, path string) (ocr.Page, error) {
		return e.recognize(ctx, number, path, opts)
	})
	if err != nil {
		return ocr.Result{}, err
	}

	return ocr.Result{Pages: pages, EngineVersion: version}, nil
}

func (e *Engine) pager() pager {
	return pager{
		pdftoppm: e.cfg.Pdftoppm,
		workDir:  e.cfg.WorkDir,
		minWidth: e.cfg.MinWidth,
		runner:   e.runner,
	}
}

func (e *Engine) recognize(ctx context.Context, number int, path string, opts ocr.Options) (ocr.Page, error) {
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, e.args(path, opts)...)
	if err != nil {
		if ctx.Err() != nil {
			return ocr.Page{}, ctxErr(ctx, err)
		}
		return ocr.Page{}, ocr.NewProcessingError(ocr.ReasonEngineFailure,
			fmt.Errorf("tesseract page %d: %w: %s", number, err, truncate(string(errb), 512)))
	}

	text, conf := parseTSV(out)
	return ocr.Page{Number: number, Text: text, Confidence: conf}, nil
}

func (e *Engine) args(path string, opts ocr.Options) []string {
	langs := opts.Languages
	if len(langs) == 0 {
		langs = e.cfg.Languages
	}

	args := []string{path, "stdout", "-l", strings.Join(langs, "+")}
	if opts.DPI > 0 {
		args = append(args, "--dpi", strconv.Itoa(opts.DPI))
	}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.cfg.PSM))
	}
	if e.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(e.cfg.OEM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	return append(args, "tsv")
}

func parseVersion(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "tesseract") {
		return ""
	}
	return strings.TrimPrefix(fields[1], "v")
}
