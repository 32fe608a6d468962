package tesseract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/you-humble/dococr/core/ocr"
	"github.com/you-humble/dococr/core/ocr/pdfdoc"
	"github.com/you-humble/dococr/core/ocr/preprocess"
)

const defaultDPI = 300

type pageFunc func(ctx context.Context, number int, path string) (ocr.Page, error)

// pager stages a document in a scratch directory and yields one raster image
// per page. PDFs are rasterized lazily so that progress follows the OCR work.
type pager struct {
	pdftoppm string
	workDir  string
	minWidth int
	runner   Runner
}

func (p pager) each(ctx context.Context, doc ocr.Document, opts ocr.Options, fn pageFunc) ([]ocr.Page, error) {
	format, err := ocr.DetectFormat(doc)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(p.workDir, "ocr-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input"+inputExt(format, doc.Filename))
	if err := os.WriteFile(src, doc.Data, 0o600); err != nil {
		return nil, fmt.Errorf("write scratch input: %w", err)
	}

	if format == ocr.FormatImage {
		path, err := p.prepare(src, opts)
		if err != nil {
			return nil, err
		}
		page, err := fn(ctx, 1, path)
		if err != nil {
			return nil, err
		}
		opts.Report(1, 1)
		return []ocr.Page{page}, nil
	}

	total, err := pdfdoc.PageCount(src)
	if err != nil {
		return nil, err
	}

	dpi := opts.DPI
	if dpi <= 0 {
		dpi = defaultDPI
	}

	pages := make([]ocr.Page, 0, total)
	for n := 1; n <= total; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prefix := filepath.Join(dir, "page-"+strconv.Itoa(n))
		num := strconv.Itoa(n)
		_, errb, err := p.runner.Run(ctx, p.pdftoppm,
			"-r", strconv.Itoa(dpi), "-png", "-f", num, "-l", num, "-singlefile", src, prefix)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ocr.NewProcessingError(ocr.ReasonMalformedInput,
				fmt.Errorf("rasterize page %d: %w: %s", n, err, truncate(string(errb), 512)))
		}

		path, err := p.prepare(prefix+".png", opts)
		if err != nil {
			return nil, err
		}
		page, err := fn(ctx, n, path)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
		_ = os.Remove(prefix + ".png")

		opts.Report(n, total)
	}

	return pages, nil
}

func (p pager) prepare(path string, opts ocr.Options) (string, error) {
	if !opts.Preprocess {
		return path, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read raster: %w", err)
	}
	out, err := preprocess.Image(data, preprocess.Options{MinWidth: p.minWidth, Binarize: true})
	if err != nil {
		return "", ocr.NewProcessingError(ocr.ReasonMalformedInput, err)
	}

	prepared := path + ".prep.png"
	if err := os.WriteFile(prepared, out, 0o600); err != nil {
		return "", fmt.Errorf("write preprocessed raster: %w", err)
	}
	return prepared, nil
}

func inputExt(format ocr.Format, filename string) string {
	if format == ocr.FormatPDF {
		return ".pdf"
	}
	if ext := filepath.Ext(filename); ext != "" {
		return ext
	}
	return ".img"
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return errors.Join(cerr, err)
	}
	return err
}
