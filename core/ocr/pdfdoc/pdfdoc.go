// Package pdfdoc inspects PDF files before rasterization.
package pdfdoc

import (
	"fmt"

	"github.com/you-humble/dococr/core/ocr"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func relaxed() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// PageCount validates the file at path and returns its page count. Broken or
// empty documents are reported as malformed input.
func PageCount(path string) (int, error) {
	if err := api.ValidateFile(path, relaxed()); err != nil {
		return 0, ocr.NewProcessingError(ocr.ReasonMalformedInput, fmt.Errorf("validate pdf: %w", err))
	}

	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, ocr.NewProcessingError(ocr.ReasonMalformedInput, fmt.Errorf("count pages: %w", err))
	}
	if n <= 0 {
		return 0, ocr.NewProcessingError(ocr.ReasonMalformedInput, fmt.Errorf("pdf has no pages"))
	}
	return n, nil
}
