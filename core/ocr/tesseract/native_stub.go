//go:build !gosseract

package tesseract

import "github.com/you-humble/dococr/core/ocr"

func NewNative(name string, cfg Config) (ocr.Engine, error) {
	return nil, ErrNativeUnsupported
}
