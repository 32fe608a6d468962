package app

import (
	"fmt"

	"github.com/you-humble/dococr/api/internal/infra/config"
	"github.com/you-humble/dococr/core/ocr"
	"github.com/you-humble/dococr/core/ocr/rpc"
	"github.com/you-humble/dococr/core/ocr/tesseract"

	"google.golang.org/grpc"
)

const defaultMaxMessageSize = 64 << 20

// newEngine builds the adapter for one configured engine. Connections it
// opens are returned so the caller can close them on shutdown.
func newEngine(e config.Engine, ocrCfg config.OCR) (ocr.Engine, *grpc.ClientConn, error) {
	switch e.Kind {
	case config.EngineTesseract:
		return tesseract.New(e.Name, tesseractConfig(e, ocrCfg)), nil, nil

	case config.EngineTesseractNative:
		eng, err := tesseract.NewNative(e.Name, tesseractConfig(e, ocrCfg))
		if err != nil {
			return nil, nil, err
		}
		return eng, nil, nil

	case config.EngineRemote:
		size := e.MaxMessageSize
		if size <= 0 {
			size = defaultMaxMessageSize
		}
		conn, err := rpc.Dial(e.Addr, size)
		if err != nil {
			return nil, nil, err
		}
		return rpc.NewClient(e.Name, conn), conn, nil

	default:
		return nil, nil, fmt.Errorf("unknown engine kind %q", e.Kind)
	}
}

func tesseractConfig(e config.Engine, ocrCfg config.OCR) tesseract.Config {
	return tesseract.Config{
		Tesseract:   e.TesseractPath,
		Pdftoppm:    e.PdftoppmPath,
		Languages:   ocrCfg.Languages,
		PSM:         e.PSM,
		OEM:         e.OEM,
		TessdataDir: e.TessdataDir,
		WorkDir:     e.WorkDir,
	}
}
