package wapp

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/you-humble/dococr/core/ocr"
	"github.com/you-humble/dococr/core/ocr/tesseract"
	"github.com/you-humble/dococr/ocrworker/internal/infra/config"
)

const cfgPath = "./ocrworker/configs/local.yaml"

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	engine ocr.Engine
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		var level slog.Level
		if err := level.UnmarshalText([]byte(di.Config().LogLevel)); err != nil {
			level = slog.LevelInfo
		}

		di.logger = slog.New(slog.NewTextHandler(
			os.Stdout,
			&slog.HandlerOptions{
				Level: level,
			},
		))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) Engine(ctx context.Context) ocr.Engine {
	if di.engine == nil {
		e := di.Config().Engine
		cfg := tesseract.Config{
			Tesseract:   e.TesseractPath,
			Pdftoppm:    e.PdftoppmPath,
			Languages:   e.Languages,
			PSM:         e.PSM,
			OEM:         e.OEM,
			TessdataDir: e.TessdataDir,
			WorkDir:     e.WorkDir,
		}

		switch e.Kind {
		case config.KindTesseractNative:
			eng, err := tesseract.NewNative(e.Name, cfg)
			if err != nil {
				log.Fatalf("Engine %s: %+v", e.Name, err)
			}
			di.engine = eng
		default:
			di.engine = tesseract.New(e.Name, cfg, tesseract.WithLogger(di.Logger()))
		}

		if version, err := di.engine.Probe(ctx); err != nil {
			di.Logger().Warn("engine probe failed",
				slog.String("engine", e.Name),
				slog.String("error", err.Error()),
			)
		} else {
			di.Logger().Info("engine ready",
				slog.String("engine", e.Name),
				slog.String("version", version),
			)
		}
	}

	return di.engine
}
