package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/example/go-pocket-stt/internal/config"
	"github.com/example/go-pocket-stt/internal/decode"
	"github.com/example/go-pocket-stt/internal/mel"
	"github.com/example/go-pocket-stt/internal/model"
	"github.com/example/go-pocket-stt/internal/onnx"
	"github.com/example/go-pocket-stt/internal/runtime/ops"
	"github.com/example/go-pocket-stt/internal/tokenizer"
	"github.com/example/go-pocket-stt/internal/transcribe"
	"github.com/example/go-pocket-stt/internal/whisper"
)

// buildService assembles the transcription service for the configured
// backend. The returned cleanup releases backend resources.
func buildService(cfg config.Config) (*transcribe.Service, func(), error) {
	layout, err := model.Resolve(cfg.Paths.ModelDir)
	if err != nil {
		return nil, nil, err
	}

	tok, err := tokenizer.Load(layout.Dir)
	if err != nil {
		return nil, nil, err
	}

	modelCfg, err := layout.Config()
	if err != nil {
		return nil, nil, err
	}

	fe, err := mel.NewExtractor(modelCfg.NMels)
	if err != nil {
		return nil, nil, err
	}

	backend, err := config.NormalizeBackend(cfg.Runtime.Backend)
	if err != nil {
		return nil, nil, err
	}

	var enc transcribe.Encoder
	var dec transcribe.Decoder

	cleanup := func() {}

	switch backend {
	case config.BackendNative:
		if w := cfg.Runtime.Workers; w > 1 {
			ops.SetWorkers(w)
			slog.Info("kernel parallelism enabled", "workers", w)
		}

		m, err := whisper.LoadModel(layout.Dir)
		if err != nil {
			return nil, nil, err
		}

		slog.Info("loaded native model", "dir", layout.Dir, "mels", modelCfg.NMels, "layers", modelCfg.NTextLayer)

		enc = transcribe.NewNativeEncoder(m.Encoder)
		dec = transcribe.NewNativeDecoder(m.Decoder)
	case config.BackendONNX:
		engine, err := onnx.NewEngine(cfg.Paths.ONNXManifest, onnx.EngineConfig{
			LibraryPath: cfg.Runtime.ORTLibraryPath,
			APIVersion:  23,
		}, modelCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("init onnx engine: %w", err)
		}

		enc = engine.Encoder()
		dec = engine.Decoder()
		cleanup = engine.Close
	default:
		return nil, nil, fmt.Errorf("unsupported backend %q", backend)
	}

	var chunker transcribe.Chunker

	if cfg.STT.ChunkingStrategy == string(decode.ChunkingVAD) {
		if _, err := os.Stat(cfg.Paths.VADModel); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("vad chunking requires the Silero model: %w", err)
		}

		chunker, err = transcribe.NewSileroChunker(transcribe.SileroConfig{ModelPath: cfg.Paths.VADModel})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	svc, err := transcribe.NewService(fe, enc, dec, tok, chunker)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	closeAll := func() {
		svc.Close()
		cleanup()
	}

	return svc, closeAll, nil
}
