package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/example/go-pocket-stt/internal/audio"
	"github.com/example/go-pocket-stt/internal/mel"
	"github.com/example/go-pocket-stt/internal/tokenizer"
	"github.com/example/go-pocket-stt/internal/transcribe"
	"github.com/example/go-pocket-stt/internal/whisper"
)

// Exit codes: 0 success, 1 usage, 2 model unavailable, 3 audio error,
// 4 transcription error.
const (
	exitOK = iota
	exitUsage
	exitModelUnavailable
	exitAudioError
	exitTranscriptionError
)

func main() {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, whisper.ErrModelUnavailable), errors.Is(err, tokenizer.ErrTokenizerUnavailable):
		return exitModelUnavailable
	case errors.Is(err, audio.ErrAudioProcessingFailed), errors.Is(err, mel.ErrFeatureExtractionFailed):
		return exitAudioError
	case errors.Is(err, transcribe.ErrTranscriptionFailed),
		errors.Is(err, transcribe.ErrEncoderFailed),
		errors.Is(err, transcribe.ErrDecodingLogitsFailed),
		errors.Is(err, transcribe.ErrPrepareDecoderInputsFailed),
		errors.Is(err, context.Canceled):
		return exitTranscriptionError
	default:
		return exitUsage
	}
}
