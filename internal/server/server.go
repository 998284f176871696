// Package server exposes the transcription service over an OpenAI-compatible
// HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/go-pocket-stt/internal/audio"
	"github.com/example/go-pocket-stt/internal/config"
	"github.com/example/go-pocket-stt/internal/decode"
	"github.com/example/go-pocket-stt/internal/transcribe"
	"github.com/example/go-pocket-stt/internal/whisper"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Transcriber is the handler's view of the transcription service.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, opts decode.Options, onProgress transcribe.ProgressFunc) (*transcribe.Result, error)
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxAudioBytes  int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	defaults       decode.Options
}

func defaultOptions() options {
	return options{
		maxAudioBytes:  64 << 20,
		workers:        2,
		requestTimeout: 300 * time.Second,
		logger:         slog.Default(),
		defaults:       decode.DefaultOptions(),
	}
}

type Option func(*options)

func WithMaxAudioBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAudioBytes = n
		}
	}
}

func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDecodingDefaults sets the per-request option baseline.
func WithDecodingDefaults(d decode.Options) Option {
	return func(o *options) { o.defaults = d }
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

type handler struct {
	svc  Transcriber
	opts options
	sem  chan struct{}
}

// NewHandler builds the HTTP handler for a transcription service.
func NewHandler(svc Transcriber, optFns ...Option) http.Handler {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}

	h := &handler{
		svc:  svc,
		opts: o,
		sem:  make(chan struct{}, o.workers),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/audio/transcriptions", h.handleTranscriptions)
	mux.HandleFunc("POST /v1/audio/translations", h.handleTranslations)

	return mux
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	h.handleAudio(w, r, decode.TaskTranscribe)
}

func (h *handler) handleTranslations(w http.ResponseWriter, r *http.Request) {
	h.handleAudio(w, r, decode.TaskTranslate)
}

func (h *handler) handleAudio(w http.ResponseWriter, r *http.Request, task decode.Task) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	if !h.acquireWorker(ctx, w) {
		return
	}
	defer func() { <-h.sem }()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.opts.maxAudioBytes))

	if err := r.ParseMultipartForm(int64(h.opts.maxAudioBytes)); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse multipart form: %v", err))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read upload: %v", err))
		return
	}

	samples, err := audio.DecodeWAV(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode audio: %v", err))
		return
	}

	opts := h.opts.defaults
	opts.Task = task

	if lang := r.FormValue("language"); lang != "" {
		opts.Language = lang
	}

	if t := r.FormValue("temperature"); t != "" {
		if v, err := strconv.ParseFloat(t, 64); err == nil && v >= 0 {
			opts.Temperature = v
		}
	}

	if granularities := r.Form["timestamp_granularities[]"]; len(granularities) > 0 {
		for _, g := range granularities {
			if g == "word" {
				opts.WordTimestamps = true
			}
		}
	}

	format := transcribe.OutputFormat(r.FormValue("response_format"))
	if format == "" {
		format = transcribe.FormatJSON
	}

	stream, _ := strconv.ParseBool(r.FormValue("stream"))
	if stream {
		h.streamTranscription(ctx, w, samples, opts)
		return
	}

	result, err := h.svc.Transcribe(ctx, samples, opts, nil)
	if err != nil {
		writeTranscribeError(w, err)
		return
	}

	switch format {
	case transcribe.FormatText:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_ = result.WriteTo(w, transcribe.FormatText)
	case transcribe.FormatVerboseJSON:
		w.Header().Set("Content-Type", "application/json")
		_ = result.WriteTo(w, transcribe.FormatVerboseJSON)
	case transcribe.FormatJSON:
		writeJSON(w, http.StatusOK, map[string]string{"text": strings.TrimSpace(result.Text)})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported response_format %q", format))
	}
}

// streamTranscription delivers progress over server-sent events:
// transcript.text.delta events carry the cumulative window text (monotonic
// prefixes within one window), transcript.text.done carries the final text.
func (h *handler) streamTranscription(ctx context.Context, w http.ResponseWriter, samples []float32, opts decode.Options) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sendEvent := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}

		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	onProgress := func(p transcribe.Progress) bool {
		sendEvent("transcript.text.delta", map[string]any{"text": p.WindowText})
		return ctx.Err() == nil
	}

	result, err := h.svc.Transcribe(ctx, samples, opts, onProgress)
	if err != nil {
		sendEvent("error", map[string]string{"message": err.Error()})
		return
	}

	sendEvent("transcript.text.done", map[string]any{
		"text":     strings.TrimSpace(result.Text),
		"language": result.Language,
	})
}

func (h *handler) acquireWorker(ctx context.Context, w http.ResponseWriter) bool {
	select {
	case h.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		writeError(w, http.StatusServiceUnavailable, "server busy")
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "err", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}

func writeTranscribeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	case errors.Is(err, whisper.ErrModelUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, audio.ErrAudioProcessingFailed):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ---------------------------------------------------------------------------
// Server lifecycle
// ---------------------------------------------------------------------------

type Server struct {
	cfg config.Config
	svc Transcriber

	shutdownTimeout time.Duration
}

func New(cfg config.Config, svc Transcriber) *Server {
	return &Server{
		cfg:             cfg,
		svc:             svc,
		shutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
	}
}

func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Start serves until ctx is cancelled, then drains gracefully.
func (s *Server) Start(ctx context.Context) error {
	handler := NewHandler(
		s.svc,
		WithMaxAudioBytes(s.cfg.Server.MaxAudioBytes),
		WithWorkers(s.cfg.Server.Workers),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
		WithDecodingDefaults(s.cfg.STT.DecodingOptions()),
	)

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}

		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return <-errCh
}
