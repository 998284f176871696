package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/go-pocket-stt/internal/decode"
	"github.com/example/go-pocket-stt/internal/mel"
	"github.com/example/go-pocket-stt/internal/runtime/tensor"
	"github.com/example/go-pocket-stt/internal/segment"
	"github.com/example/go-pocket-stt/internal/tokenizer"
)

// Service drives the full transcription pipeline over a set of backend
// components. The components are read-only and shared; every transcription
// call owns its own accumulators and decoding state.
type Service struct {
	fe      FeatureExtractor
	enc     Encoder
	dec     Decoder
	tok     tokenizer.Tokenizer
	chunker Chunker

	registry  *EarlyStopRegistry
	idCounter atomic.Uint64
}

// NewService assembles a transcription service. chunker may be nil when the
// vad chunking strategy is not used.
func NewService(fe FeatureExtractor, enc Encoder, dec Decoder, tok tokenizer.Tokenizer, chunker Chunker) (*Service, error) {
	if fe == nil || enc == nil || dec == nil || tok == nil {
		return nil, errors.New("transcribe: service requires feature extractor, encoder, decoder, and tokenizer")
	}

	return &Service{
		fe:       fe,
		enc:      enc,
		dec:      dec,
		tok:      tok,
		chunker:  chunker,
		registry: NewEarlyStopRegistry(),
	}, nil
}

// Registry exposes the early-stop flags; Progress carries the transcription
// ID to stop by.
func (s *Service) Registry() *EarlyStopRegistry {
	return s.registry
}

// Close releases the chunker, if any.
func (s *Service) Close() {
	if s.chunker != nil {
		_ = s.chunker.Close()
	}
}

// Transcribe converts 16 kHz mono PCM into a time-aligned transcription.
// onProgress may be nil.
func (s *Service) Transcribe(ctx context.Context, samples []float32, opts decode.Options, onProgress ProgressFunc) (*Result, error) {
	started := time.Now()

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: empty audio", ErrTranscriptionFailed)
	}

	id := fmt.Sprintf("t%d", s.idCounter.Add(1))
	defer s.registry.Clear(id)

	clips, err := resolveClips(samples, opts, s.chunker)
	if err != nil {
		return nil, err
	}

	language := opts.Language

	var languageProbs map[string]float64

	if language == decode.LanguageAuto || language == "" {
		detectWindow := windowAt(samples, clips[0], clips[0].startSample)

		language, languageProbs, err = s.detectLanguageWindow(ctx, detectWindow)
		if err != nil {
			return nil, err
		}

		slog.Debug("detected language", "language", language, "id", id)
	} else if !tokenizer.IsSupportedLanguage(language) {
		return nil, fmt.Errorf("%w: unsupported language %q", ErrTranscriptionFailed, language)
	}

	if opts.DetectLanguageOnly {
		total := time.Since(started)

		return &Result{
			Language:      language,
			LanguageProbs: languageProbs,
			Timings:       Timings{Total: total},
		}, nil
	}

	clipResults, err := s.runClips(ctx, samples, clips, opts, language, id, onProgress)
	if err != nil {
		return nil, err
	}

	var segments []segment.Segment
	var timings Timings
	finalSeek := 0

	for _, cr := range clipResults {
		segments = append(segments, cr.segments...)
		timings.FeatureExtraction += cr.timings.FeatureExtraction
		timings.Encode += cr.timings.Encode
		timings.Decode += cr.timings.Decode
		timings.WordAlignment += cr.timings.WordAlignment
		timings.Windows += cr.timings.Windows
		timings.FallbackRuns += cr.timings.FallbackRuns
		timings.DecodedTokens += cr.timings.DecodedTokens

		if cr.finalSeek > finalSeek {
			finalSeek = cr.finalSeek
		}
	}

	for i := range segments {
		segments[i].ID = i
	}

	timings.Total = time.Since(started)

	audioSeconds := float64(len(samples)) / float64(mel.SampleRate)
	if audioSeconds > 0 {
		timings.RealTimeFactor = timings.Total.Seconds() / audioSeconds
	}

	result := &Result{
		Text:          joinSegmentText(segments),
		Segments:      segments,
		Language:      language,
		LanguageProbs: languageProbs,
		Timings:       timings,
		SeekTime:      float64(finalSeek) / float64(mel.SampleRate),
	}

	slog.Info("transcription complete",
		"id", id,
		"segments", len(segments),
		"windows", timings.Windows,
		"tokens", timings.DecodedTokens,
		"rtf", fmt.Sprintf("%.3f", timings.RealTimeFactor),
	)

	return result, nil
}

// DetectLanguage runs only the language-detection step on the first window.
func (s *Service) DetectLanguage(ctx context.Context, samples []float32) (string, map[string]float64, error) {
	if len(samples) == 0 {
		return "", nil, fmt.Errorf("%w: empty audio", ErrTranscriptionFailed)
	}

	window := windowAt(samples, clip{startSample: 0, endSample: len(samples)}, 0)

	return s.detectLanguageWindow(ctx, window)
}

type clipResult struct {
	index     int
	segments  []segment.Segment
	timings   Timings
	finalSeek int
}

// runClips processes clips sequentially, or in parallel when the options ask
// for more than one worker. Windows inside one clip are always sequential
// because each window's prompt carries the previous window's text.
func (s *Service) runClips(ctx context.Context, samples []float32, clips []clip, opts decode.Options, language, id string, onProgress ProgressFunc) ([]clipResult, error) {
	workerCount := opts.ConcurrentWorkerCount
	if workerCount <= 1 || len(clips) == 1 {
		out := make([]clipResult, 0, len(clips))

		for i, c := range clips {
			cr, err := s.runClip(ctx, samples, c, i, opts, language, id, onProgress)
			if err != nil {
				return nil, err
			}

			out = append(out, cr)
		}

		return out, nil
	}

	sem := make(chan struct{}, workerCount)
	results := make([]clipResult, len(clips))
	errs := make([]error, len(clips))

	var wg sync.WaitGroup

	for i, c := range clips {
		wg.Add(1)

		go func(i int, c clip) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[i], errs[i] = s.runClip(ctx, samples, c, i, opts, language, id, onProgress)
		}(i, c)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}

// runClip walks one clip window by window.
func (s *Service) runClip(ctx context.Context, samples []float32, c clip, clipIndex int, opts decode.Options, language, id string, onProgress ProgressFunc) (clipResult, error) {
	cr := clipResult{index: clipIndex}

	seek := c.startSample

	var prevTokens []int

	for seek < c.endSample {
		if err := ctx.Err(); err != nil {
			return clipResult{}, err
		}

		if s.registry.Stopped(id) {
			break
		}

		window := windowAt(samples, c, seek)
		windowSamples := min(mel.WindowSamples, c.endSample-seek)

		result, alignment, err := s.decodeWindow(ctx, window, seek, language, prevTokens, opts, id, onProgress, &cr.timings)
		if err != nil {
			// A window that fails outright becomes an empty span; the
			// transcription continues with the next window.
			slog.Error("window decode failed", "id", id, "seek", seek, "err", err.Error())

			cr.segments = append(cr.segments, segment.Segment{
				SeekSamples: seek,
				Start:       float64(seek) / float64(mel.SampleRate),
				End:         float64(seek+windowSamples) / float64(mel.SampleRate),
			})
			seek += mel.WindowSamples
			cr.timings.Windows++

			continue
		}

		seekResult, err := segment.FindSeekAndSegments(
			result, opts, seek, mel.WindowSamples, mel.SampleRate,
			len(cr.segments), s.tok.Specials(), s.tok,
		)
		if err != nil {
			return clipResult{}, err
		}

		if opts.WordTimestamps && len(seekResult.Segments) > 0 {
			alignStart := time.Now()

			err = segment.AddWordTimestamps(
				seekResult.Segments, alignment, result.Tokens, result.TokenLogprobs,
				s.tok.Specials(), s.tok, language,
				segment.DefaultPrependPunctuation, segment.DefaultAppendPunctuation,
				float64(seek)/float64(mel.SampleRate),
			)
			if err != nil {
				return clipResult{}, err
			}

			cr.timings.WordAlignment += time.Since(alignStart)
		}

		cr.segments = append(cr.segments, seekResult.Segments...)
		cr.timings.Windows++

		if len(seekResult.Segments) > 0 {
			prevTokens = appendTextTokens(prevTokens, result.Tokens, s.tok.Specials())
		}

		if seekResult.SeekSamples <= seek {
			return clipResult{}, fmt.Errorf("%w: seek did not advance at %d", ErrTranscriptionFailed, seek)
		}

		seek = seekResult.SeekSamples
	}

	cr.finalSeek = min(seek, c.endSample)

	return cr, nil
}

// decodeWindow runs the full decode loop with temperature fallback for one
// window and returns the accepted result plus alignment rows.
func (s *Service) decodeWindow(
	ctx context.Context,
	window []float32,
	seek int,
	language string,
	prevTokens []int,
	opts decode.Options,
	id string,
	onProgress ProgressFunc,
	timings *Timings,
) (decode.Result, [][]float32, error) {
	spec := s.tok.Specials()

	feStart := time.Now()

	melSpec, err := s.fe.LogMelSpectrogram(window)
	if err != nil {
		return decode.Result{}, nil, err
	}

	timings.FeatureExtraction += time.Since(feStart)

	encStart := time.Now()

	emb, err := s.enc.Encode(ctx, melSpec)
	if err != nil {
		return decode.Result{}, nil, err
	}

	timings.Encode += time.Since(encStart)

	run, err := s.dec.NewRun(emb, opts.WordTimestamps)
	if err != nil {
		return decode.Result{}, nil, err
	}
	defer run.Close()

	langTok, err := s.tok.LanguageToken(language)
	if err != nil {
		langTok, _ = s.tok.LanguageToken("en")
	}

	maxCtx := s.dec.MaxContext()

	prompt, sotIndex, err := buildPrompt(spec, langTok, opts, prevTokens, maxCtx)
	if err != nil {
		return decode.Result{}, nil, err
	}

	filters := s.buildFilters(spec, opts, len(prompt))

	maxTotal := maxCtx - 1
	if opts.SampleLength > 0 {
		maxTotal = min(maxTotal, len(prompt)+opts.SampleLength)
	}

	decodeStart := time.Now()
	defer func() { timings.Decode += time.Since(decodeStart) }()

	var accepted decode.Result
	var acceptedAlignment [][]float32
	fallbackReason := ""

	attempts := opts.TemperatureFallbackCount + 1
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return decode.Result{}, nil, err
		}

		temperature := opts.Temperature + float64(attempt)*opts.TemperatureFallbackStep

		if attempt > 0 {
			run.Reset()
			timings.FallbackRuns++
			slog.Debug("temperature fallback", "id", id, "seek", seek, "attempt", attempt, "temperature", temperature, "reason", fallbackReason)
		}

		result, alignment, err := s.decodeAttempt(ctx, run, prompt, sotIndex, filters, temperature, maxTotal, opts, id, onProgress, timings)
		if err != nil {
			return decode.Result{}, nil, err
		}

		result.Temperature = temperature
		result.FallbackReason = fallbackReason

		// A silent window is skipped, not retried.
		silent := opts.NoSpeechThreshold != nil && result.NoSpeechProb > *opts.NoSpeechThreshold &&
			(opts.LogprobThreshold == nil || result.AvgLogprob <= *opts.LogprobThreshold)
		if silent {
			return result, alignment, nil
		}

		reason := fallbackTrigger(result, opts)
		if reason == "" || attempt == attempts-1 {
			accepted = result
			acceptedAlignment = alignment

			break
		}

		fallbackReason = reason
	}

	return accepted, acceptedAlignment, nil
}

// decodeAttempt runs prefill plus the sampling loop once at one temperature.
func (s *Service) decodeAttempt(
	ctx context.Context,
	run DecoderRun,
	prompt []int,
	sotIndex int,
	filters decode.FilterStack,
	temperature float64,
	maxTotal int,
	opts decode.Options,
	id string,
	onProgress ProgressFunc,
	timings *Timings,
) (decode.Result, [][]float32, error) {
	spec := s.tok.Specials()

	// Seed from the temperature so fallback attempts draw fresh samples while
	// a rerun with identical inputs stays reproducible.
	rng := rand.New(rand.NewSource(int64(math.Float64bits(temperature)) ^ int64(len(prompt))))

	sampler, err := decode.NewSampler(temperature, opts.TopK, spec.EndOfText, s.dec.MaxContext(), rng)
	if err != nil {
		return decode.Result{}, nil, err
	}

	logits, sotLogits, err := run.Prefill(prompt, sotIndex)
	if err != nil {
		return decode.Result{}, nil, err
	}

	noSpeechProb := 0.0
	if len(sotLogits) > spec.NoSpeech {
		probs := append([]float32(nil), sotLogits...)
		tensor.SoftmaxRow(probs)
		noSpeechProb = float64(probs[spec.NoSpeech])
	}

	tokens := append([]int(nil), prompt...)

	var logprobs []float32

	for len(tokens) < maxTotal {
		if err := ctx.Err(); err != nil {
			return decode.Result{}, nil, err
		}

		filters.Filter(logits, tokens)

		sr, err := sampler.Update(tokens, logits, logprobs)
		if err != nil {
			return decode.Result{}, nil, err
		}

		tokens = sr.Tokens
		logprobs = sr.Logprobs
		timings.DecodedTokens++

		if onProgress != nil {
			sampled := tokens[len(prompt):]
			cont := onProgress(Progress{
				TranscriptionID:  id,
				WindowText:       s.tok.Decode(sampled, true),
				Tokens:           append([]int(nil), sampled...),
				AvgLogprob:       meanLogprob(logprobs),
				CompressionRatio: decode.CompressionRatio([]byte(s.tok.Decode(sampled, true))),
				Timings:          *timings,
			})
			if !cont {
				break
			}
		}

		if s.registry.Stopped(id) {
			break
		}

		if sr.Completed {
			break
		}

		logits, err = run.Step(tokens[len(tokens)-1])
		if err != nil {
			return decode.Result{}, nil, err
		}
	}

	final := sampler.Finalize(tokens, logprobs)
	tokens = final.Tokens
	logprobs = final.Logprobs

	sampled := tokens[len(prompt):]
	text := s.tok.Decode(sampled, true)

	return decode.Result{
		Tokens:           sampled,
		TokenLogprobs:    logprobs,
		Text:             text,
		AvgLogprob:       meanLogprob(logprobs),
		NoSpeechProb:     noSpeechProb,
		CompressionRatio: decode.CompressionRatio([]byte(text)),
	}, run.Alignment(), nil
}

// detectLanguageWindow runs one decoder step with only language tokens
// admissible and returns the winner plus the full distribution.
func (s *Service) detectLanguageWindow(ctx context.Context, window []float32) (string, map[string]float64, error) {
	spec := s.tok.Specials()

	melSpec, err := s.fe.LogMelSpectrogram(window)
	if err != nil {
		return "", nil, err
	}

	emb, err := s.enc.Encode(ctx, melSpec)
	if err != nil {
		return "", nil, err
	}

	run, err := s.dec.NewRun(emb, false)
	if err != nil {
		return "", nil, err
	}
	defer run.Close()

	logits, _, err := run.Prefill([]int{spec.StartOfTranscript}, -1)
	if err != nil {
		return "", nil, err
	}

	allowed := make([]int, 0, len(tokenizer.LanguageCodes()))

	for _, code := range tokenizer.LanguageCodes() {
		tok, err := s.tok.LanguageToken(code)
		if err != nil {
			continue
		}

		if tok < len(logits) {
			allowed = append(allowed, tok)
		}
	}

	decode.LanguageOnly{Allowed: allowed}.Filter(logits, nil)
	tensor.SoftmaxRow(logits)

	probs := make(map[string]float64, len(allowed))
	best := ""
	bestProb := math.Inf(-1)

	for _, tok := range allowed {
		code, err := s.tok.LanguageCode(tok)
		if err != nil {
			continue
		}

		p := float64(logits[tok])
		probs[code] = p

		if p > bestProb {
			bestProb = p
			best = code
		}
	}

	if best == "" {
		return "", nil, fmt.Errorf("%w: language detection produced no candidates", ErrTranscriptionFailed)
	}

	return best, probs, nil
}

// buildFilters assembles the logits filter stack in its fixed order.
func (s *Service) buildFilters(spec tokenizer.Specials, opts decode.Options, sampleBegin int) decode.FilterStack {
	var stack decode.FilterStack

	if opts.SuppressBlank {
		stack = append(stack, decode.SuppressBlank{
			WhitespaceToken: spec.WhitespaceToken,
			EndOfText:       spec.EndOfText,
			SampleBegin:     sampleBegin,
		})
	}

	if len(opts.SuppressTokens) > 0 {
		stack = append(stack, decode.SuppressTokens{Tokens: opts.SuppressTokens})
	}

	if !opts.WithoutTimestamps {
		maxInitial := 0
		if opts.MaxInitialTimestamp > 0 {
			maxInitial = int(opts.MaxInitialTimestamp / tokenizer.SecondsPerTimestampToken)
		}

		stack = append(stack, &decode.TimestampRules{
			Specials:                 spec,
			SampleBegin:              sampleBegin,
			MaxInitialTimestampIndex: maxInitial,
		})
	}

	return stack
}

// buildPrompt assembles the initial token sequence: carried previous text,
// transcript start, language, task, and the optional timestamp suppressor
// and forced prefix.
func buildPrompt(spec tokenizer.Specials, langTok int, opts decode.Options, prevTokens []int, maxCtx int) ([]int, int, error) {
	var prompt []int

	prev := opts.PromptTokens
	if len(prev) == 0 {
		prev = prevTokens
	}

	if len(prev) > 0 {
		keep := maxCtx/2 - 1
		if keep < 0 {
			keep = 0
		}

		if len(prev) > keep {
			prev = prev[len(prev)-keep:]
		}

		if len(prev) > 0 {
			prompt = append(prompt, spec.StartOfPrev)
			prompt = append(prompt, prev...)
		}
	}

	sotIndex := len(prompt)

	prompt = append(prompt, spec.StartOfTranscript, langTok)

	switch opts.Task {
	case decode.TaskTranslate:
		prompt = append(prompt, spec.Translate)
	default:
		prompt = append(prompt, spec.Transcribe)
	}

	if opts.WithoutTimestamps {
		prompt = append(prompt, spec.NoTimestamps)
	}

	prompt = append(prompt, opts.PrefixTokens...)

	if len(prompt) >= maxCtx {
		return nil, 0, fmt.Errorf("%w: prompt length %d exceeds decoder context %d", ErrPrepareDecoderInputsFailed, len(prompt), maxCtx)
	}

	return prompt, sotIndex, nil
}

// fallbackTrigger returns the reason a window result must be retried, or ""
// to accept it.
func fallbackTrigger(result decode.Result, opts decode.Options) string {
	if opts.CompressionRatioThreshold != nil && result.CompressionRatio > *opts.CompressionRatioThreshold {
		return "compression_ratio"
	}

	if opts.LogprobThreshold != nil && result.AvgLogprob < *opts.LogprobThreshold {
		return "avg_logprob"
	}

	if opts.FirstTokenLogprobThreshold != nil && len(result.TokenLogprobs) > 0 &&
		float64(result.TokenLogprobs[0]) < *opts.FirstTokenLogprobThreshold {
		return "first_token_logprob"
	}

	return ""
}

// appendTextTokens carries a window's text tokens forward as prompt context.
func appendTextTokens(prev []int, sampled []int, spec tokenizer.Specials) []int {
	for _, t := range sampled {
		if t < spec.SpecialBegin {
			prev = append(prev, t)
		}
	}

	return prev
}

func meanLogprob(logprobs []float32) float64 {
	if len(logprobs) == 0 {
		return 0
	}

	var sum float64
	for _, lp := range logprobs {
		sum += float64(lp)
	}

	return sum / float64(len(logprobs))
}
