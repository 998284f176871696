package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/go-pocket-stt/internal/runtime/tensor"
	"github.com/example/go-pocket-stt/internal/transcribe"
	"github.com/example/go-pocket-stt/internal/whisper"
)

// The engine drives exactly two exported graphs. Unlike a generic graph
// registry, the manifest is validated against this fixed contract up front:
//
//   - "encoder": mel [1, n_mels, frames] -> audio_embedding [1, n_audio_ctx,
//     n_text_state].
//   - "decoder_step": stateless decoding step. The self-attention cache
//     crosses the boundary as an input/output pair ("kv_cache" /
//     "kv_cache_out", shaped [2*n_text_layer, max_ctx, n_text_state]) with
//     the current length in "offset"; "tokens" [1, T] produce "logits"
//     [1, T, n_vocab].
//
// Cross-attention capture is not exposed by the graphs, so word alignment is
// unavailable on this backend.
const (
	graphEncoder     = "encoder"
	graphDecoderStep = "decoder_step"
)

// graphIO names the nodes each graph must declare (when the manifest lists
// them at all; manifests without node metadata are accepted as-is).
var graphIO = map[string]struct {
	inputs  []string
	outputs []string
}{
	graphEncoder:     {inputs: []string{"mel"}, outputs: []string{"audio_embedding"}},
	graphDecoderStep: {inputs: []string{"tokens", "audio_embedding", "kv_cache", "offset"}, outputs: []string{"logits", "kv_cache_out"}},
}

// EngineConfig holds the ORT library settings.
type EngineConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// NodeInfo describes one declared graph input or output in the manifest.
type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

type manifestGraph struct {
	Name     string     `json:"name"`
	Filename string     `json:"filename"`
	Inputs   []NodeInfo `json:"inputs"`
	Outputs  []NodeInfo `json:"outputs"`
}

type graphManifest struct {
	Graphs []manifestGraph `json:"graphs"`
}

// loadManifest reads the manifest and resolves the encoder and decoder_step
// graph files, validating their declared nodes against the engine contract.
func loadManifest(manifestPath string) (map[string]string, error) {
	if manifestPath == "" {
		return nil, fmt.Errorf("onnx: manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: read manifest: %w", err)
	}

	var m graphManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("onnx: decode manifest: %w", err)
	}

	baseDir := filepath.Dir(manifestPath)
	paths := make(map[string]string, len(graphIO))

	for _, g := range m.Graphs {
		want, needed := graphIO[g.Name]
		if !needed {
			slog.Debug("ignoring manifest graph", "name", g.Name)
			continue
		}

		if _, dup := paths[g.Name]; dup {
			return nil, fmt.Errorf("onnx: duplicate graph %q in manifest", g.Name)
		}

		if g.Filename == "" {
			return nil, fmt.Errorf("onnx: graph %q has empty filename", g.Name)
		}

		if err := checkDeclaredNodes(g.Name, "input", g.Inputs, want.inputs); err != nil {
			return nil, err
		}

		if err := checkDeclaredNodes(g.Name, "output", g.Outputs, want.outputs); err != nil {
			return nil, err
		}

		path := g.Filename
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, g.Filename)
		}

		path = filepath.Clean(path)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("onnx: graph %q: %w", g.Name, err)
		}

		paths[g.Name] = path
	}

	for name := range graphIO {
		if _, ok := paths[name]; !ok {
			return nil, fmt.Errorf("onnx: manifest is missing graph %q", name)
		}
	}

	return paths, nil
}

// checkDeclaredNodes verifies that every node the engine feeds or reads is
// declared, when the manifest declares any at all.
func checkDeclaredNodes(graph, kind string, declared []NodeInfo, want []string) error {
	if len(declared) == 0 {
		return nil
	}

	names := make(map[string]bool, len(declared))
	for _, n := range declared {
		names[n.Name] = true
	}

	for _, w := range want {
		if !names[w] {
			return fmt.Errorf("onnx: graph %q does not declare %s %q", graph, kind, w)
		}
	}

	return nil
}

// Engine owns one ORT runtime and the encoder / decoder_step sessions, and
// adapts them to the transcription backend contracts. The runtime and
// environment are shared by both sessions.
type Engine struct {
	runtime *ort.Runtime
	env     *ort.Env

	encoderSess *ort.Session
	decoderSess *ort.Session

	cfg whisper.Config
}

// NewEngine loads the graph manifest and brings up both sessions.
func NewEngine(manifestPath string, ecfg EngineConfig, cfg whisper.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	paths, err := loadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	if ecfg.APIVersion == 0 {
		ecfg.APIVersion = 23
	}

	runtime, err := ort.NewRuntime(ecfg.LibraryPath, ecfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("onnx: ort runtime: %w", err)
	}

	env, err := runtime.NewEnv("pocketstt", ort.LoggingLevelWarning)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("onnx: ort env: %w", err)
	}

	e := &Engine{runtime: runtime, env: env, cfg: cfg}

	e.encoderSess, err = runtime.NewSession(env, paths[graphEncoder], nil)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("onnx: %s session (%s): %w", graphEncoder, paths[graphEncoder], err)
	}

	e.decoderSess, err = runtime.NewSession(env, paths[graphDecoderStep], nil)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("onnx: %s session (%s): %w", graphDecoderStep, paths[graphDecoderStep], err)
	}

	slog.Info("onnx engine ready",
		"encoder", paths[graphEncoder],
		"decoder_step", paths[graphDecoderStep],
	)

	return e, nil
}

// Close releases all ORT resources. Safe to call multiple times.
func (e *Engine) Close() {
	if e.encoderSess != nil {
		e.encoderSess.Close()
		e.encoderSess = nil
	}

	if e.decoderSess != nil {
		e.decoderSess.Close()
		e.decoderSess = nil
	}

	if e.env != nil {
		e.env.Close()
		e.env = nil
	}

	if e.runtime != nil {
		_ = e.runtime.Close()
		e.runtime = nil
	}
}

// runGraph executes one session with named inputs and returns the named
// outputs, converting tensors at the ORT boundary in both directions.
func (e *Engine) runGraph(ctx context.Context, sess *ort.Session, name string, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	if sess == nil {
		return nil, fmt.Errorf("onnx: session %q is closed", name)
	}

	ortInputs := make(map[string]*ort.Value, len(inputs))

	closeValues := func(vals map[string]*ort.Value) {
		for _, v := range vals {
			if v != nil {
				v.Close()
			}
		}
	}

	for inName, t := range inputs {
		var v *ort.Value
		var err error

		switch data := t.Data().(type) {
		case []float32:
			v, err = ort.NewTensorValue(e.runtime, data, t.Shape())
		case []int64:
			v, err = ort.NewTensorValue(e.runtime, data, t.Shape())
		default:
			err = fmt.Errorf("unsupported element type %T", data)
		}

		if err != nil {
			closeValues(ortInputs)
			return nil, fmt.Errorf("onnx: %s input %q: %w", name, inName, err)
		}

		ortInputs[inName] = v
	}

	defer closeValues(ortInputs)

	ortOutputs, err := sess.Run(ctx, ortInputs)
	if err != nil {
		return nil, fmt.Errorf("onnx: run %s: %w", name, err)
	}
	defer closeValues(ortOutputs)

	results := make(map[string]*Tensor, len(ortOutputs))

	for outName, v := range ortOutputs {
		t, err := valueToTensor(v)
		if err != nil {
			return nil, fmt.Errorf("onnx: %s output %q: %w", name, outName, err)
		}

		results[outName] = t
	}

	return results, nil
}

func valueToTensor(v *ort.Value) (*Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}

	switch elemType {
	case ort.ONNXTensorElementDataTypeFloat:
		data, shape, err := ort.GetTensorData[float32](v)
		if err != nil {
			return nil, err
		}

		return NewTensor(data, shape)
	case ort.ONNXTensorElementDataTypeInt64:
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}

		return NewTensor(data, shape)
	default:
		return nil, fmt.Errorf("unsupported ORT element type %d", elemType)
	}
}

// Encoder returns the backend encoder adapter.
func (e *Engine) Encoder() transcribe.Encoder {
	return &engineEncoder{e: e}
}

// Decoder returns the backend decoder adapter.
func (e *Engine) Decoder() transcribe.Decoder {
	return &engineDecoder{e: e}
}

type engineEncoder struct {
	e *Engine
}

func (enc *engineEncoder) Encode(ctx context.Context, mel *tensor.Tensor) (*tensor.Tensor, error) {
	cfg := enc.e.cfg

	shape := mel.Shape()
	if len(shape) != 2 || shape[0] != int64(cfg.NMels) {
		return nil, fmt.Errorf("%w: mel shape %v, want [%d, frames]", transcribe.ErrEncoderFailed, shape, cfg.NMels)
	}

	in, err := NewTensor(mel.RawData(), []int64{1, shape[0], shape[1]})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrEncoderFailed, err)
	}

	outputs, err := enc.e.runGraph(ctx, enc.e.encoderSess, graphEncoder, map[string]*Tensor{"mel": in})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrEncoderFailed, err)
	}

	emb, ok := outputs["audio_embedding"]
	if !ok {
		return nil, fmt.Errorf("%w: missing audio_embedding output", transcribe.ErrEncoderFailed)
	}

	data, err := emb.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrEncoderFailed, err)
	}

	out, err := tensor.New(data, []int64{int64(cfg.NAudioCtx), int64(cfg.NTextState)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrEncoderFailed, err)
	}

	return out, nil
}

type engineDecoder struct {
	e *Engine
}

func (d *engineDecoder) MaxContext() int { return d.e.cfg.MaxDecoderCtx() }

func (d *engineDecoder) VocabSize() int { return d.e.cfg.NVocab }

func (d *engineDecoder) NewRun(encoderEmb *tensor.Tensor, collectAlignment bool) (transcribe.DecoderRun, error) {
	cfg := d.e.cfg

	shape := encoderEmb.Shape()
	if len(shape) != 2 || shape[0] != int64(cfg.NAudioCtx) || shape[1] != int64(cfg.NTextState) {
		return nil, fmt.Errorf("%w: embedding shape %v", transcribe.ErrPrepareDecoderInputsFailed, shape)
	}

	if collectAlignment {
		slog.Warn("word alignment is not available on the onnx backend; words will be omitted")
	}

	maxCtx := cfg.MaxDecoderCtx()

	return &engineRun{
		e:       d.e,
		emb:     append([]float32(nil), encoderEmb.RawData()...),
		kvCache: make([]float32, 2*cfg.NTextLayer*maxCtx*cfg.NTextState),
	}, nil
}

type engineRun struct {
	e       *Engine
	emb     []float32
	kvCache []float32
	length  int
}

func (r *engineRun) Prefill(tokens []int, sotIndex int) ([]float32, []float32, error) {
	logits, err := r.forward(tokens)
	if err != nil {
		return nil, nil, err
	}

	vocab := r.e.cfg.NVocab

	last := logits[(len(tokens)-1)*vocab : len(tokens)*vocab]

	var sot []float32
	if sotIndex >= 0 && sotIndex < len(tokens) {
		sot = logits[sotIndex*vocab : (sotIndex+1)*vocab]
	}

	return last, sot, nil
}

func (r *engineRun) Step(token int) ([]float32, error) {
	logits, err := r.forward([]int{token})
	if err != nil {
		return nil, err
	}

	vocab := r.e.cfg.NVocab

	return logits[len(logits)-vocab:], nil
}

func (r *engineRun) forward(tokens []int) ([]float32, error) {
	cfg := r.e.cfg
	maxCtx := cfg.MaxDecoderCtx()

	if r.length+len(tokens) > maxCtx {
		return nil, fmt.Errorf("%w: context overflow %d+%d > %d", transcribe.ErrDecodingLogitsFailed, r.length, len(tokens), maxCtx)
	}

	tokIDs := make([]int64, len(tokens))
	for i, t := range tokens {
		tokIDs[i] = int64(t)
	}

	tokTensor, err := NewTensor(tokIDs, []int64{1, int64(len(tokens))})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrDecodingLogitsFailed, err)
	}

	embTensor, err := NewTensor(r.emb, []int64{1, int64(cfg.NAudioCtx), int64(cfg.NTextState)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrDecodingLogitsFailed, err)
	}

	cacheTensor, err := NewTensor(r.kvCache, []int64{int64(2 * cfg.NTextLayer), int64(maxCtx), int64(cfg.NTextState)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrDecodingLogitsFailed, err)
	}

	offsetTensor, err := NewTensor([]int64{int64(r.length)}, []int64{1})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrDecodingLogitsFailed, err)
	}

	outputs, err := r.e.runGraph(context.Background(), r.e.decoderSess, graphDecoderStep, map[string]*Tensor{
		"tokens":          tokTensor,
		"audio_embedding": embTensor,
		"kv_cache":        cacheTensor,
		"offset":          offsetTensor,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrDecodingLogitsFailed, err)
	}

	logitsOut, ok := outputs["logits"]
	if !ok {
		return nil, fmt.Errorf("%w: missing logits output", transcribe.ErrDecodingLogitsFailed)
	}

	logits, err := logitsOut.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrDecodingLogitsFailed, err)
	}

	if len(logits) != len(tokens)*cfg.NVocab {
		return nil, fmt.Errorf("%w: logits length %d, want %d", transcribe.ErrDecodingLogitsFailed, len(logits), len(tokens)*cfg.NVocab)
	}

	cacheOut, ok := outputs["kv_cache_out"]
	if !ok {
		return nil, fmt.Errorf("%w: missing kv_cache_out output", transcribe.ErrDecodingLogitsFailed)
	}

	cacheData, err := cacheOut.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrDecodingLogitsFailed, err)
	}

	if len(cacheData) != len(r.kvCache) {
		return nil, fmt.Errorf("%w: cache length %d, want %d", transcribe.ErrDecodingLogitsFailed, len(cacheData), len(r.kvCache))
	}

	copy(r.kvCache, cacheData)
	r.length += len(tokens)

	return logits, nil
}

func (r *engineRun) Len() int { return r.length }

func (r *engineRun) Reset() {
	r.length = 0
	for i := range r.kvCache {
		r.kvCache[i] = 0
	}
}

func (r *engineRun) Alignment() [][]float32 { return nil }

func (r *engineRun) Close() {}
