// Package onnx implements [keyword.Engine] on the openWakeWord model chain
// (melspectrogram → embedding → wakeword) executed with ONNX Runtime.
//
// Each session owns its own tensors and model sessions, so channels are
// scored independently. The ONNX Runtime environment is shared by all
// sessions of an engine and is initialised on the first NewSession call.
package onnx

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/puertocho/pkg/provider/keyword"
)

// ── Pipeline geometry ────────────────────────────────────────────

const (
	sampleRate    = 16000
	frameLength   = 1280 // 80 ms @ 16 kHz
	melWindowSize = 76
	melStepSize   = 8
	melBins       = 32
	nMelFrames    = 5
	embeddingDim  = 96
	nEmbedFrames  = 16
)

// Option keys read from [keyword.Config.Options].
const (
	OptionMelspecModel   = "melspec_model"
	OptionEmbeddingModel = "embedding_model"
)

// Engine creates openWakeWord sessions.
type Engine struct {
	libraryPath    string
	melspecModel   string
	embeddingModel string

	initOnce sync.Once
	initErr  error
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithLibraryPath sets the path to the ONNX Runtime shared library.
func WithLibraryPath(path string) Option {
	return func(e *Engine) { e.libraryPath = path }
}

// WithMelspecModel sets the default melspectrogram model path.
func WithMelspecModel(path string) Option {
	return func(e *Engine) { e.melspecModel = path }
}

// WithEmbeddingModel sets the default embedding model path.
func WithEmbeddingModel(path string) Option {
	return func(e *Engine) { e.embeddingModel = path }
}

// New creates an Engine. The runtime is not touched until NewSession.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) init() error {
	e.initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if e.libraryPath != "" {
			ort.SetSharedLibraryPath(e.libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			e.initErr = fmt.Errorf("onnx: initialise runtime: %w", err)
		}
	})
	return e.initErr
}

// Close tears down the shared runtime. Sessions must be closed first.
func (e *Engine) Close() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// NewSession implements [keyword.Engine].
func (e *Engine) NewSession(cfg keyword.Config) (keyword.SessionHandle, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}
	if cfg.Sensitivity < 0 || cfg.Sensitivity > 1 {
		return nil, fmt.Errorf("onnx: sensitivity %v out of range [0, 1]", cfg.Sensitivity)
	}
	melspec := stringOption(cfg.Options, OptionMelspecModel, e.melspecModel)
	embedding := stringOption(cfg.Options, OptionEmbeddingModel, e.embeddingModel)
	if melspec == "" || embedding == "" {
		return nil, errors.New("onnx: melspectrogram and embedding models are required")
	}
	if err := e.init(); err != nil {
		return nil, err
	}

	s := &session{threshold: thresholdFor(cfg.Sensitivity)}
	var err error
	if s.mel, err = newStage(melspec, ort.NewShape(1, frameLength), ort.NewShape(1, 1, nMelFrames, melBins)); err != nil {
		return nil, fmt.Errorf("onnx: melspectrogram: %w", err)
	}
	if s.embed, err = newStage(embedding, ort.NewShape(1, melWindowSize, melBins, 1), ort.NewShape(1, 1, 1, embeddingDim)); err != nil {
		s.Close()
		return nil, fmt.Errorf("onnx: embedding: %w", err)
	}
	if s.wake, err = newStage(cfg.ModelPath, ort.NewShape(1, nEmbedFrames, embeddingDim), ort.NewShape(1, 1)); err != nil {
		s.Close()
		return nil, fmt.Errorf("onnx: wakeword: %w", err)
	}
	s.melBuffer = make([]float32, 0, (melWindowSize+nMelFrames)*melBins)
	s.embedBuffer = make([]float32, nEmbedFrames*embeddingDim)
	return s, nil
}

// thresholdFor maps sensitivity onto a score threshold; 0.5 maps to 0.5 and
// the result stays within [0.05, 0.95] so extremes remain usable.
func thresholdFor(sensitivity float64) float32 {
	t := 1 - sensitivity
	return float32(min(max(t, 0.05), 0.95))
}

func stringOption(opts map[string]any, key, fallback string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// stage is one model with its bound input and output tensors.
type stage struct {
	in   *ort.Tensor[float32]
	out  *ort.Tensor[float32]
	sess *ort.AdvancedSession
}

func newStage(path string, inShape, outShape ort.Shape) (*stage, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %q has no inputs or outputs", path)
	}
	st := &stage{}
	if st.in, err = ort.NewEmptyTensor[float32](inShape); err != nil {
		return nil, err
	}
	if st.out, err = ort.NewEmptyTensor[float32](outShape); err != nil {
		st.destroy()
		return nil, err
	}
	st.sess, err = ort.NewAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{st.in}, []ort.Value{st.out},
		nil,
	)
	if err != nil {
		st.destroy()
		return nil, err
	}
	return st, nil
}

func (st *stage) destroy() error {
	if st == nil {
		return nil
	}
	var errs []error
	if st.sess != nil {
		errs = append(errs, st.sess.Destroy())
	}
	if st.in != nil {
		errs = append(errs, st.in.Destroy())
	}
	if st.out != nil {
		errs = append(errs, st.out.Destroy())
	}
	return errors.Join(errs...)
}

// session scores one stream.
type session struct {
	mel, embed, wake *stage
	threshold        float32

	melBuffer   []float32
	embedBuffer []float32
	last        float32
	closed      bool
}

func (s *session) FrameLength() int { return frameLength }
func (s *session) SampleRate() int  { return sampleRate }

// LastConfidence implements [keyword.ConfidenceReporter].
func (s *session) LastConfidence() float64 { return float64(s.last) }

// Process implements [keyword.SessionHandle].
func (s *session) Process(frame []int16) (int, error) {
	if s.closed {
		return keyword.NoMatch, errors.New("onnx: session closed")
	}
	if len(frame) != frameLength {
		return keyword.NoMatch, fmt.Errorf("%w: got %d, want %d", keyword.ErrFrameLength, len(frame), frameLength)
	}

	in := s.mel.in.GetData()
	for i, v := range frame {
		in[i] = float32(v)
	}
	if err := s.mel.sess.Run(); err != nil {
		return keyword.NoMatch, fmt.Errorf("onnx: melspectrogram run: %w", err)
	}
	for _, v := range s.mel.out.GetData()[:nMelFrames*melBins] {
		s.melBuffer = append(s.melBuffer, v/10+2)
	}

	scored := false
	for len(s.melBuffer)/melBins >= melWindowSize {
		copy(s.embed.in.GetData(), s.melBuffer[:melWindowSize*melBins])
		if err := s.embed.sess.Run(); err != nil {
			return keyword.NoMatch, fmt.Errorf("onnx: embedding run: %w", err)
		}
		copy(s.embedBuffer, s.embedBuffer[embeddingDim:])
		copy(s.embedBuffer[(nEmbedFrames-1)*embeddingDim:], s.embed.out.GetData()[:embeddingDim])
		n := copy(s.melBuffer, s.melBuffer[melStepSize*melBins:])
		s.melBuffer = s.melBuffer[:n]
		scored = true
	}
	if !scored {
		return keyword.NoMatch, nil
	}

	copy(s.wake.in.GetData(), s.embedBuffer)
	if err := s.wake.sess.Run(); err != nil {
		return keyword.NoMatch, fmt.Errorf("onnx: wakeword run: %w", err)
	}
	s.last = s.wake.out.GetData()[0]
	if s.last >= s.threshold {
		return 0, nil
	}
	return keyword.NoMatch, nil
}

// Close implements [keyword.SessionHandle].
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.mel.destroy(), s.embed.destroy(), s.wake.destroy())
}

// Ensure Engine implements keyword.Engine at compile time.
var _ keyword.Engine = (*Engine)(nil)
