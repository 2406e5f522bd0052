// Package model owns the inference pipeline: the model lifecycle, image
// preprocessing, the forward pass and the decision rule.
package model

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Brownie44l1/defect-api/internal/logging"
	"github.com/Brownie44l1/defect-api/internal/metrics"
	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// DefaultImageSize is the side of the square input the classifier expects.
const DefaultImageSize = 224

// Server holds the single shared model. The predictor is written once, before
// the state becomes Ready, and only read afterwards.
type Server struct {
	load      Loader
	logger    *zap.Logger
	metrics   *metrics.Metrics
	imageSize int
	timeout   time.Duration
	slots     *semaphore.Weighted

	state     atomic.Int32
	predictor Predictor
	loadErr   error
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithImageSize(size int) Option {
	return func(s *Server) { s.imageSize = size }
}

// WithTimeout bounds the wall time of one analysis, including the wait for a
// free inference slot. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithMaxConcurrent bounds the number of forward passes running at once.
func WithMaxConcurrent(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewServer returns a Server in the NotLoaded state. Nothing is loaded until
// Load is called.
func NewServer(load Loader, opts ...Option) *Server {
	s := &Server{
		load:      load,
		logger:    zap.NewNop(),
		imageSize: DefaultImageSize,
		slots:     semaphore.NewWeighted(int64(runtime.NumCPU())),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("model")
	s.setState(StateNotLoaded)
	return s
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.SetModelState(st.String())
}

// State reports the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Ready reports whether requests are being served.
func (s *Server) Ready() bool {
	return s.State() == StateReady
}

// Err returns the load error once the state is Failed.
func (s *Server) Err() error {
	if s.State() != StateFailed {
		return nil
	}
	return s.loadErr
}

// ImageSize returns the side of the square model input.
func (s *Server) ImageSize() int {
	return s.imageSize
}

// Load runs the loader once. On success the state becomes Ready; on failure
// it becomes Failed and stays there, since loading is never retried. Any call
// after the first returns ErrAlreadyLoaded.
func (s *Server) Load(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateNotLoaded), int32(StateLoading)) {
		return ErrAlreadyLoaded
	}
	s.metrics.SetModelState(StateLoading.String())

	opLogger := logging.ForOperation(ctx, s.logger, "model.load")
	opLogger.Info("loading model")
	start := time.Now()

	p, err := s.callLoader(ctx)
	if err != nil {
		stage := StageLoader
		if errors.Is(err, ErrLoaderPanic) {
			stage = StagePanic
		}
		s.loadErr = logging.NewOperationError(ctx, "model.load", stage, time.Since(start), err)
		s.setState(StateFailed)
		opLogger.Error("model load failed", logging.ErrorFields(s.loadErr)...)
		return s.loadErr
	}
	s.predictor = p
	s.setState(StateReady)
	opLogger.Info("model loaded", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// callLoader turns a loader panic into an error so a malformed model leaves
// the server Failed instead of taking the process down.
func (s *Server) callLoader(ctx context.Context) (p Predictor, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = nil
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", ErrLoaderPanic, e)
				return
			}
			err = fmt.Errorf("%w: %v", ErrLoaderPanic, r)
		}
	}()
	return s.load(ctx)
}

func (s *Server) ready() (Predictor, error) {
	if s.State() != StateReady {
		return nil, ErrNotReady
	}
	return s.predictor, nil
}

// Analyze classifies an encoded image. It fails fast with ErrNotReady, before
// touching the payload, unless the model is Ready. Every other failure is
// wrapped in ErrAnalysisFailed.
func (s *Server) Analyze(ctx context.Context, image []byte) (*Result, error) {
	return s.run(ctx, "model.analyze", func(scope *tensor.Scope) (*tensor.Tensor, error) {
		return Preprocess(scope, image, s.imageSize)
	})
}

// PredictPixels classifies an already preprocessed [1,size,size,3] tensor
// given as a flat NHWC slice.
func (s *Server) PredictPixels(ctx context.Context, pixels []float32) (*Result, error) {
	if !s.Ready() {
		s.metrics.ObserveAnalysis("not_ready", 0)
		return nil, ErrNotReady
	}
	shape := InputShape(s.imageSize)
	if len(pixels) != shape.Numel() {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInvalidInput, shape.Numel(), len(pixels))
	}
	return s.run(ctx, "model.predict", func(scope *tensor.Scope) (*tensor.Tensor, error) {
		x := scope.New(shape, tensor.F32)
		copy(x.DataPtr(), pixels)
		return x, nil
	})
}

func (s *Server) run(ctx context.Context, op string, input func(*tensor.Scope) (*tensor.Tensor, error)) (*Result, error) {
	predictor, err := s.ready()
	if err != nil {
		s.metrics.ObserveAnalysis("not_ready", 0)
		return nil, err
	}

	opLogger := logging.ForOperation(ctx, s.logger, op)
	start := time.Now()

	res, stage, err := s.infer(ctx, predictor, input)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.ObserveAnalysis("failed", elapsed)
		err = logging.NewOperationError(ctx, op, stage, elapsed, err)
		opLogger.Error("analysis failed", logging.ErrorFields(err)...)
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}

	if res.Class == LabelDefective {
		s.metrics.ObserveAnalysis("defective", elapsed)
	} else {
		s.metrics.ObserveAnalysis("good", elapsed)
	}
	opLogger.Debug("analysis complete",
		zap.String("class", res.Class),
		zap.Float32("confidence_defective", res.ConfidenceDefective),
		zap.Float32("confidence_good", res.ConfidenceGood),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

// infer owns the request scope; every tensor it allocates is released when it
// returns, whatever the outcome. On failure it names the stage that failed.
func (s *Server) infer(ctx context.Context, predictor Predictor, input func(*tensor.Scope) (*tensor.Tensor, error)) (*Result, string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, StageQueue, fmt.Errorf("wait for inference slot: %w", err)
	}
	defer s.slots.Release(1)
	s.metrics.InflightAdd(1)
	defer s.metrics.InflightAdd(-1)

	scope := tensor.NewScope()
	defer scope.Close()

	x, err := input(scope)
	if err != nil {
		return nil, StageInput, err
	}
	if err := ctx.Err(); err != nil {
		return nil, StageInput, err
	}
	scores, err := predictor.Predict(ctx, scope, x)
	if err != nil {
		return nil, StageForward, err
	}
	res, err := Decide(scores)
	if err != nil {
		return nil, StageDecide, err
	}
	return res, "", nil
}

// Close releases the predictor. The server is unusable afterwards.
func (s *Server) Close() error {
	if s.State() != StateReady || s.predictor == nil {
		return nil
	}
	return s.predictor.Close()
}
