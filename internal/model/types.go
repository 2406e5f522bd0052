package model

import "errors"

// Class labels. Index 0 of the model output scores the defective class and
// index 1 the good class.
const (
	LabelDefective = "Defective"
	LabelGood      = "Good"
)

// Stages reported in the logging.OperationError of a failed load or analysis.
const (
	StageLoader  = "loader"
	StagePanic   = "panic"
	StageQueue   = "queue"
	StageInput   = "input"
	StageForward = "forward"
	StageDecide  = "decide"
)

var (
	// ErrNotReady is returned for requests that arrive before the model is
	// Ready, or after loading failed.
	ErrNotReady = errors.New("model not ready")
	// ErrAlreadyLoaded is returned by a second call to Load.
	ErrAlreadyLoaded = errors.New("model load already attempted")
	// ErrLoaderPanic is returned by Load when the loader panicked.
	ErrLoaderPanic = errors.New("model loader panicked")
	// ErrAnalysisFailed wraps every decode, preprocessing or prediction failure.
	ErrAnalysisFailed = errors.New("analysis failed")
	// ErrDecode is returned for payloads that are not a supported image.
	ErrDecode = errors.New("decode image")
	// ErrUnexpectedOutput is returned when the model does not produce exactly
	// two scores.
	ErrUnexpectedOutput = errors.New("unexpected model output")
	// ErrInvalidInput is returned by PredictPixels for a tensor of the wrong size.
	ErrInvalidInput = errors.New("invalid input tensor")
)

// State is the model lifecycle state. The only transitions are
// NotLoaded -> Loading -> Ready and Loading -> Failed; Failed is terminal.
type State int32

const (
	StateNotLoaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotLoaded:
		return "not_loaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateNames lists every lifecycle state by name.
func StateNames() []string {
	return []string{
		StateNotLoaded.String(),
		StateLoading.String(),
		StateReady.String(),
		StateFailed.String(),
	}
}

// PredictionRequest carries an already preprocessed NHWC tensor.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// Result is the outcome of one analysis. Confidences are the raw model
// scores; they are not renormalized.
type Result struct {
	Class               string  `json:"class"`
	ConfidenceDefective float32 `json:"confidence_defective"`
	ConfidenceGood      float32 `json:"confidence_good"`
}
