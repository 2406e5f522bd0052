package model

import "fmt"

// Decide maps the two model scores to a label. The image is Defective only
// when scores[0] is strictly greater than scores[1]; ties are Good.
func Decide(scores []float32) (*Result, error) {
	if len(scores) != 2 {
		return nil, fmt.Errorf("%w: got %d scores, want 2", ErrUnexpectedOutput, len(scores))
	}
	res := &Result{
		Class:               LabelGood,
		ConfidenceDefective: scores[0],
		ConfidenceGood:      scores[1],
	}
	if scores[0] > scores[1] {
		res.Class = LabelDefective
	}
	return res, nil
}
