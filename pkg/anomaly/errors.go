// Package anomaly trains the traffic outlier model and scores events against it.
package anomaly

import "errors"

var (
	// ErrInsufficientData is returned when a training batch has fewer valid
	// records than the configured minimum. No model is written.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrNoModel is returned when scoring before any model was trained.
	ErrNoModel = errors.New("no trained model available")
)
