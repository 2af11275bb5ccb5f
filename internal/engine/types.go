package engine

import "errors"

// ErrPullUnsupported is returned by backends that cannot download models.
var ErrPullUnsupported = errors.New("model pull not supported by this backend")

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
