package autoscaler

import "errors"

// Policy creation errors. They are returned before any side effect happens.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrDuplicateTarget = errors.New("volume already has an autoscaler")
	ErrVolumeNotFound  = errors.New("volume not found")
)

// Collaborator errors. Adapters wrap their failures with these so callers can use errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrClusterUnreachable = errors.New("cluster unreachable")
	ErrConflict           = errors.New("conflict")
	ErrMetricsUnavailable = errors.New("metrics unavailable")
)

// ErrTargetVolumeMissing is the failure reason recorded when a policy's volume disappears.
var ErrTargetVolumeMissing = errors.New("target volume missing")

// isTransient reports whether err is an infrastructure failure that counts toward the
// consecutive failure threshold.
func isTransient(err error) bool {
	return errors.Is(err, ErrClusterUnreachable) || errors.Is(err, ErrConflict)
}
