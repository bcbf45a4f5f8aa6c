package client

import (
	"errors"

	"github.com/kstaniek/pipetrick-go/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrSocket    = errors.New("socket")
	ErrConnect   = errors.New("connect")
	ErrConnWrite = errors.New("conn_write")
	ErrConnRead  = errors.New("conn_read")
	ErrTimeout   = errors.New("timeout")
	ErrCancelled = errors.New("cancelled")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrSocket):
		return metrics.ErrSocket
	case errors.Is(err, ErrConnect):
		return metrics.ErrConnect
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrConnWrite
	case errors.Is(err, ErrConnRead):
		return metrics.ErrConnRead
	default:
		return metrics.ErrWaitSet
	}
}
