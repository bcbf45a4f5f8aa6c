package server

import (
	"errors"

	"github.com/kstaniek/pipetrick-go/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrSocket = errors.New("socket")
	ErrBind   = errors.New("bind")
	ErrListen = errors.New("listen")
	ErrAccept = errors.New("accept")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrSocket):
		return metrics.ErrSocket
	case errors.Is(err, ErrBind):
		return metrics.ErrBind
	case errors.Is(err, ErrListen):
		return metrics.ErrListen
	case errors.Is(err, ErrAccept):
		return metrics.ErrAccept
	default:
		return metrics.ErrWaitSet
	}
}
