package sfu

import (
	"errors"

	"github.com/smazurov/workerctl/pkg/channel"
)

var (
	// ErrClosed is returned by operations on a closed resource. No request
	// is sent to the worker.
	ErrClosed = errors.New("resource closed")
	// ErrProducerNotFound is returned when consuming a producer the router
	// does not know (or that has already gone).
	ErrProducerNotFound = errors.New("producer not found")
	// ErrDataProducerNotFound is the data producer counterpart of ErrProducerNotFound.
	ErrDataProducerNotFound = errors.New("data producer not found")
	// ErrWorkerNotReady is returned when the worker's first notification is
	// not "running".
	ErrWorkerNotReady = errors.New("worker did not report running")
)

func isNoData(err error) bool {
	return errors.Is(err, channel.ErrNoData)
}
