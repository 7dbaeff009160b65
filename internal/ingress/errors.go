package ingress

import (
	"errors"
	"fmt"
)

var (
	// ErrResolutionFailure is returned when a service reference cannot be
	// turned into a backend address.
	ErrResolutionFailure = errors.New("resolution failure")

	// ErrServiceNotFound is returned when the referenced service does not
	// exist or has no cluster IP.
	ErrServiceNotFound = fmt.Errorf("%w: service not found", ErrResolutionFailure)

	// ErrWatchStream is returned when a watch stream fails or closes.
	ErrWatchStream = errors.New("watch stream error")
)
