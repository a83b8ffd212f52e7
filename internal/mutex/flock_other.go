//go:build !unix

package mutex

import (
	"context"
	"errors"
)

var errFlockUnsupported = errors.New("flock lock service is not supported on this platform")

type FlockService struct{}

func NewFlockService(string) (*FlockService, error) { return nil, errFlockUnsupported }

func (s *FlockService) TryLock(context.Context, string) (Lease, bool, error) {
	return nil, false, errFlockUnsupported
}

func (s *FlockService) Held(context.Context, string) (bool, error) {
	return false, errFlockUnsupported
}
