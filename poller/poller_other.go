//go:build !linux && !darwin && !freebsd && !dragonfly

package poller

func New(maxEvents int) (Poller, error) {
	return nil, ErrUnsupported
}
