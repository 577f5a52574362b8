//go:build !linux || !cgo

package capture

import (
	"github.com/watchmesh/watchmesh/internal/transport"
)

// Open is a stub on non-Linux platforms: there is no capture driver, so
// devices here can receive media but never send it.
func Open(kind transport.CallKind) (transport.MediaSource, error) {
	_ = kind
	return nil, ErrNoCaptureDevice
}
