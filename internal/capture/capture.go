// Package capture acquires local camera/microphone media as encoded
// frame sources. The Linux implementation uses pion/mediadevices; other
// platforms have no capture support and return ErrNoCaptureDevice.
package capture

import "errors"

// ErrNoCaptureDevice is returned when the requested capture device is
// unavailable: denied, busy, missing, or the platform has no driver.
// Surfaced immediately, never retried, no partial state left behind.
var ErrNoCaptureDevice = errors.New("capture: no capture device available")
