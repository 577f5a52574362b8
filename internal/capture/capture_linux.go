//go:build linux && cgo

package capture

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/watchmesh/watchmesh/internal/transport"
)

// Open acquires the local capture device for the given kind (V4L2 camera
// or malgo microphone) and returns a source of encoded frames. Each
// NewReader gets an independent encoder fed from the same device, so one
// camera fans out to every connected peer.
func Open(kind transport.CallKind) (transport.MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
	if kind == transport.KindVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8
			// encoder. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640x480; higher resolutions increase VP8 encoding
			// latency on small devices.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	} else {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCaptureDevice, err)
	}

	want := webrtc.RTPCodecTypeAudio
	mime := webrtc.MimeTypeOpus
	if kind == transport.KindVideo {
		want = webrtc.RTPCodecTypeVideo
		mime = webrtc.MimeTypeVP8
	}

	var picked mediadevices.Track
	for _, track := range stream.GetTracks() {
		if picked == nil && track.Kind() == want {
			picked = track
			continue
		}
		track.Close()
	}
	if picked == nil {
		return nil, ErrNoCaptureDevice
	}

	picked.OnEnded(func(err error) {
		if err != nil {
			log.Printf("CAPTURE: %s track ended: %v", kind, err)
		}
	})

	log.Printf("CAPTURE: %s device opened", kind)
	return &encodedSource{kind: kind, mime: mime, track: picked}, nil
}

// encodedSource wraps a mediadevices track. mediadevices broadcasts raw
// frames to every encoded reader, so readers are independent consumers.
type encodedSource struct {
	kind  transport.CallKind
	mime  string
	track mediadevices.Track
}

func (s *encodedSource) Kind() transport.CallKind { return s.kind }

func (s *encodedSource) NewReader() (transport.FrameReader, error) {
	r, err := s.track.NewEncodedReader(s.mime)
	if err != nil {
		return nil, fmt.Errorf("open %s encoder: %w", s.mime, err)
	}
	return &encodedReader{r: r}, nil
}

func (s *encodedSource) Close() error {
	return s.track.Close()
}

type encodedReader struct {
	r mediadevices.EncodedReadCloser
}

func (e *encodedReader) ReadFrame() ([]byte, func(), error) {
	buf, release, err := e.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, release, nil
}

func (e *encodedReader) Close() error { return e.r.Close() }
