//go:build linux && cgo

package media

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Devices is the pion/mediadevices-backed gateway (V4L2 + malgo on Linux).
// One codec selector is shared between capture and peer connections so the
// encoded formats always line up.
type Devices struct {
	selector *mediadevices.CodecSelector
}

// NewDevices builds the gateway with VP8 video and Opus audio encoders.
func NewDevices() (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// NewPeerConnection builds a peer connection whose media engine carries the
// gateway's codecs. ICE timeouts are generous so a brief NAT hiccup does not
// immediately terminate a call.
func (d *Devices) NewPeerConnection(iceServers []string) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	d.selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return api.NewPeerConnection(ICEConfiguration(iceServers))
}

// Capture acquires the requested tracks as one stream. On failure nothing is
// left open.
func (d *Devices) Capture(audio, video bool) (Stream, error) {
	if !audio && !video {
		return nil, ErrNoTrack
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevices, err)
	}

	stream := &deviceStream{}
	for _, t := range ms.GetTracks() {
		dt := &deviceTrack{md: t, enabled: true}
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local %s track ended: %v", dt.Kind(), err)
			}
		})
		stream.tracks = append(stream.tracks, dt)
	}
	log.Printf("MEDIA: captured %d local track(s) (audio=%v video=%v)", len(stream.tracks), audio, video)
	return stream, nil
}

// deviceTrack wraps one mediadevices track. Muting swaps the RTP track out of
// the sender rather than closing the device, so unmute is instant.
type deviceTrack struct {
	md mediadevices.Track

	mu      sync.Mutex
	enabled bool
	sender  *webrtc.RTPSender
	stopped bool
}

func (t *deviceTrack) Kind() Kind {
	if t.md.Kind() == webrtc.RTPCodecTypeVideo {
		return Video
	}
	return Audio
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) SetEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == enabled {
		return nil
	}
	t.enabled = enabled
	if t.sender == nil {
		return nil
	}
	if enabled {
		return t.sender.ReplaceTrack(t.md)
	}
	return t.sender.ReplaceTrack(nil)
}

func (t *deviceTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.md.Close()
}

type deviceStream struct {
	tracks []*deviceTrack
}

func (s *deviceStream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *deviceStream) Track(kind Kind) (Track, bool) {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

func (s *deviceStream) Publish(pc PeerConnection) error {
	for _, t := range s.tracks {
		sender, err := pc.AddTrack(t.md)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		t.mu.Lock()
		t.sender = sender
		t.mu.Unlock()
	}
	return nil
}

func (s *deviceStream) AudioReader() (EncodedReader, error) {
	for _, t := range s.tracks {
		if t.Kind() == Audio {
			r, err := t.md.NewEncodedReader(webrtc.MimeTypeOpus)
			if err != nil {
				return nil, fmt.Errorf("opus reader: %w", err)
			}
			return &opusReader{r: r}, nil
		}
	}
	return nil, ErrNoTrack
}

func (s *deviceStream) Close() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// opusReader adapts a mediadevices encoded reader. The buffer is copied out
// because release recycles it.
type opusReader struct {
	r mediadevices.EncodedReadCloser
}

func (o *opusReader) Read() ([]byte, func(), error) {
	buf, release, err := o.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, release, nil
}

func (o *opusReader) Close() error { return o.r.Close() }
