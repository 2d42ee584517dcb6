//go:build !linux || !cgo

package media

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Devices is the non-Linux gateway. Capture via pion/mediadevices requires
// platform drivers (V4L2/malgo on Linux), so this variant refuses capture and
// only builds receive-capable peer connections.
type Devices struct{}

func NewDevices() (*Devices, error) {
	return &Devices{}, nil
}

func (d *Devices) NewPeerConnection(iceServers []string) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

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

func (d *Devices) Capture(audio, video bool) (Stream, error) {
	return nil, ErrNoDevices
}
