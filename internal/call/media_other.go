//go:build !linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/mbroersen/parley/internal/config"
)

// initMediaPC creates a receive-only peer connection on non-Linux platforms.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo on Linux); elsewhere the call still plays remote media.
func initMediaPC(callID string, cfg config.Call) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(iceConfiguration(cfg))
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(callID, pc)

	log.Printf("CALL [%s]: peer connection ready (receive-only, no local media on this platform)", callID)
	return pc, nil, nil
}
