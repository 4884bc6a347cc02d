package call

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested for remote video. Without
// periodic PLI a late joiner can stare at a grey frame until the encoder
// happens to send an intra frame.
const pliInterval = 3 * time.Second

// TrackSink consumes the RTP stream of one remote track. The session calls
// WriteRTP from a single goroutine per track and Close exactly once when the
// track or the call ends.
type TrackSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// discardSink drops packets; used until the UI attaches a real sink.
type discardSink struct{}

func (discardSink) WriteRTP(*rtp.Packet) error { return nil }
func (discardSink) Close() error               { return nil }

// attachTrackHandlers wires pc's OnTrack to the session's sinks and starts
// the PLI ticker for video tracks.
func (s *Session) attachTrackHandlers(pc *webrtc.PeerConnection) {
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind()
		log.Printf("CALL [%s]: remote %s track %s", s.CallID, kind, track.ID())

		if kind == webrtc.RTPCodecTypeVideo {
			go s.pliLoop(pc, uint32(track.SSRC()))
		}
		go s.forwardTrack(track, kind)
	})
}

// forwardTrack pumps one remote track into the sink registered for its kind.
func (s *Session) forwardTrack(track *webrtc.TrackRemote, kind webrtc.RTPCodecType) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: %s track read: %v", s.CallID, kind, err)
			}
			return
		}
		if err := s.deliver(kind, pkt); err != nil {
			log.Printf("CALL [%s]: %s sink write: %v", s.CallID, kind, err)
			return
		}
	}
}

// deliver hands one remote packet to its sink. Audio is dropped while the
// speaker toggle is off; the track keeps flowing so unmuting is instant.
func (s *Session) deliver(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	if kind == webrtc.RTPCodecTypeAudio && s.speakerMuted() {
		return nil
	}
	return s.sink(kind).WriteRTP(pkt)
}

// pliLoop periodically requests a keyframe for one remote video stream until
// the session ends.
func (s *Session) pliLoop(pc *webrtc.PeerConnection, ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				return
			}
		}
	}
}

// SetSink routes the remote track of the given kind to sink, closing any
// sink previously registered for it. A nil sink restores the discard sink.
func (s *Session) SetSink(kind webrtc.RTPCodecType, sink TrackSink) {
	if sink == nil {
		sink = discardSink{}
	}
	s.mu.Lock()
	prev := s.sinks[kind]
	s.sinks[kind] = sink
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

func (s *Session) sink(kind webrtc.RTPCodecType) TrackSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink, ok := s.sinks[kind]; ok {
		return sink
	}
	return discardSink{}
}

// closeSinks releases every registered sink during teardown.
func (s *Session) closeSinks() {
	s.mu.Lock()
	sinks := s.sinks
	s.sinks = map[webrtc.RTPCodecType]TrackSink{}
	s.mu.Unlock()
	for _, sink := range sinks {
		_ = sink.Close()
	}
}
