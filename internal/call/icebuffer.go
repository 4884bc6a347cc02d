package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote ICE candidates that arrive before the remote
// description is set. Applying them early raises an error in Pion, so they
// queue here and replay in receipt order once Release is called.
type candidateBuffer struct {
	mu    sync.Mutex
	ready bool
	queue []webrtc.ICECandidateInit
}

// Hold returns the candidates that may be applied right now: just c itself
// once the buffer was released, nothing while still buffering.
func (b *candidateBuffer) Hold(c webrtc.ICECandidateInit) []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return []webrtc.ICECandidateInit{c}
	}
	b.queue = append(b.queue, c)
	return nil
}

// Release marks the remote description as set and drains the queue in
// receipt order. Subsequent Hold calls pass candidates straight through.
func (b *candidateBuffer) Release() []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = true
	out := b.queue
	b.queue = nil
	return out
}
