package server

import (
	"context"
	"sync"
)

// frameSurface is where the preview use case draws; stream handlers read from it.
type frameSurface struct {
	mu     sync.Mutex
	latest []byte
	subs   map[chan []byte]struct{}
}

func newFrameSurface() *frameSurface {
	return &frameSurface{subs: make(map[chan []byte]struct{})}
}

func (s *frameSurface) Publish(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = frame
	for ch := range s.subs {
		select {
		case ch <- frame:
		default:
			// slow reader skips a frame
		}
	}
}

func (s *frameSurface) Latest() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Subscribe starts with the latest frame, if any. The channel is closed when ctx ends.
func (s *frameSurface) Subscribe(ctx context.Context) <-chan []byte {
	ch := make(chan []byte, 2)

	s.mu.Lock()
	if s.latest != nil {
		ch <- s.latest
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}
