package server

import (
	"context"
	"sync"

	"github.com/tuzkov/snapcam/permission"
	"github.com/tuzkov/snapcam/service"
)

// dialog asks the open pages for a permission and waits for any of them to answer.
type dialog struct {
	events service.Events

	mu      sync.Mutex
	pending map[int]*prompt
}

type prompt struct {
	req    permission.Request
	answer chan bool
}

func newDialog(events service.Events) *dialog {
	return &dialog{
		events:  events,
		pending: make(map[int]*prompt),
	}
}

func (d *dialog) Prompt(ctx context.Context, req permission.Request) (bool, error) {
	p := &prompt{req: req, answer: make(chan bool, 1)}

	d.mu.Lock()
	d.pending[req.Code] = p
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.pending[req.Code] == p {
			delete(d.pending, req.Code)
		}
		d.mu.Unlock()
	}()

	d.events.Emit(service.Event{Type: service.EventPermission, Request: &req})

	select {
	case granted := <-p.answer:
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Answer returns false when no prompt with that code is waiting.
func (d *dialog) Answer(code int, granted bool) bool {
	d.mu.Lock()
	p, ok := d.pending[code]
	if ok {
		delete(d.pending, code)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	p.answer <- granted
	return true
}

func (d *dialog) Pending() []permission.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	reqs := make([]permission.Request, 0, len(d.pending))
	for _, p := range d.pending {
		reqs = append(reqs, p.req)
	}
	return reqs
}
