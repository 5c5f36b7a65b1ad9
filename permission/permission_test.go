package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tuzkov/snapcam/lifecycle"
)

type answerPrompter struct {
	mu       sync.Mutex
	answer   bool
	err      error
	requests []Request
}

func (p *answerPrompter) Prompt(ctx context.Context, req Request) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.answer, p.err
}

func (p *answerPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []string
}

func (n *noticeRecorder) Notice(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, msg)
}

func (n *noticeRecorder) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notices...)
}

func startScope(t *testing.T) *lifecycle.Scope {
	t.Helper()
	loop := lifecycle.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	scope := loop.NewScope(ctx)
	t.Cleanup(func() {
		scope.Close()
		cancel()
	})
	return scope
}

func newTestGate(t *testing.T, registry Registry, prompter Prompter, notifier Notifier) *Gate {
	t.Helper()
	g, err := NewGate(nil, DefaultConfig(), registry, prompter, notifier)
	require.NoError(t, err)
	return g
}

func TestIsGrantedFollowsRegistry(t *testing.T) {
	reg := NewDeviceRegistry(nil, nil)
	g := newTestGate(t, reg, &answerPrompter{}, nil)
	ctx := t.Context()

	assert.False(t, g.IsGranted(ctx))

	require.NoError(t, reg.Record(Camera, true))
	assert.True(t, g.IsGranted(ctx))

	reg.Revoke(Camera)
	assert.False(t, g.IsGranted(ctx))

	require.NoError(t, reg.Record(Camera, false))
	assert.False(t, g.IsGranted(ctx))
}

func TestDeviceAccessIsRequired(t *testing.T) {
	reg := NewDeviceRegistry(nil, []string{"/dev/video0"})
	denied := true
	reg.access = func(path string, mode uint32) error {
		assert.Equal(t, "/dev/video0", path)
		assert.Equal(t, uint32(unix.R_OK|unix.W_OK), mode)
		if denied {
			return unix.EACCES
		}
		return nil
	}
	require.NoError(t, reg.Record(Camera, true))

	g := newTestGate(t, reg, &answerPrompter{}, nil)
	assert.False(t, g.IsGranted(t.Context()))

	denied = false
	assert.True(t, g.IsGranted(t.Context()))
}

func TestRequestIfNeededSkipsPromptWhenGranted(t *testing.T) {
	reg := NewDeviceRegistry(nil, nil)
	require.NoError(t, reg.Record(Camera, true))
	prompter := &answerPrompter{}
	g := newTestGate(t, reg, prompter, nil)

	granted := g.RequestIfNeeded(startScope(t), func(Result) {
		t.Error("unexpected result")
	})

	assert.True(t, granted)
	assert.Zero(t, prompter.count())
}

func TestRequestIfNeededGrant(t *testing.T) {
	reg := NewDeviceRegistry(nil, nil)
	prompter := &answerPrompter{answer: true}
	notices := &noticeRecorder{}
	g := newTestGate(t, reg, prompter, notices)

	results := make(chan Result, 1)
	granted := g.RequestIfNeeded(startScope(t), func(res Result) { results <- res })
	assert.False(t, granted)

	select {
	case res := <-results:
		assert.True(t, res.Granted)
		assert.Equal(t, 100, res.RequestCode)
	case <-time.After(time.Second):
		t.Fatal("no permission result")
	}
	assert.Equal(t, []string{NoticeGranted}, notices.all())
	assert.True(t, g.IsGranted(t.Context()))
	assert.Equal(t, []Request{{Code: 100, Permissions: []string{Camera}}}, prompter.requests)
}

func TestRequestIfNeededDenied(t *testing.T) {
	reg := NewDeviceRegistry(nil, nil)
	notices := &noticeRecorder{}
	g := newTestGate(t, reg, &answerPrompter{answer: false}, notices)

	results := make(chan Result, 1)
	g.RequestIfNeeded(startScope(t), func(res Result) { results <- res })

	select {
	case res := <-results:
		assert.False(t, res.Granted)
		assert.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("no permission result")
	}
	assert.Equal(t, []string{NoticeDenied}, notices.all())
}

func TestRequestIfNeededPromptFailure(t *testing.T) {
	reg := NewDeviceRegistry(nil, nil)
	notices := &noticeRecorder{}
	g := newTestGate(t, reg, &answerPrompter{err: errors.New("no screen")}, notices)

	results := make(chan Result, 1)
	g.RequestIfNeeded(startScope(t), func(res Result) { results <- res })

	select {
	case res := <-results:
		assert.False(t, res.Granted)
		assert.Error(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("no permission result")
	}
	assert.Equal(t, []string{NoticeDenied}, notices.all())
}

func TestGrantAnswerStillNeedsDevice(t *testing.T) {
	reg := NewDeviceRegistry(nil, []string{"/dev/video0"})
	reg.access = func(string, uint32) error { return unix.ENOENT }
	notices := &noticeRecorder{}
	g := newTestGate(t, reg, &answerPrompter{answer: true}, notices)

	results := make(chan Result, 1)
	g.RequestIfNeeded(startScope(t), func(res Result) { results <- res })

	select {
	case res := <-results:
		assert.False(t, res.Granted)
	case <-time.After(time.Second):
		t.Fatal("no permission result")
	}
	assert.Equal(t, []string{NoticeDenied}, notices.all())
}

func TestForeignRequestCodeIgnored(t *testing.T) {
	notices := &noticeRecorder{}
	g := newTestGate(t, NewDeviceRegistry(nil, nil), &answerPrompter{}, notices)

	assert.False(t, g.OnPermissionResult(Result{RequestCode: 7, Granted: true}))
	assert.Empty(t, notices.all())
}

func TestNewGateValidation(t *testing.T) {
	reg := NewDeviceRegistry(nil, nil)
	_, err := NewGate(nil, Config{RequestCode: 1}, reg, &answerPrompter{}, nil)
	assert.Error(t, err)
	_, err = NewGate(nil, DefaultConfig(), nil, &answerPrompter{}, nil)
	assert.Error(t, err)
	_, err = NewGate(nil, DefaultConfig(), reg, nil, nil)
	assert.Error(t, err)
}

func TestConfigIsCopied(t *testing.T) {
	cfg := DefaultConfig()
	g, err := NewGate(nil, cfg, NewDeviceRegistry(nil, nil), &answerPrompter{}, nil)
	require.NoError(t, err)

	cfg.Permissions[0] = "microphone"
	assert.Equal(t, []string{Camera}, g.Config().Permissions)
}

func TestRegistryConcurrentRecordAndCheck(t *testing.T) {
	reg := NewDeviceRegistry(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Record(Camera, i%2 == 0))
		}()
		go func() {
			defer wg.Done()
			_, err := reg.Check(t.Context(), Camera)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, reg.Record(Camera, true))
	ok, err := reg.Check(t.Context(), Camera)
	require.NoError(t, err)
	assert.True(t, ok)
}
