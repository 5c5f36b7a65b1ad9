// Package permission checks and requests the runtime permissions the
// camera screen needs before it may touch the hardware.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tuzkov/snapcam/lifecycle"
)

const (
	Camera = "camera"

	NoticeGranted = "Camera permission granted"
	NoticeDenied  = "Camera permission denied"
)

type Config struct {
	Permissions []string
	// RequestCode ties a prompt to its result.
	RequestCode int
}

func DefaultConfig() Config {
	return Config{
		Permissions: []string{Camera},
		RequestCode: 100,
	}
}

// Registry is the authority on what is currently granted.
type Registry interface {
	Check(ctx context.Context, permission string) (bool, error)
	// Record stores the user's answer to a prompt.
	Record(permission string, granted bool) error
}

// Prompter asks the user and blocks until they answer or ctx ends.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (bool, error)
}

type Notifier interface {
	Notice(msg string)
}

type NotifierFunc func(msg string)

func (f NotifierFunc) Notice(msg string) { f(msg) }

type Request struct {
	Code        int      `json:"code"`
	Permissions []string `json:"permissions"`
}

type Result struct {
	RequestCode int
	Granted     bool
	// Err is set when the prompt itself failed.
	Err error
}

type Gate struct {
	log *slog.Logger
	cfg Config

	registry Registry
	prompter Prompter
	notifier Notifier
}

func NewGate(log *slog.Logger, cfg Config, registry Registry, prompter Prompter, notifier Notifier) (*Gate, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.Permissions) == 0 {
		return nil, errors.New("no permissions configured")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if prompter == nil {
		return nil, errors.New("prompter is nil")
	}
	if notifier == nil {
		notifier = NotifierFunc(func(string) {})
	}

	perms := make([]string, len(cfg.Permissions))
	copy(perms, cfg.Permissions)
	cfg.Permissions = perms

	return &Gate{
		log:      log.With("svc", "permission"),
		cfg:      cfg,
		registry: registry,
		prompter: prompter,
		notifier: notifier,
	}, nil
}

func (g *Gate) Config() Config {
	return g.cfg
}

// IsGranted asks the registry every time; nothing is cached.
func (g *Gate) IsGranted(ctx context.Context) bool {
	for _, p := range g.cfg.Permissions {
		ok, err := g.registry.Check(ctx, p)
		if err != nil {
			g.log.WarnContext(ctx, "fail to check permission", "permission", p, "err", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// RequestIfNeeded returns true right away when everything is already
// granted. Otherwise it prompts in the background and returns false; the
// outcome reaches onResult on the loop, unless scope has ended.
func (g *Gate) RequestIfNeeded(scope *lifecycle.Scope, onResult func(Result)) bool {
	if g.IsGranted(scope.Context()) {
		return true
	}

	req := Request{
		Code:        g.cfg.RequestCode,
		Permissions: g.cfg.Permissions,
	}
	g.log.Info("requesting permissions", "code", req.Code, "permissions", req.Permissions)

	lifecycle.Go(scope, func(ctx context.Context) (bool, error) {
		granted, err := g.prompter.Prompt(ctx, req)
		if err != nil {
			return false, fmt.Errorf("fail to prompt: %w", err)
		}
		for _, p := range req.Permissions {
			if err := g.registry.Record(p, granted); err != nil {
				return false, fmt.Errorf("fail to record %s: %w", p, err)
			}
		}
		return granted, nil
	}, func(res lifecycle.Result[bool]) {
		result := Result{RequestCode: req.Code, Err: res.Err}
		if res.Err == nil {
			result.Granted = g.IsGranted(scope.Context())
		}
		if g.OnPermissionResult(result) && onResult != nil {
			onResult(result)
		}
	})
	return false
}

// OnPermissionResult shows the notice for a prompt outcome. It returns
// false for results that belong to some other request.
func (g *Gate) OnPermissionResult(res Result) bool {
	if res.RequestCode != g.cfg.RequestCode {
		g.log.Debug("ignoring foreign permission result", "code", res.RequestCode)
		return false
	}
	if res.Err != nil {
		g.log.Error("permission request failed", "err", res.Err)
	}
	if res.Granted {
		g.notifier.Notice(NoticeGranted)
	} else {
		g.notifier.Notice(NoticeDenied)
	}
	return true
}
