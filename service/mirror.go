package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/icholy/digest"
)

// MirrorConfig describes where saved pictures are copied to.
type MirrorConfig struct {
	Enabled  bool
	Endpoint string
	Username string
	Password string
	Timeout  time.Duration
}

type mirror struct {
	log      *slog.Logger
	cfg      *MirrorConfig
	endpoint *url.URL

	httpClient *http.Client
}

func newMirror(log *slog.Logger, cfg *MirrorConfig) (*mirror, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("mirror endpoint is empty")
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("fail to parse endpoint: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", endpoint.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cli := &http.Client{Timeout: timeout}
	if cfg.Username != "" {
		cli.Transport = &digest.Transport{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	return &mirror{
		log:        log.With("svc", "mirror"),
		cfg:        cfg,
		endpoint:   endpoint,
		httpClient: cli,
	}, nil
}

// Send PUTs the file to <endpoint>/<file name>.
func (m *mirror) Send(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("fail to read picture: %w", err)
	}

	target := m.endpoint.JoinPath(filepath.Base(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("fail to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fail to send request: %w", err)
	}
	defer resp.Body.Close()

	var body []byte
	if resp.StatusCode != http.StatusNoContent {
		body, err = io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			m.log.Debug("Fail to read body", "err", err)
		}
	}
	m.log.Debug("Mirror resp", "status", resp.StatusCode, "body", string(body))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("response status code %d", resp.StatusCode)
	}
	return nil
}
