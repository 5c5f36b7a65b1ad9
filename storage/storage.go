package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	PictureExt = ".jpg"

	// yyyy-MM-dd-HH-mm-ss, milliseconds are appended separately
	secondsLayout = "2006-01-02-15-04-05"
)

// Resolver knows where captured pictures go.
type Resolver struct {
	log *slog.Logger

	picturesDir string
	appName     string
}

func NewResolver(log *slog.Logger, picturesDir, appName string) (*Resolver, error) {
	if log == nil {
		log = slog.Default()
	}
	if picturesDir == "" {
		return nil, errors.New("pictures dir is empty")
	}
	if appName == "" {
		return nil, errors.New("app name is empty")
	}
	if strings.ContainsRune(appName, filepath.Separator) || appName == "." || appName == ".." {
		return nil, fmt.Errorf("app name %q is not a single path element", appName)
	}

	dir, err := expandHome(picturesDir)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		log:         log.With("svc", "storage"),
		picturesDir: dir,
		appName:     appName,
	}, nil
}

// DefaultPicturesDir returns $XDG_PICTURES_DIR, falling back to ~/Pictures.
func DefaultPicturesDir() string {
	if dir := os.Getenv("XDG_PICTURES_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "Pictures"
	}
	return filepath.Join(home, "Pictures")
}

// Dir is the output directory, whether or not it exists yet.
func (r *Resolver) Dir() string {
	return filepath.Join(r.picturesDir, r.appName)
}

// OutputDirectory returns <pictures>/<app name>, creating it when absent.
// Calling it again for an existing directory is not an error.
func (r *Resolver) OutputDirectory() (string, error) {
	dir := r.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("fail to create output dir: %w", err)
	}
	return dir, nil
}

// PictureFile returns the path the picture taken at t is written to.
func (r *Resolver) PictureFile(t time.Time) (string, error) {
	dir, err := r.OutputDirectory()
	if err != nil {
		return "", err
	}
	name := filepath.Join(dir, NextFileName(t))
	r.log.Debug("picture file", "name", name)
	return name, nil
}

// NextFileName formats t as yyyy-MM-dd-HH-mm-ss-SSS.jpg.
// Two pictures taken in the same millisecond get the same name and the
// later one overwrites the earlier.
func NextFileName(t time.Time) string {
	return fmt.Sprintf("%s-%03d%s", t.Format(secondsLayout), t.Nanosecond()/int(time.Millisecond), PictureExt)
}

func expandHome(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("fail to get home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
}
