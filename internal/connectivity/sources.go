package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tildaslashalef/recipebox/internal/loggy"
)

// DialSource treats the network as present when a TCP connection to
// Address succeeds
type DialSource struct {
	Address string
	Timeout time.Duration
	dialer  net.Dialer
}

// NewDialSource creates a TCP reachability probe
func NewDialSource(address string, timeout time.Duration) *DialSource {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DialSource{Address: address, Timeout: timeout}
}

// Online dials Address and closes the connection right away
func (s *DialSource) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	conn, err := s.dialer.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FileSource reads the network state from a file maintained by the host
// platform. Accepted online values are online, up, 1 and true; anything else,
// including a missing file, is offline.
type FileSource struct {
	Path   string
	logger *loggy.Logger
}

// NewFileSource creates a state file source
func NewFileSource(path string, logger *loggy.Logger) *FileSource {
	return &FileSource{Path: path, logger: logger}
}

// Online reads and parses the state file
func (s *FileSource) Online(_ context.Context) bool {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("Failed to read connectivity state file", "path", s.Path, "error", err)
		}
		return false
	}
	return ParseState(string(data))
}

// ParseState interprets the contents of a state file
func ParseState(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "online", "up", "1", "true":
		return true
	}
	return false
}

// Watch hints whenever the state file is written, created, renamed or
// removed. The parent directory is watched so atomic replacements are seen.
func (s *FileSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(s.Path)
	hints := make(chan struct{}, 1)

	go func() {
		defer close(hints)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				select {
				case hints <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Connectivity state file watcher error", "error", err)
			}
		}
	}()

	return hints, nil
}
