// Package authz decides whether a submitter may deposit. Identities are
// opaque strings; the GitHub intake uses numeric user ids.
package authz

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Roster answers membership queries against an allow-list.
type Roster interface {
	Contains(ctx context.Context, identity string) (bool, error)
}

// Checker turns roster lookups into decisions. Roster failures deny.
type Checker struct {
	roster Roster
	logger *slog.Logger
}

// NewChecker wraps roster.
func NewChecker(roster Roster, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checker{roster: roster, logger: logger}
}

// Authorize checks identity against the roster.
func (c *Checker) Authorize(ctx context.Context, identity string) Decision {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Decision{Reason: "submitter identity is missing"}
	}
	ok, err := c.roster.Contains(ctx, identity)
	if err != nil {
		c.logger.Warn("allow-list unavailable, denying submitter", "submitter", identity, "error", err)
		return Decision{Reason: "allow-list is unavailable"}
	}
	if !ok {
		return Decision{Reason: "submitter is not on the allow-list"}
	}
	return Decision{Allowed: true}
}

// StaticRoster is a fixed allow-list.
type StaticRoster map[string]struct{}

// NewStaticRoster builds a StaticRoster from identities.
func NewStaticRoster(identities ...string) StaticRoster {
	r := make(StaticRoster, len(identities))
	for _, id := range identities {
		if id = strings.TrimSpace(id); id != "" {
			r[id] = struct{}{}
		}
	}
	return r
}

// Contains reports membership.
func (r StaticRoster) Contains(_ context.Context, identity string) (bool, error) {
	_, ok := r[identity]
	return ok, nil
}

// FileRoster reads one identity per line from a file. Blank lines and lines
// starting with '#' are ignored. The file is re-read whenever its
// modification time or size changes.
type FileRoster struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	loaded  bool
	members map[string]struct{}
}

// NewFileRoster returns a roster backed by path. The file is read lazily.
func NewFileRoster(path string) *FileRoster {
	return &FileRoster{path: path}
}

// ErrRosterMissing is returned when the allow-list file does not exist.
var ErrRosterMissing = errors.New("allow-list file not found")

// Contains reports membership, reloading the file when it changed.
func (r *FileRoster) Contains(_ context.Context, identity string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return false, err
	}
	_, ok := r.members[identity]
	return ok, nil
}

// Size returns the number of identities currently loaded.
func (r *FileRoster) Size() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return 0, err
	}
	return len(r.members), nil
}

func (r *FileRoster) refresh() error {
	info, err := os.Stat(r.path)
	if err != nil {
		r.loaded = false
		r.members = nil
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrRosterMissing, r.path)
		}
		return fmt.Errorf("stat allow-list: %w", err)
	}
	if r.loaded && info.ModTime().Equal(r.modTime) && info.Size() == r.size {
		return nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open allow-list: %w", err)
	}
	defer f.Close()

	members := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		members[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read allow-list: %w", err)
	}
	r.members = members
	r.modTime = info.ModTime()
	r.size = info.Size()
	r.loaded = true
	return nil
}
