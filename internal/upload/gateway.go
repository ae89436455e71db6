// Package upload is the thin layer over a remote storage provider: resolve or
// create the destination folder once per session and upload single clip files
// with progress.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotSignedIn is returned when no remote session is installed.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrSessionChanged is returned for a folder resolution that finished
	// after the session it ran for was replaced or revoked.
	ErrSessionChanged = errors.New("session changed during folder resolution")
)

// Remote is an authenticated storage provider session. Folders are looked up
// by name within the signed-in owner's space.
type Remote interface {
	FindFolder(ctx context.Context, name string) (id string, found bool, err error)
	CreateFolder(ctx context.Context, name string) (id string, err error)
	Upload(ctx context.Context, folderID, name, contentType string, body io.Reader, size int64) (remoteID string, err error)
}

// Gateway holds the current remote session and the resolved folder cache.
type Gateway struct {
	log *zap.Logger

	mu      sync.Mutex
	remote  Remote
	epoch   uint64
	folders map[string]string

	group singleflight.Group
}

// NewGateway returns a signed-out gateway.
func NewGateway(log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{log: log.With(zap.String("component", "upload")), folders: make(map[string]string)}
}

// SetRemote installs a new signed-in session and forgets resolved folders.
func (g *Gateway) SetRemote(r Remote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remote = r
	g.epoch++
	g.folders = make(map[string]string)
}

// Revoke signs out.
func (g *Gateway) Revoke() {
	g.SetRemote(nil)
}

// SignedIn reports whether a session is installed.
func (g *Gateway) SignedIn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remote != nil
}

// CachedFolder returns the folder id resolved in the current session.
func (g *Gateway) CachedFolder(name string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.folders[name]
	return id, ok
}

// ResolveFolder finds the named folder or creates it. Concurrent calls for
// the same session and name share one lookup.
func (g *Gateway) ResolveFolder(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	remote, epoch := g.remote, g.epoch
	id, cached := g.folders[name]
	g.mu.Unlock()
	if remote == nil {
		return "", ErrNotSignedIn
	}
	if cached {
		return id, nil
	}

	key := strconv.FormatUint(epoch, 10) + "/" + name
	v, err, _ := g.group.Do(key, func() (any, error) {
		id, found, err := remote.FindFolder(ctx, name)
		if err != nil {
			return "", fmt.Errorf("find folder %q: %w", name, err)
		}
		if !found {
			if id, err = remote.CreateFolder(ctx, name); err != nil {
				return "", fmt.Errorf("create folder %q: %w", name, err)
			}
			g.log.Info("folder created", zap.String("folder", name), zap.String("folder_id", id))
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.epoch != epoch {
			return "", ErrSessionChanged
		}
		g.folders[name] = id
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Upload sends the local file into folderID under displayName. progress, when
// non-nil, receives non-decreasing fractions in [0,1] and 1 on success.
func (g *Gateway) Upload(ctx context.Context, localPath, folderID, displayName string, progress func(float64)) (string, error) {
	g.mu.Lock()
	remote := g.remote
	g.mu.Unlock()
	if remote == nil {
		return "", ErrNotSignedIn
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat clip: %w", err)
	}

	pr := newProgressReader(f, info.Size(), progress)
	remoteID, err := remote.Upload(ctx, folderID, displayName, ContentTypeFor(displayName), pr, info.Size())
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", displayName, err)
	}
	pr.complete()
	return remoteID, nil
}
