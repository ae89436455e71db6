package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu       sync.Mutex
	folders  map[string]string
	finds    atomic.Int32
	creates  atomic.Int32
	entered  chan struct{}
	release  chan struct{}
	findErr  error
	uploadFn func(body io.Reader) error
	uploads  []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{folders: make(map[string]string)}
}

func (f *fakeRemote) FindFolder(_ context.Context, name string) (string, bool, error) {
	f.finds.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.findErr != nil {
		return "", false, f.findErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.folders[name]
	return id, ok, nil
}

func (f *fakeRemote) CreateFolder(_ context.Context, name string) (string, error) {
	f.creates.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "folder-" + name
	f.folders[name] = id
	return id, nil
}

func (f *fakeRemote) Upload(_ context.Context, folderID, name, contentType string, body io.Reader, _ int64) (string, error) {
	if f.uploadFn != nil {
		if err := f.uploadFn(body); err != nil {
			return "", err
		}
	} else if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, folderID+"/"+name+" "+contentType)
	return "remote-" + name, nil
}

func TestResolveFolderNotSignedIn(t *testing.T) {
	g := NewGateway(nil)
	_, err := g.ResolveFolder(context.Background(), "NavCam")
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestResolveFolderCreatesOnceAndCaches(t *testing.T) {
	g := NewGateway(nil)
	remote := newFakeRemote()
	g.SetRemote(remote)
	ctx := context.Background()

	id, err := g.ResolveFolder(ctx, "NavCam")
	require.NoError(t, err)
	assert.Equal(t, "folder-NavCam", id)

	id2, err := g.ResolveFolder(ctx, "NavCam")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.EqualValues(t, 1, remote.finds.Load())
	assert.EqualValues(t, 1, remote.creates.Load())

	cached, ok := g.CachedFolder("NavCam")
	assert.True(t, ok)
	assert.Equal(t, id, cached)
}

func TestResolveFolderUsesExisting(t *testing.T) {
	g := NewGateway(nil)
	remote := newFakeRemote()
	remote.folders["NavCam"] = "existing"
	g.SetRemote(remote)

	id, err := g.ResolveFolder(context.Background(), "NavCam")
	require.NoError(t, err)
	assert.Equal(t, "existing", id)
	assert.Zero(t, remote.creates.Load())
}

func TestResolveFolderCoalescesConcurrentCalls(t *testing.T) {
	g := NewGateway(nil)
	remote := newFakeRemote()
	remote.entered = make(chan struct{}, 8)
	remote.release = make(chan struct{})
	g.SetRemote(remote)

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := g.ResolveFolder(context.Background(), "NavCam")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	<-remote.entered
	time.Sleep(20 * time.Millisecond)
	close(remote.release)
	wg.Wait()

	assert.EqualValues(t, 1, remote.finds.Load())
	assert.EqualValues(t, 1, remote.creates.Load())
	for _, id := range ids {
		assert.Equal(t, "folder-NavCam", id)
	}
}

func TestResolveFolderDropsResultOfReplacedSession(t *testing.T) {
	g := NewGateway(nil)
	old := newFakeRemote()
	old.entered = make(chan struct{}, 1)
	old.release = make(chan struct{})
	g.SetRemote(old)

	errc := make(chan error, 1)
	go func() {
		_, err := g.ResolveFolder(context.Background(), "NavCam")
		errc <- err
	}()
	<-old.entered
	g.SetRemote(newFakeRemote())
	close(old.release)

	assert.ErrorIs(t, <-errc, ErrSessionChanged)
	_, ok := g.CachedFolder("NavCam")
	assert.False(t, ok)
}

func TestResolveFolderFailureLeavesUnresolved(t *testing.T) {
	g := NewGateway(nil)
	remote := newFakeRemote()
	remote.findErr = errors.New("quota")
	g.SetRemote(remote)

	_, err := g.ResolveFolder(context.Background(), "NavCam")
	require.Error(t, err)
	_, ok := g.CachedFolder("NavCam")
	assert.False(t, ok)
}

func TestRevokeClearsSession(t *testing.T) {
	g := NewGateway(nil)
	g.SetRemote(newFakeRemote())
	_, err := g.ResolveFolder(context.Background(), "NavCam")
	require.NoError(t, err)

	g.Revoke()

	assert.False(t, g.SignedIn())
	_, ok := g.CachedFolder("NavCam")
	assert.False(t, ok)
	_, err = g.Upload(context.Background(), "/nope", "f", "a.mov", nil)
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func writeFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mov")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func chunkedRead(body io.Reader) error {
	buf := make([]byte, 100)
	for {
		_, err := body.Read(buf)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func TestUploadReportsMonotonicProgress(t *testing.T) {
	g := NewGateway(nil)
	remote := newFakeRemote()
	remote.uploadFn = chunkedRead
	g.SetRemote(remote)
	path := writeFile(t, 1000)

	var got []float64
	id, err := g.Upload(context.Background(), path, "folder-1", "a.mov", func(p float64) { got = append(got, p) })

	require.NoError(t, err)
	assert.Equal(t, "remote-a.mov", id)
	require.NotEmpty(t, got)
	for i, p := range got {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
		if i > 0 {
			assert.Greater(t, p, got[i-1])
		}
	}
	assert.Equal(t, 1.0, got[len(got)-1])
	assert.Equal(t, []string{"folder-1/a.mov video/quicktime"}, remote.uploads)
}

func TestUploadFailureNeverReportsComplete(t *testing.T) {
	g := NewGateway(nil)
	remote := newFakeRemote()
	remote.uploadFn = func(body io.Reader) error {
		_ = chunkedRead(body)
		return errors.New("connection reset")
	}
	g.SetRemote(remote)
	path := writeFile(t, 1000)

	var last float64
	_, err := g.Upload(context.Background(), path, "folder-1", "a.mov", func(p float64) { last = p })

	require.Error(t, err)
	assert.Less(t, last, 1.0)
}

func TestUploadMissingFile(t *testing.T) {
	g := NewGateway(nil)
	g.SetRemote(newFakeRemote())
	_, err := g.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.mov"), "f", "gone.mov", nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "video/quicktime", ContentTypeFor("a.MOV"))
	assert.Equal(t, "video/mp4", ContentTypeFor("a.mp4"))
	assert.Equal(t, "image/jpeg", ContentTypeFor("thumb.jpeg"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("notes.txt"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("noext"))
}
