package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keepsakebot/keepsake/remotelog/stores"
	log "github.com/sirupsen/logrus"
)

// FileSystemStoreRoot is the filesystem path which roots the paths of file://
// store URLs. If empty, URL paths are used as absolute filesystem paths.
var FileSystemStoreRoot = ""

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a file:// store URL.
type StoreQueryArgs struct {
	// Sync flushes written files to stable storage before they're renamed
	// into place.
	Sync bool
}

type store struct {
	args   StoreQueryArgs
	prefix string
}

// New creates a new filesystem Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var s = &store{prefix: ep.Path}
	return s, stores.ParseStoreArgs(ep, &s.args)
}

func (s store) Provider() string { return "fs" }

func (s store) SignGet(path string, _ time.Duration) (string, error) {
	return "file://" + filepath.ToSlash(s.fsPath(path)), nil
}

func (s store) Get(_ context.Context, path string) (io.ReadCloser, error) {
	var f, err = os.Open(s.fsPath(path))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", path, stores.ErrNotFound)
	}
	return f, err
}

func (s store) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64, _ string) error {
	// The base directory must exist: it's not created on the user's behalf.
	var baseDir = s.fsPath("")
	if _, err := os.Stat(baseDir); err != nil {
		return fmt.Errorf("%s %s: %w", invalidFileStoreDirectory, baseDir, err)
	}
	var fsPath = s.fsPath(path)

	if err := os.MkdirAll(filepath.Dir(fsPath), 0750); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(fsPath), ".partial-"+filepath.Base(fsPath))
	if err != nil {
		return err
	}

	defer func(name string) {
		if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithFields(log.Fields{"err": rmErr, "path": fsPath}).
				Warn("failed to cleanup temp file")
		}
	}(f.Name())

	_, err = io.Copy(f, io.NewSectionReader(content, 0, contentLength))

	if err == nil && s.args.Sync {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(f.Name(), fsPath)
	}
	return err
}

func (s store) List(_ context.Context, prefix string, callback func(path string, size int64, modTime time.Time) error) error {
	var dir = s.fsPath(prefix)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(dir,
		func(name string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			} else if info.IsDir() {
				return nil // Descend into directory.
			} else if strings.HasPrefix(info.Name(), ".partial-") {
				return nil // In-progress Put.
			}
			relPath, err := filepath.Rel(dir, name)
			if err != nil {
				return err
			}
			return callback(filepath.ToSlash(relPath), info.Size(), info.ModTime())
		})
}

func (s store) Remove(_ context.Context, path string) error {
	if err := os.Remove(s.fsPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrPermission) || strings.Contains(err.Error(), invalidFileStoreDirectory)
}

func (s store) fsPath(path string) string {
	return filepath.Join(FileSystemStoreRoot, filepath.FromSlash(s.prefix+path))
}

const invalidFileStoreDirectory = "invalid file store directory"
