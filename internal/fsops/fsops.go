// Package fsops provides the filesystem primitives the request state
// machine builds on: stat, readFile, mkdirAll, writeFile. Each of stat,
// readFile, and the per-directory step of mkdirAll is wrapped in a
// singleflight.Group keyed by the target path, so N concurrent callers for
// the same path cause one syscall.
package fsops

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinycdn/tinycdn/internal/singleflight"
)

// StatResult is the subset of os.FileInfo the request state machine and
// the converger's IPC reply need.
type StatResult struct {
	Size    int64
	ModTime time.Time
	IsFile  bool
}

// Primitives holds the singleflight groups backing the filesystem
// operations. A Primitives value has no state beyond those groups and is
// safe for concurrent use from any number of goroutines.
type Primitives struct {
	stat  *singleflight.Group[StatResult]
	read  *singleflight.Group[[]byte]
	mkdir *singleflight.Group[struct{}]
}

// New constructs a Primitives with empty singleflight groups.
func New() *Primitives {
	return &Primitives{
		stat:  singleflight.NewGroup[StatResult](),
		read:  singleflight.NewGroup[[]byte](),
		mkdir: singleflight.NewGroup[struct{}](),
	}
}

// Stat reports size, modification time, and regular-file-ness of path.
// Concurrent callers for the same path share one os.Stat call.
func (p *Primitives) Stat(path string) (StatResult, error) {
	val, err, _ := p.stat.Do(path, func() (StatResult, error) {
		info, err := os.Stat(path)
		if err != nil {
			return StatResult{}, err
		}
		return StatResult{
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsFile:  info.Mode().IsRegular(),
		}, nil
	})
	return val, err
}

// ReadFile reads the full contents of path. Concurrent callers for the
// same path share one os.ReadFile call. Used only for sidecar contents,
// which are small enough to read whole.
func (p *Primitives) ReadFile(path string) ([]byte, error) {
	val, err, _ := p.read.Do(path, func() ([]byte, error) {
		return os.ReadFile(path)
	})
	return val, err
}

// MkdirAll ensures every intermediate directory between root (assumed to
// already exist) and the parent of file. It walks component by component
// so each directory creation is individually singleflighted — concurrent
// materializations under a freshly-created subtree don't race to create
// the same directory twice.
func (p *Primitives) MkdirAll(root, file string) error {
	dir := filepath.Dir(file)
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}

	current := root
	for _, component := range strings.Split(rel, string(filepath.Separator)) {
		if component == "" || component == "." {
			continue
		}
		current = filepath.Join(current, component)
		_, err := p.mkdirComponent(current)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Primitives) mkdirComponent(path string) (struct{}, error) {
	val, err, _ := p.mkdir.Do(path, func() (struct{}, error) {
		if err := os.Mkdir(path, 0o755); err != nil && !os.IsExist(err) {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return val, err
}

// WriteFile creates or truncates path with the given contents. It is not
// singleflighted: it is only ever called on behalf of the leader of a
// request channel, which within one process guarantees at most one
// in-flight writer for the sidecar it is about to produce. A master
// serving several workers can receive concurrent writes for the same
// sidecar, one per worker leader.
func (p *Primitives) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
