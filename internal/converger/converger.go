// Package converger implements the master-bound file authority: when
// clustering is disabled it is a pass-through over the local filesystem
// primitives (already singleflighted per process, see internal/fsops);
// when a master/worker topology is configured, every file-producing
// primitive is proxied to the master over a Unix-domain-socket IPC
// connection, so at most one producer per destination path runs
// cluster-wide rather than merely process-wide.
package converger

import (
	"fmt"

	"github.com/tinycdn/tinycdn/internal/compresspipe"
	"github.com/tinycdn/tinycdn/internal/fsops"
	"github.com/tinycdn/tinycdn/internal/hashpipe"
	"github.com/tinycdn/tinycdn/internal/singleflight"
)

// Role selects which side of the master/worker pair, if any, this
// process plays.
type Role int

const (
	// RoleNone is the default: no IPC, just the local primitives. This
	// is the only mode exercised by a single-process deployment, where
	// internal/fsops's own per-path singleflighting already guarantees
	// at most one in-flight producer per artifact.
	RoleNone Role = iota
	// RoleMaster listens on a Unix socket and answers worker requests
	// by applying them to its own local primitives.
	RoleMaster
	// RoleWorker proxies every file-producing call to the master over
	// a Unix socket instead of touching the filesystem directly.
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleWorker:
		return "worker"
	default:
		return "none"
	}
}

// Authority is the set of file-producing operations the request state
// machine drives, realized either locally or by proxying to a master.
type Authority interface {
	Stat(path string) (fsops.StatResult, error)
	ReadFile(path string) ([]byte, error)
	MkdirAll(root, file string) error
	WriteFile(path string, data []byte) error
	WriteStream(sourcePath, destPath, group string, level int) error
	Hash(path, algorithm string) (string, error)
	Close() error
}

// Config configures the converger's construction.
type Config struct {
	Role Role
	// SocketPath is the Unix domain socket the master listens on and
	// workers dial. Required for RoleMaster and RoleWorker.
	SocketPath string
	// LockDB, if non-nil, additionally guards every local writeStream
	// and sidecar writeFile through a cross-process producer lock —
	// see lock.go. Independent of Role: it protects operators who run
	// several RoleNone processes against the same destination tree
	// without wiring a master/worker pair at all.
	LockDB *ProducerLockDB
}

// New constructs the Authority for cfg. For RoleNone and RoleMaster it
// wraps fs directly; for RoleWorker it ignores fs and dials SocketPath
// instead, since every file-producing call must cross the wire to the
// process that actually owns the destination tree.
func New(cfg Config, fs *fsops.Primitives) (Authority, error) {
	switch cfg.Role {
	case RoleNone:
		return newLocalAuthority(fs, cfg.LockDB), nil
	case RoleMaster:
		local := newLocalAuthority(fs, cfg.LockDB)
		srv, err := newServer(cfg.SocketPath, local)
		if err != nil {
			return nil, fmt.Errorf("converger: starting master listener: %w", err)
		}
		return &masterAuthority{local: local, server: srv}, nil
	case RoleWorker:
		client, err := newClient(cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("converger: dialing master %s: %w", cfg.SocketPath, err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("converger: unknown role %v", cfg.Role)
	}
}

// localAuthority applies every operation to the local filesystem
// primitives. Used directly under RoleNone and wrapped by masterAuthority
// under RoleMaster, so the master answers its own worker population
// using exactly the same code path it uses for itself.
type localAuthority struct {
	fs       *fsops.Primitives
	lockDB   *ProducerLockDB
	produce  *singleflight.Group[struct{}]
	hashOnce *singleflight.Group[string]
}

func newLocalAuthority(fs *fsops.Primitives, lockDB *ProducerLockDB) *localAuthority {
	return &localAuthority{
		fs:       fs,
		lockDB:   lockDB,
		produce:  singleflight.NewGroup[struct{}](),
		hashOnce: singleflight.NewGroup[string](),
	}
}

func (l *localAuthority) Stat(path string) (fsops.StatResult, error) { return l.fs.Stat(path) }

func (l *localAuthority) ReadFile(path string) ([]byte, error) { return l.fs.ReadFile(path) }

func (l *localAuthority) MkdirAll(root, file string) error { return l.fs.MkdirAll(root, file) }

// WriteFile takes the LockDB producer lock on path, when one is
// configured, before writing; if another process held it and has since
// released it, that process's sidecar is kept as written.
func (l *localAuthority) WriteFile(path string, data []byte) error {
	if l.lockDB != nil {
		release, acquired, err := l.lockDB.AcquireOrWait(path)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		defer release()
	}
	return l.fs.WriteFile(path, data)
}

// WriteStream is singleflighted by destPath in addition to whatever
// per-request coalescing happened upstream: under RoleMaster, several
// distinct worker processes can all decide "this artifact is missing"
// before any of them finishes producing it, so the master itself must
// still guarantee at most one producer per destination path. If LockDB
// is configured, the lock is additionally acquired so independent
// RoleNone processes sharing a destination tree without any IPC
// topology get the same guarantee.
func (l *localAuthority) WriteStream(sourcePath, destPath, group string, level int) error {
	_, err, _ := l.produce.Do("writeStream:"+destPath, func() (struct{}, error) {
		if l.lockDB != nil {
			release, acquired, err := l.lockDB.AcquireOrWait(destPath)
			if err != nil {
				return struct{}{}, err
			}
			if !acquired {
				// another process already produced it while we waited
				return struct{}{}, nil
			}
			defer release()
		}
		return struct{}{}, compresspipe.WriteStream(sourcePath, destPath, group, level)
	})
	return err
}

func (l *localAuthority) Hash(path, algorithm string) (string, error) {
	val, err, _ := l.hashOnce.Do("hash:"+path+":"+algorithm, func() (string, error) {
		algo, err := hashpipe.Resolve(algorithm)
		if err != nil {
			return "", err
		}
		return hashpipe.Hash(path, algo)
	})
	return val, err
}

func (l *localAuthority) Close() error { return nil }

// masterAuthority is the RoleMaster realization: it answers its own
// calls exactly like RoleNone, while also serving worker connections in
// the background over the Unix socket.
type masterAuthority struct {
	local  *localAuthority
	server *ipcServer
}

func (m *masterAuthority) Stat(path string) (fsops.StatResult, error) { return m.local.Stat(path) }
func (m *masterAuthority) ReadFile(path string) ([]byte, error)       { return m.local.ReadFile(path) }
func (m *masterAuthority) MkdirAll(root, file string) error           { return m.local.MkdirAll(root, file) }
func (m *masterAuthority) WriteFile(path string, data []byte) error {
	return m.local.WriteFile(path, data)
}
func (m *masterAuthority) WriteStream(sourcePath, destPath, group string, level int) error {
	return m.local.WriteStream(sourcePath, destPath, group, level)
}
func (m *masterAuthority) Hash(path, algorithm string) (string, error) {
	return m.local.Hash(path, algorithm)
}
func (m *masterAuthority) Close() error { return m.server.close() }
