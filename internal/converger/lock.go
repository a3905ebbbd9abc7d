package converger

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ProducerLockDB is a SQLite-backed row lock on destination paths,
// built on database/sql and glebarez/go-sqlite with WAL mode and a
// writer mutex around every write: one row per path currently being
// produced. It exists for operators who run several independent
// tinyCDN processes against the same destination tree without wiring
// them into a master/worker pair — a second line of defense alongside
// (not a replacement for) the Unix-socket Converger.
type ProducerLockDB struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// OpenProducerLockDB opens (creating if necessary) the SQLite database
// at path and ensures its schema exists.
func OpenProducerLockDB(path string) (*ProducerLockDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("converger: opening producer lock db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS producer_locks (
		path TEXT PRIMARY KEY,
		acquired_at INTEGER
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("converger: creating producer_locks table: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("converger: enabling WAL mode: %w", err)
	}
	return &ProducerLockDB{db: db, writeMutex: &sync.Mutex{}}, nil
}

// tryAcquire attempts to insert a lock row for path. It reports true if
// this call won the lock, false if another producer already holds it.
func (l *ProducerLockDB) tryAcquire(path string) (bool, error) {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()

	_, err := l.db.Exec("INSERT INTO producer_locks (path, acquired_at) VALUES (?, ?)", path, time.Now().Unix())
	if err != nil {
		// Primary-key collision means someone else holds the lock; any
		// other error is a real failure the caller should surface.
		if isUniqueConstraintErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *ProducerLockDB) release(path string) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	_, err := l.db.Exec("DELETE FROM producer_locks WHERE path = ?", path)
	return err
}

// AcquireOrWait either wins the lock for path (returning a release
// function the caller must call when production finishes) or, if
// another process already holds it, polls until the lock is released
// — at which point the caller should assume the other producer finished
// and simply re-stat rather than produce itself. acquired reports which
// case happened.
func (l *ProducerLockDB) AcquireOrWait(path string) (release func(), acquired bool, err error) {
	won, err := l.tryAcquire(path)
	if err != nil {
		return nil, false, err
	}
	if won {
		return func() { l.release(path) }, true, nil
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		held, err := l.isHeld(path)
		if err != nil {
			return nil, false, err
		}
		if !held {
			return func() {}, false, nil
		}
	}
	return nil, false, fmt.Errorf("converger: timed out waiting for producer lock on %s", path)
}

func (l *ProducerLockDB) isHeld(path string) (bool, error) {
	var count int
	err := l.db.QueryRow("SELECT COUNT(1) FROM producer_locks WHERE path = ?", path).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Close releases the underlying database handle.
func (l *ProducerLockDB) Close() error { return l.db.Close() }

func isUniqueConstraintErr(err error) bool {
	// glebarez/go-sqlite (via modernc.org/sqlite) reports constraint
	// violations with "constraint" in the error text; matching on
	// substring avoids importing the driver's internal error type.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
