package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	// lockFileName is the lock record inside the repository root.
	lockFileName = "lock"

	// heartbeatInterval is how often the holder refreshes the lock
	// record.
	heartbeatInterval = 5 * time.Second

	// staleAfter is how long a lock may go without a heartbeat before
	// another process may break it. Generous versus the heartbeat
	// interval to ride out scheduling stalls.
	staleAfter = 2 * time.Minute

	// lockPollInterval is how often a waiting acquirer re-checks.
	lockPollInterval = 250 * time.Millisecond
)

// ErrLockTimeout is returned when the exclusive lock could not be
// acquired within the configured timeout. It is retriable: repository
// state is untouched.
var ErrLockTimeout = errors.New("segment: timed out waiting for repository lock")

// LockInfo is the serialised lock record. The owner id distinguishes
// this holder from any other process on any host; the heartbeat is
// what makes an abandoned lock detectable.
type LockInfo struct {
	Owner       string    `cbor:"owner"`
	Hostname    string    `cbor:"hostname"`
	PID         int       `cbor:"pid"`
	CreatedAt   time.Time `cbor:"created_at"`
	HeartbeatAt time.Time `cbor:"heartbeat_at"`
}

// Lock is a held exclusive repository lock. Release it on every exit
// path; a crashed holder's lock becomes breakable once its heartbeat
// goes stale.
type Lock struct {
	path   string
	info   LockInfo
	logger *slog.Logger

	mu       sync.Mutex
	released bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// AcquireLock takes the exclusive write lock for the repository at
// root, waiting up to timeout. A lock whose heartbeat is older than
// the staleness bound is broken and re-acquired.
func AcquireLock(ctx context.Context, root string, timeout time.Duration, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(root, lockFileName)

	hostname, _ := os.Hostname()
	info := LockInfo{
		Owner:     uuid.NewString(),
		Hostname:  hostname,
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC(),
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info.HeartbeatAt = time.Now().UTC()
		acquired, err := tryCreateLock(path, info)
		if err != nil {
			return nil, err
		}
		if acquired {
			l := &Lock{
				path:   path,
				info:   info,
				logger: logger,
				stopCh: make(chan struct{}),
				doneCh: make(chan struct{}),
			}
			go l.heartbeat()
			return l, nil
		}

		// Somebody holds it. Stale holders get broken; live ones are
		// waited out until the deadline.
		holder, err := readLockInfo(path)
		if err == nil && time.Since(holder.HeartbeatAt) > staleAfter {
			logger.Warn("breaking stale repository lock",
				"owner", holder.Owner,
				"hostname", holder.Hostname,
				"pid", holder.PID,
				"last_heartbeat", holder.HeartbeatAt,
			)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("segment: breaking stale lock: %w", err)
			}
			continue
		}

		if time.Now().After(deadline) {
			if err == nil {
				return nil, fmt.Errorf("%w: held by %s on %s (pid %d)",
					ErrLockTimeout, holder.Owner, holder.Hostname, holder.PID)
			}
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// BreakLock unconditionally removes the lock record for the
// repository at root. The protocol's break_lock operation: for
// operators who know the holder is gone.
func BreakLock(root string) error {
	path := filepath.Join(root, lockFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("segment: breaking lock: %w", err)
	}
	return nil
}

// ReadLock returns the current lock record, or ErrNotFound when the
// repository is unlocked.
func ReadLock(root string) (*LockInfo, error) {
	info, err := readLockInfo(filepath.Join(root, lockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &info, nil
}

// Owner returns the unique id of this lock holder.
func (l *Lock) Owner() string {
	return l.info.Owner
}

// Release stops the heartbeat and removes the lock record.
// Idempotent.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	close(l.stopCh)
	<-l.doneCh

	// Only remove the file if it is still ours: a breaker may have
	// replaced it while our heartbeat was stalled.
	holder, err := readLockInfo(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if holder.Owner != l.info.Owner {
		l.logger.Warn("lock was broken while held", "new_owner", holder.Owner)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("segment: releasing lock: %w", err)
	}
	return nil
}

// heartbeat refreshes the lock record until Release.
func (l *Lock) heartbeat() {
	defer close(l.doneCh)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.info.HeartbeatAt = time.Now().UTC()
			if err := writeLockInfo(l.path, l.info); err != nil {
				l.logger.Error("lock heartbeat failed", "error", err)
			}
		}
	}
}

// tryCreateLock atomically creates the lock file. Returns false when
// it already exists.
func tryCreateLock(path string, info LockInfo) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("segment: creating lock file: %w", err)
	}

	data, err := cbor.Marshal(info)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("segment: encoding lock record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("segment: writing lock record: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("segment: closing lock file: %w", err)
	}
	return true, nil
}

func readLockInfo(path string) (LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockInfo{}, err
	}
	var info LockInfo
	if err := cbor.Unmarshal(data, &info); err != nil {
		return LockInfo{}, fmt.Errorf("segment: decoding lock record: %w", err)
	}
	return info, nil
}

func writeLockInfo(path string, info LockInfo) error {
	data, err := cbor.Marshal(info)
	if err != nil {
		return fmt.Errorf("segment: encoding lock record: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
