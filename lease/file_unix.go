//go:build unix

package lease

import (
	"context"
	"errors"
	"os"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type fileLease struct {
	file *os.File
}

// acquireFile takes an exclusive flock of |path|, and records |identity|
// within it. The lock is released by the kernel if the process exits.
func acquireFile(path, identity string) (Lease, error) {
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "opening lease file")
	}

	if err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); errors.Is(err, syscall.EWOULDBLOCK) {
		var holder, _ = os.ReadFile(path)
		_ = f.Close()
		return nil, pkgerrors.WithMessagef(ErrHeld, "%s (holder %q)", path, string(holder))
	} else if err != nil {
		_ = f.Close()
		return nil, pkgerrors.WithMessage(err, "locking lease file")
	}

	if err = f.Truncate(0); err == nil {
		_, err = f.WriteAt([]byte(identity), 0)
	}
	if err != nil {
		log.WithFields(log.Fields{"path": path, "err": err}).Warn("failed to record lease holder")
	}

	log.WithFields(log.Fields{"path": path, "identity": identity}).Info("acquired file lease")
	return &fileLease{file: f}, nil
}

func (l *fileLease) Lost() <-chan struct{} { return nil }

func (l *fileLease) Release(_ context.Context) error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
