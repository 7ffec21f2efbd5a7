package drm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/cce/internal/cce"
)

var errnoTable = []struct {
	err   error
	errno unix.Errno
}{
	{cce.ErrInvalidConfig, unix.EINVAL},
	{cce.ErrInvalidRequest, unix.EINVAL},
	{cce.ErrUninitialized, unix.EINVAL},
	{cce.ErrNotRunning, unix.EINVAL},
	{ErrBadArgument, unix.EINVAL},
	{cce.ErrRegionNotFound, unix.ENOENT},
	{cce.ErrBusy, unix.EBUSY},
	{cce.ErrLockNotHeld, unix.EPERM},
	{cce.ErrWouldBlock, unix.EAGAIN},
	{ErrLockContended, unix.EAGAIN},
	{ErrClosed, unix.EBADF},
}

// Errno returns the errno a request failing with err reports. Errors that
// match no engine condition map to EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Retry runs op again while it fails with EBUSY or EAGAIN, waiting interval
// between attempts, up to attempts extra tries. Any other failure ends it at
// once. The engine itself never retries; this is for callers of Ioctl.
func Retry(ctx context.Context, attempts uint64, interval time.Duration, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), attempts), ctx)
	return backoff.Retry(func() error {
		err := op()
		switch Errno(err) {
		case 0:
			return nil
		case unix.EBUSY, unix.EAGAIN:
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)
}
