package rooms

import (
	"context"
	"errors"
	"fmt"

	"codecollab/internal/directory"
	"codecollab/internal/store"
)

var (
	// ErrAuthorizationDenied is returned to the caller only, never broadcast.
	ErrAuthorizationDenied = errors.New("not accessible")
	ErrRoomNotFound        = errors.New("room not found")
	ErrHydrateTimeout      = errors.New("room hydration timed out")
	ErrNotJoined           = errors.New("connection has not joined a room")
	ErrInvalidLanguage     = errors.New("unsupported language")
	ErrShuttingDown        = errors.New("server shutting down")

	// ErrDirectoryUnavailable fails joins closed.
	ErrDirectoryUnavailable = directory.ErrUnavailable
)

// hydrateError maps backend failures seen while loading a room onto the
// errors the transport reports.
func hydrateError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrRoomNotFound
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrHydrateTimeout, err)
	case errors.Is(err, directory.ErrLockTimeout):
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return err
}

// directoryDown reports whether err means the directory could not be reached.
func directoryDown(err error) bool {
	return errors.Is(err, directory.ErrUnavailable) || errors.Is(err, directory.ErrLockTimeout)
}
