package syncer

import "errors"

var (
	// ErrNoDraftFiles rejects Deploy when the draft set is empty.
	ErrNoDraftFiles = errors.New("no draft files to deploy")

	// ErrNoDeployedFiles rejects Sync when nothing has been deployed.
	ErrNoDeployedFiles = errors.New("no deployed files to sync")

	// ErrControllerOffline is an expected condition, not a server
	// fault: the target owner has no live session right now.
	ErrControllerOffline = errors.New("controller is offline")

	// ErrEmptyDriver rejects generated driver code that came back blank.
	ErrEmptyDriver = errors.New("generated driver code is empty")

	// ErrDriverTooLarge rejects generated driver code above the size cap.
	ErrDriverTooLarge = errors.New("generated driver code exceeds size limit")

	// ErrNoDriverAuthor is returned when driver generation is requested
	// but no generation collaborator is wired.
	ErrNoDriverAuthor = errors.New("no driver author configured")

	// ErrDriverNotFound is returned when a driver sync references a
	// driver that was never stored.
	ErrDriverNotFound = errors.New("driver not found")
)
