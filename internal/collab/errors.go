package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound reports that no session (or participant) exists for the key.
	ErrSessionNotFound = errors.New("collab: session not found")
	// ErrDuplicateKey reports that Create found an existing session for the note.
	ErrDuplicateKey = errors.New("collab: session already exists")
	// ErrStorageUnavailable wraps every backend failure that is not one of the sentinels above.
	ErrStorageUnavailable = errors.New("collab: storage unavailable")

	errMissingStore = errors.New("session store is required")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opManagerNew      = "collab.manager.new"
	opGetOrCreate     = "collab.get_or_create_session"
	opAddUser         = "collab.add_user"
	opRemoveUser      = "collab.remove_user"
	opUpdateCursor    = "collab.update_cursor"
	opActiveUsers     = "collab.active_users"
	opSessionsForUser = "collab.sessions_for_user"
	opEndSession      = "collab.end_session"
	opAttachMeeting   = "collab.attach_meeting"
	opPurgeExpired    = "collab.purge_expired"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StorageError wraps a backend failure so that it matches ErrStorageUnavailable.
func StorageError(operation string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, operation, cause)
}
