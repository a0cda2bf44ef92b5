package contentcore

import "context"

// Auth is the authentication/authorization collaborator. The Facade
// rejects every request unless Active is true, and
// gates getSnapshot/streamOperations on MayReadContent and
// submitOperation on MayWriteContent.
type Auth interface {
	// Active reports whether the current caller has a live, authenticated
	// session.
	Active(ctx context.Context) bool

	// UserID returns the authenticated user's identity, stamped into
	// outgoing Meta.
	UserID(ctx context.Context) string

	// SessionID returns the authenticated session's identity, stamped
	// into outgoing Meta.
	SessionID(ctx context.Context) string

	// MayReadContent reports whether the current caller may read
	// (docType, id): getSnapshot and streamOperations.
	MayReadContent(ctx context.Context, docType, id string) bool

	// MayWriteContent reports whether the current caller may write
	// (docType, id): submitOperation.
	MayWriteContent(ctx context.Context, docType, id string) bool
}
