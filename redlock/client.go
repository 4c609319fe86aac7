package redlock

import "context"

// ServerClient is the capability set the manager requires from each quorum
// participant. Implementations wrap the actual wire protocol (Redis or
// otherwise) to a given server; the manager neither knows nor cares how
// Evaluate reaches the server, only that it runs the given script
// atomically there.
type ServerClient interface {
	// Evaluate runs script atomically against keys and args on the server
	// and returns the integer reply. A returned error is treated as a
	// transport or reply error: during a voting round it is surfaced once via
	// the manager's client-error sink and counts as a failed vote for that
	// server; errors from a rollback broadcast are discarded.
	Evaluate(ctx context.Context, script string, keys []string, args []any) (int64, error)

	// Quit disconnects the client. After Manager.Quit, behavior of further
	// operations on the manager is undefined.
	Quit(ctx context.Context) error
}
