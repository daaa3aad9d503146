package chain

import "context"

// Mode selects which block stream a Streamer follows.
type Mode string

const (
	// ModeHead follows the latest produced blocks, which may reorg.
	ModeHead Mode = "head"
	// ModeIrreversible follows finalized blocks only.
	ModeIrreversible Mode = "irreversible"
)

// Streamer yields an infinite ordered sequence of transactions from the
// upstream node. Next blocks until a transaction is available, the context
// is cancelled, or the stream fails fatally; after an error the Streamer is
// dead and must be re-dialed.
type Streamer interface {
	Next(ctx context.Context) (Transaction, error)
	Close() error
}

// Dialer opens a Streamer for one mode. The broker re-dials through this on
// every worker launch so a failed upstream connection heals on the next
// registration.
type Dialer func(ctx context.Context, mode Mode) (Streamer, error)
