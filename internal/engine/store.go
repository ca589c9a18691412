package engine

import (
	"context"
	"encoding/json"
)

// ReadTx is a consistent snapshot of one dataset.
type ReadTx interface {
	Version() Version
	// Horizon is the oldest version from which Changes is still complete;
	// tombstones at or below it may have been compacted away.
	Horizon() Version
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	// Scan returns live entities whose key starts with prefix, sorted by key.
	Scan(ctx context.Context, prefix string) ([]Entity, error)
	// Changes returns entities (live and tombstones) with Version > since,
	// sorted by key.
	Changes(ctx context.Context, since Version) ([]Entity, error)
	Cursor(ctx context.Context, clientGroupID, clientID string) (int64, error)
	// Cursors lists the cursors of a client group that moved after since.
	Cursors(ctx context.Context, clientGroupID string, since Version) ([]Cursor, error)
}

// WriteTx is exclusive for its dataset until the enclosing Update returns.
type WriteTx interface {
	ReadTx
	Put(ctx context.Context, key string, value json.RawMessage, at Version) error
	Delete(ctx context.Context, key string, at Version) error
	SetVersion(ctx context.Context, v Version) error
	SetCursor(ctx context.Context, clientGroupID string, c Cursor) error
}

// Store owns entity values, the version counter and the cursor rows.
// Update must serialize writers of the same dataset and roll back every
// write if fn returns an error.
type Store interface {
	View(ctx context.Context, ds DatasetID, fn func(ReadTx) error) error
	Update(ctx context.Context, ds DatasetID, fn func(WriteTx) error) error
	// Compact drops tombstones with Version <= horizon and records the new
	// horizon. It returns the number of tombstones removed.
	Compact(ctx context.Context, ds DatasetID, horizon Version) (int, error)
	Ping(ctx context.Context) error
}

// Tx is what a Mutator sees: the dataset's current entities with its own
// pending writes layered on top.
type Tx interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Scan(ctx context.Context, prefix string) ([]Entity, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	// ClientID is the client that issued the mutation.
	ClientID() string
}
