// Package engine implements the server side of offline-first sync: clients
// push batches of mutations that are applied exactly once in order, and pull
// incremental patches computed from per-entity version stamps.
package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind names a productivity domain ("tasks", "diary", ...).
type Kind string

// GroupKey is a parsed clientGroupID: "<kind>" or "<kind>:<instance>".
type GroupKey struct {
	Kind     Kind
	Instance string
}

func ParseGroupKey(clientGroupID string) (GroupKey, error) {
	raw := strings.TrimSpace(clientGroupID)
	if raw == "" {
		return GroupKey{}, fmt.Errorf("%w: empty client group", ErrUnknownGroup)
	}
	kind, instance, _ := strings.Cut(raw, ":")
	if kind == "" {
		return GroupKey{}, fmt.Errorf("%w: %q", ErrUnknownGroup, clientGroupID)
	}
	return GroupKey{Kind: Kind(strings.ToLower(kind)), Instance: instance}, nil
}

func (g GroupKey) String() string {
	if g.Instance == "" {
		return string(g.Kind)
	}
	return string(g.Kind) + ":" + g.Instance
}

// DatasetID names one isolated dataset: a subject's data for one kind.
// Every client group of that subject and kind shares it.
type DatasetID struct {
	Subject string
	Kind    Kind
}

func (d DatasetID) String() string { return d.Subject + "/" + string(d.Kind) }

// ClientKey scopes a mutation cursor.
type ClientKey struct {
	Subject       string
	ClientGroupID string
	ClientID      string
}

// Version is the monotonic counter of a dataset. Zero means empty.
type Version uint64

type Mutation struct {
	ClientID  string          `json:"clientID,omitempty"`
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Timestamp float64         `json:"timestamp"`
}

// Time converts the client's millisecond timestamp.
func (m Mutation) Time() time.Time {
	return time.UnixMilli(int64(m.Timestamp))
}

// Cookie is the wire form of a Version. An invalid cookie (null, unparsable
// or of an unexpected JSON type) makes a pull answer with a full snapshot.
type Cookie struct {
	Version Version
	Valid   bool
}

func CookieAt(v Version) Cookie { return Cookie{Version: v, Valid: true} }

func (c Cookie) MarshalJSON() ([]byte, error) {
	if !c.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(strconv.FormatUint(uint64(c.Version), 10))
}

func (c *Cookie) UnmarshalJSON(data []byte) error {
	*c = Cookie{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return nil
		}
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(text), 10, 64); err == nil {
		*c = CookieAt(Version(v))
	}
	return nil
}

func (c Cookie) String() string {
	if !c.Valid {
		return "null"
	}
	return strconv.FormatUint(uint64(c.Version), 10)
}

type PatchOpKind string

const (
	OpPut PatchOpKind = "put"
	OpDel PatchOpKind = "del"
)

type PatchOp struct {
	Op    PatchOpKind     `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Entity is a stored row: a live value or a tombstone.
type Entity struct {
	Key     string
	Value   json.RawMessage
	Version Version
	Deleted bool
}

// Cursor is the stored high-water mark of one client.
type Cursor struct {
	ClientID       string
	LastMutationID int64
	// Version is the dataset version at which the cursor last moved.
	Version Version
}
