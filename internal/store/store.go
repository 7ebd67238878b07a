// Package store defines the document store every other component persists
// through. Documents are JSON bodies addressed by (collection, id) and carry
// a version that is bumped on every write, which is what conditional writes
// are checked against.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrUnavailable     = errors.New("store unavailable")
)

const (
	// MustNotExist makes Put a create-only write.
	MustNotExist int64 = 0
	// AnyVersion makes Put an unconditional upsert.
	AnyVersion int64 = -1
)

const (
	CollectionEntries    = "entries"
	CollectionGovernance = "governance"
	CollectionAttendance = "attendance"
	CollectionFeedback   = "feedback"
)

type Document struct {
	Collection string
	ID         string
	Version    int64
	Data       json.RawMessage
	UpdatedAt  time.Time
}

// Filter selects documents whose top-level JSON fields equal the given
// values. An empty filter matches every document in the collection.
type Filter map[string]any

type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Put writes data and returns the new version. expectedVersion is
	// MustNotExist, AnyVersion, or the version the caller last read.
	Put(ctx context.Context, collection, id string, data json.RawMessage, expectedVersion int64) (int64, error)
	Scan(ctx context.Context, collection string, filter Filter) ([]*Document, error)
	Delete(ctx context.Context, collection, id string) error
	Close() error
}

// Matches reports whether a JSON object satisfies the filter. Filter values
// are compared after a JSON round trip so that Go types line up with what
// encoding/json decodes (bool, float64, string, ...).
func (f Filter) Matches(data json.RawMessage) (bool, error) {
	if len(f) == 0 {
		return true, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}
	norm, err := f.normalized()
	if err != nil {
		return false, err
	}
	for k, want := range norm {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false, nil
		}
	}
	return true, nil
}

// JSON returns the filter encoded as a JSON object.
func (f Filter) JSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(f))
}

func (f Filter) normalized() (map[string]any, error) {
	b, err := f.JSON()
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
