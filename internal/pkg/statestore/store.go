// Package statestore persists named state collections as whole JSON blobs.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load when nothing was saved under the key yet.
var ErrNotFound = errors.New("state blob not found")

// Store loads and saves opaque blobs by key. Save replaces the whole blob.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// ErrUnsafeOverwrite is returned by owners of a blob whose persisted content
// could not be read and was not copied elsewhere. Saving would destroy it.
var ErrUnsafeOverwrite = errors.New("persisted state could not be read, refusing to overwrite it")

// SafeToOverwrite reports whether a collection that failed to load with err
// may still be saved over its blob.
func SafeToOverwrite(err error) bool {
	if err == nil {
		return true
	}
	var ce *CorruptError
	return errors.As(err, &ce) && ce.Preserved()
}

// ErrCorrupt is matched by the error LoadJSON returns for a blob that does
// not decode.
var ErrCorrupt = errors.New("state blob corrupt")

// CorruptError reports an undecodable blob. CopyKey names the key the raw
// bytes were copied to; it is empty when that copy failed, in which case the
// original blob is the only copy and must not be overwritten.
type CorruptError struct {
	Key     string
	CopyKey string
	Err     error
	CopyErr error
}

func (e *CorruptError) Error() string {
	if e.CopyKey == "" {
		return fmt.Sprintf("decode %s: %v (copy failed: %v)", e.Key, e.Err, e.CopyErr)
	}
	return fmt.Sprintf("decode %s: %v (raw blob kept as %s)", e.Key, e.Err, e.CopyKey)
}

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

func (e *CorruptError) Unwrap() error { return e.Err }

// Preserved reports whether the raw bytes survive under CopyKey.
func (e *CorruptError) Preserved() bool { return e.CopyKey != "" }

// CorruptKey is where the raw bytes of an undecodable blob are kept.
func CorruptKey(key string, at time.Time) string {
	return key + ".corrupt-" + at.UTC().Format("20060102T150405.000000000Z")
}

// LoadJSON decodes the blob stored under key into v. A missing blob leaves v
// untouched and reports found=false. An undecodable blob is copied to
// CorruptKey before a *CorruptError is returned.
func LoadJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := s.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		ce := &CorruptError{Key: key, Err: err}
		copyKey := CorruptKey(key, time.Now())
		if saveErr := s.Save(ctx, copyKey, data); saveErr != nil {
			ce.CopyErr = saveErr
		} else {
			ce.CopyKey = copyKey
		}
		return true, ce
	}
	return true, nil
}

// SaveJSON encodes v and stores it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Save(ctx, key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
