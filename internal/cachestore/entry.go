package cachestore

import (
	"bytes"
	"encoding/gob"
	"time"

	"offline0/internal/fetch"
)

// StoredEntry is a response held by exactly one store. Entries handed out by
// a Store are copies; mutating them never changes what is stored.
type StoredEntry struct {
	Key       Key
	Response  *fetch.Response
	StoredAt  time.Time
	CacheName string
}

type entryMeta struct {
	Size     int64
	StoredAt int64 // unix nanoseconds
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
