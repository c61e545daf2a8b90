package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/l0p7/readerguard/internal/exchange"
)

// ErrPartitionNotFound is returned when a partition was deleted while a caller
// still held a handle to it.
var ErrPartitionNotFound = errors.New("storage: partition not found")

// Partition is a named key-value store of response snapshots. Writes
// overwrite by key; the last writer wins.
type Partition interface {
	Name() string
	Match(ctx context.Context, key string) (*exchange.Response, bool, error)
	Put(ctx context.Context, key string, resp *exchange.Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Storage owns the set of partitions. It mirrors the browser cache storage
// surface: open-or-create, enumerate, and bulk delete by name.
type Storage interface {
	Open(ctx context.Context, name string) (Partition, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	Close(ctx context.Context) error
}

func encodeResponse(resp *exchange.Response) ([]byte, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal: %w", err)
	}
	return payload, nil
}

func decodeResponse(payload []byte) (*exchange.Response, error) {
	var resp exchange.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("storage: unmarshal: %w", err)
	}
	return &resp, nil
}
