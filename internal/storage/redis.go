package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/readerguard/internal/exchange"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

// redisStorage keeps one hash per partition plus a set holding every
// partition name. Entries are JSON encoded response snapshots.
type redisStorage struct {
	client valkey.Client
	prefix string
}

func NewRedis(cfg RedisConfig) (Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("storage: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("storage: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("storage: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("storage: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "readerguard:"
	}
	return &redisStorage{client: client, prefix: prefix}, nil
}

// Partition scripts check membership in the names set and touch the hash in
// one step, so a reap between the two can never be observed. KEYS are the
// names set and the partition hash; ARGV[1] is the partition name.
const partitionGone = -1

var (
	matchEntry = valkey.NewLuaScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return -1 end
return redis.call('HGET', KEYS[2], ARGV[2])`)
	putEntry = valkey.NewLuaScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return -1 end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1`)
	deleteEntry = valkey.NewLuaScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return -1 end
return redis.call('HDEL', KEYS[2], ARGV[2])`)
	listEntries = valkey.NewLuaScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return -1 end
return redis.call('HKEYS', KEYS[2])`)
	dropPartition = valkey.NewLuaScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return removed`)
)

func (s *redisStorage) namesKey() string { return s.prefix + "partitions" }

func (s *redisStorage) partitionKey(name string) string { return s.prefix + "partition:" + name }

func (s *redisStorage) Open(ctx context.Context, name string) (Partition, error) {
	cmd := s.client.B().Sadd().Key(s.namesKey()).Member(name).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("storage: redis open %s: %w", name, err)
	}
	return &redisPartition{storage: s, name: name, key: s.partitionKey(name)}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	cmd := s.client.B().Sismember().Key(s.namesKey()).Member(name).Build()
	n, err := s.client.Do(ctx, cmd).ToInt64()
	if err != nil {
		return false, fmt.Errorf("storage: redis has %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *redisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.namesKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("storage: redis names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := dropPartition.Exec(ctx, s.client, []string{s.namesKey(), s.partitionKey(name)}, []string{name}).ToInt64()
	if err != nil {
		return false, fmt.Errorf("storage: redis delete %s: %w", name, err)
	}
	return removed == 1, nil
}

func (s *redisStorage) Close(context.Context) error {
	s.client.Close()
	return nil
}

type redisPartition struct {
	storage *redisStorage
	name    string
	key     string
}

func (p *redisPartition) Name() string { return p.name }

func (p *redisPartition) keys() []string {
	return []string{p.storage.namesKey(), p.key}
}

func (p *redisPartition) Match(ctx context.Context, key string) (*exchange.Response, bool, error) {
	resp := matchEntry.Exec(ctx, p.storage.client, p.keys(), []string{p.name, key})
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: redis match: %w", err)
	}
	if n, err := resp.ToInt64(); err == nil && n == partitionGone {
		return nil, false, ErrPartitionNotFound
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("storage: redis match bytes: %w", err)
	}
	stored, err := decodeResponse(payload)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// Put refuses to write into a partition that was deleted after this handle
// was opened, otherwise a late writer would resurrect an orphaned hash.
func (p *redisPartition) Put(ctx context.Context, key string, resp *exchange.Response) error {
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	payload, err := encodeResponse(stored)
	if err != nil {
		return err
	}
	n, err := putEntry.Exec(ctx, p.storage.client, p.keys(), []string{p.name, key, string(payload)}).ToInt64()
	if err != nil {
		return fmt.Errorf("storage: redis put: %w", err)
	}
	if n == partitionGone {
		return ErrPartitionNotFound
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	n, err := deleteEntry.Exec(ctx, p.storage.client, p.keys(), []string{p.name, key}).ToInt64()
	if err != nil {
		return false, fmt.Errorf("storage: redis hdel: %w", err)
	}
	if n == partitionGone {
		return false, ErrPartitionNotFound
	}
	return n == 1, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	resp := listEntries.Exec(ctx, p.storage.client, p.keys(), []string{p.name})
	if n, err := resp.ToInt64(); err == nil && n == partitionGone {
		return nil, ErrPartitionNotFound
	}
	keys, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("storage: redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
