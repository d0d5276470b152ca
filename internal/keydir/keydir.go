// Package keydir stores each user's public key-exchange (KEM) and signature
// keys. Keys are opaque JSON values as published by the client.
package keydir

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("keydir: key not found")

type Keys struct {
	KEM  json.RawMessage `json:"kem_pub"`
	Sign json.RawMessage `json:"falcon_pub"`
}

type Directory interface {
	Put(ctx context.Context, uid string, keys Keys) error
	Get(ctx context.Context, uid string) (Keys, error)
}

type Memory struct {
	mu   sync.RWMutex
	keys map[string]Keys
}

func NewMemory() *Memory { return &Memory{keys: make(map[string]Keys)} }

func (m *Memory) Put(_ context.Context, uid string, k Keys) error {
	m.mu.Lock()
	m.keys[uid] = k
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, uid string) (Keys, error) {
	m.mu.RLock()
	k, ok := m.keys[uid]
	m.mu.RUnlock()
	if !ok {
		return Keys{}, ErrNotFound
	}
	return k, nil
}

// Redis keeps one hash per user: {prefix}{uid} -> {kem, sign}.
type Redis struct {
	cli    *redis.Client
	prefix string
}

func NewRedis(cli *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "relay:keys:"
	}
	return &Redis{cli: cli, prefix: prefix}
}

func (r *Redis) Put(ctx context.Context, uid string, k Keys) error {
	return r.cli.HSet(ctx, r.prefix+uid, "kem", string(k.KEM), "sign", string(k.Sign)).Err()
}

func (r *Redis) Get(ctx context.Context, uid string) (Keys, error) {
	m, err := r.cli.HGetAll(ctx, r.prefix+uid).Result()
	if err != nil {
		return Keys{}, err
	}
	if len(m) == 0 {
		return Keys{}, ErrNotFound
	}
	return Keys{KEM: json.RawMessage(m["kem"]), Sign: json.RawMessage(m["sign"])}, nil
}
