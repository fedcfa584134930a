// Package sequence hands out the per-year number embedded in process codes.
package sequence

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Memory counts per year in process memory.
type Memory struct {
	mu     sync.Mutex
	byYear map[int]int64
}

func NewMemory() *Memory {
	return &Memory{byYear: make(map[int]int64)}
}

func (m *Memory) Next(_ context.Context, year int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byYear[year]++
	return m.byYear[year], nil
}

// Seed raises the last issued number for year to at least last.
func (m *Memory) Seed(_ context.Context, year int, last int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last > m.byYear[year] {
		m.byYear[year] = last
	}
	return nil
}

const keyPrefix = "subsidy:code-seq:"

// Redis counts with INCR, shared by every replica.
type Redis struct {
	client redis.Cmdable
}

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

func Key(year int) string {
	return fmt.Sprintf("%s%d", keyPrefix, year)
}

func (r *Redis) Next(ctx context.Context, year int) (int64, error) {
	n, err := r.client.Incr(ctx, Key(year)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", Key(year), err)
	}
	return n, nil
}

// Seed raises the counter to at least last without ever lowering it.
func (r *Redis) Seed(ctx context.Context, year int, last int64) error {
	const script = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur < tonumber(ARGV[1]) then redis.call('SET', KEYS[1], ARGV[1]) end
return 0`
	if err := r.client.Eval(ctx, script, []string{Key(year)}, last).Err(); err != nil {
		return fmt.Errorf("seed %s: %w", Key(year), err)
	}
	return nil
}
