// Package dedup implements the content-hash dedup policy that gates the
// persist stage: a task whose (url, content hash) pair is already reserved
// is treated as unchanged and skipped.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stats mirrors the dedup hit/miss counters exposed on the admin read surface.
type Stats struct {
	Processed  int64   `json:"processed"`
	Duplicates int64   `json:"duplicates"`
	HitRate    float64 `json:"hit_rate"`
	ActiveKeys int64   `json:"active_keys"`
}

// Policy decides, per (url, content hash) pair, whether a document body has
// already been accepted by the pipeline and reserves the pair atomically so
// two concurrent persist-stage workers can't both win a race on the same
// body. Keying by the pair (not content hash alone) means identical content
// served under different URLs — a shared template or boilerplate page — is
// never mistaken for a duplicate of another URL's document.
type Policy struct {
	rdb        *redis.Client
	namespace  string
	defaultTTL time.Duration
}

// New returns a content-hash dedup policy namespaced under the given prefix.
func New(rdb *redis.Client, namespace string, defaultTTL time.Duration) *Policy {
	if namespace == "" {
		namespace = "sitesearch:dedup"
	}
	if defaultTTL == 0 {
		defaultTTL = 30 * 24 * time.Hour
	}
	return &Policy{rdb: rdb, namespace: namespace, defaultTTL: defaultTTL}
}

// HashContent computes the content hash used as the dedup key, identical
// regardless of where in the pipeline it is computed.
func HashContent(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// pairKey hashes (url, content hash) into a single bounded-length key so
// reservation keys stay short regardless of URL length.
func (p *Policy) pairKey(url, contentHash string) string {
	sum := sha256.Sum256([]byte(url + "\x00" + contentHash))
	return fmt.Sprintf("%s:pair:%s", p.namespace, hex.EncodeToString(sum[:]))
}
func (p *Policy) statsKey() string { return fmt.Sprintf("%s:stats", p.namespace) }

// checkAndReserveScript atomically checks for an existing reservation and,
// if absent, reserves the hash with a TTL — the same idiom the pipeline's
// idempotency layer uses for at-least-once queue delivery, applied here to
// content rather than task identity.
const checkAndReserveScript = `
local key = KEYS[1]
local stats_key = KEYS[2]
local ttl = ARGV[1]
local version = ARGV[2]

if redis.call('EXISTS', key) == 1 then
	redis.call('HINCRBY', stats_key, 'duplicates', 1)
	return redis.call('GET', key)
else
	redis.call('SETEX', key, ttl, version)
	redis.call('HINCRBY', stats_key, 'processed', 1)
	return false
end
`

// CheckAndReserve returns (isDuplicate, priorVersion, error). When the
// (url, content hash) pair was seen before, isDuplicate is true and
// priorVersion holds the envelope version last reserved under that pair —
// callers use this to decide between an index upsert and a silent skip.
func (p *Policy) CheckAndReserve(ctx context.Context, url, contentHash string, version int) (bool, string, error) {
	res, err := p.rdb.Eval(ctx, checkAndReserveScript,
		[]string{p.pairKey(url, contentHash), p.statsKey()},
		int(p.defaultTTL.Seconds()), fmt.Sprintf("%d", version),
	).Result()
	if err != nil {
		return false, "", fmt.Errorf("check and reserve content hash: %w", err)
	}
	if res == false || res == nil {
		return false, "", nil
	}
	prior, _ := res.(string)
	return true, prior, nil
}

// Release drops a reservation, used when a persist attempt fails after
// reserving the pair so a retry is not treated as a false duplicate.
func (p *Policy) Release(ctx context.Context, url, contentHash string) error {
	return p.rdb.Del(ctx, p.pairKey(url, contentHash)).Err()
}

// Stats reports dedup hit-rate counters for the admin read surface.
func (p *Policy) Stats(ctx context.Context) (*Stats, error) {
	raw, err := p.rdb.HGetAll(ctx, p.statsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("dedup stats: %w", err)
	}
	var processed, duplicates int64
	fmt.Sscanf(raw["processed"], "%d", &processed)
	fmt.Sscanf(raw["duplicates"], "%d", &duplicates)

	var hitRate float64
	if total := processed + duplicates; total > 0 {
		hitRate = float64(duplicates) / float64(total)
	}

	pattern := fmt.Sprintf("%s:pair:*", p.namespace)
	keys, err := p.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("dedup active keys: %w", err)
	}

	return &Stats{
		Processed:  processed,
		Duplicates: duplicates,
		HitRate:    hitRate,
		ActiveKeys: int64(len(keys)),
	}, nil
}
