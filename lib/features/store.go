// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package features

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antflydb/udaner/lib/metrics"
	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss is returned when no usable cache file exists.
var ErrCacheMiss = errors.New("feature cache miss")

// FeatureCacheTTL is how long aligned partitions stay in memory.
const FeatureCacheTTL = 30 * time.Minute

// cacheVersion is bumped whenever the Feature layout changes.
const cacheVersion = 1

// CacheFileName returns the cache path for a corpus aligned for a given
// encoder and sequence length.
func CacheFileName(source, encoderID string, maxSeqLength int) string {
	name := strings.TrimRight(encoderID, "/")
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return source + "_" + name + "_" + strconv.Itoa(maxSeqLength)
}

// Request identifies one cached partition.
type Request struct {
	// Source is the corpus file the features are derived from.
	Source string
	// CachePath is where the aligned features are persisted.
	CachePath string
	// MaxSeqLength must match the cached features.
	MaxSeqLength int
	// Labels is the vocabulary the label ids refer to, nil for unlabeled
	// partitions.
	Labels []string
}

type envelope struct {
	Version        int        `json:"version"`
	SourceChecksum uint64     `json:"source_checksum"`
	MaxSeqLength   int        `json:"max_seq_length"`
	Labels         []string   `json:"labels,omitempty"`
	Features       []*Feature `json:"features"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Primary enables writing cache files. Only one worker of a run
	// should be primary.
	Primary bool
	// TTL of the in-memory layer; zero uses FeatureCacheTTL.
	TTL    time.Duration
	Logger *zap.Logger
}

// Store caches aligned partitions in memory and on disk. A missing,
// unreadable, undecodable or stale cache file is never fatal: the partition
// is recomputed and, on the primary, written back.
type Store struct {
	cache   *ttlcache.Cache[string, []*Feature]
	sfGroup singleflight.Group
	primary bool
	logger  *zap.Logger

	memoryHits atomic.Uint64
	diskHits   atomic.Uint64
	misses     atomic.Uint64
	sfHits     atomic.Uint64
}

// NewStore creates a store. Close releases the expiry goroutine.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TTL == 0 {
		cfg.TTL = FeatureCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []*Feature](cfg.TTL),
	)
	go cache.Start()

	return &Store{
		cache:   cache,
		primary: cfg.Primary,
		logger:  cfg.Logger,
	}
}

// Close stops the cache.
func (s *Store) Close() {
	s.cache.Stop()
}

// Load returns the features of req, from memory, from disk, or by calling
// align. Concurrent loads of the same partition share one computation.
func (s *Store) Load(ctx context.Context, req Request, align func() ([]*Feature, error)) ([]*Feature, error) {
	checksum, err := sourceChecksum(req.Source)
	if err != nil {
		return nil, fmt.Errorf("hashing corpus: %w", err)
	}
	key := cacheKey(req, checksum)

	if item := s.cache.Get(key); item != nil {
		s.memoryHits.Add(1)
		metrics.RecordCacheHit("memory")
		return item.Value(), nil
	}

	result, err, shared := s.sfGroup.Do(key, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		feats, err := readCache(req, checksum)
		if err == nil {
			s.diskHits.Add(1)
			metrics.RecordCacheHit("disk")
			s.logger.Info("Loaded features from cache",
				zap.String("path", req.CachePath),
				zap.Int("features", len(feats)))
			s.cache.Set(key, feats, ttlcache.DefaultTTL)
			return feats, nil
		}

		s.misses.Add(1)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			metrics.RecordCacheMiss("missing")
			s.logger.Info("No feature cache, aligning corpus",
				zap.String("path", req.CachePath))
		case errors.Is(err, ErrCacheMiss):
			metrics.RecordCacheMiss("stale")
			s.logger.Info("Stale feature cache, aligning corpus",
				zap.String("path", req.CachePath),
				zap.Error(err))
		default:
			metrics.RecordCacheMiss("corrupt")
			s.logger.Warn("Unreadable feature cache, aligning corpus",
				zap.String("path", req.CachePath),
				zap.Error(err))
		}

		start := time.Now()
		feats, err = align()
		if err != nil {
			return nil, err
		}
		s.logger.Info("Aligned corpus",
			zap.String("source", req.Source),
			zap.Int("features", len(feats)),
			zap.Duration("duration", time.Since(start)))

		if s.primary {
			if err := writeCache(req, checksum, feats); err != nil {
				s.logger.Warn("Failed to write feature cache",
					zap.String("path", req.CachePath),
					zap.Error(err))
			} else {
				s.logger.Info("Saved features into cache",
					zap.String("path", req.CachePath))
			}
		}

		s.cache.Set(key, feats, ttlcache.DefaultTTL)
		return feats, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.sfHits.Add(1)
	}
	return result.([]*Feature), nil
}

// StoreStats holds cache statistics.
type StoreStats struct {
	MemoryHits       uint64 `json:"memory_hits"`
	DiskHits         uint64 `json:"disk_hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// Stats returns cache statistics.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		MemoryHits:       s.memoryHits.Load(),
		DiskHits:         s.diskHits.Load(),
		Misses:           s.misses.Load(),
		SingleflightHits: s.sfHits.Load(),
		Items:            s.cache.Len(),
	}
}

func cacheKey(req Request, checksum uint64) string {
	h := xxhash.New()
	_, _ = h.WriteString(req.CachePath)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(req.MaxSeqLength))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatUint(checksum, 16))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strings.Join(req.Labels, " "))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

func sourceChecksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

func readCache(req Request, checksum uint64) ([]*Feature, error) {
	f, err := os.Open(req.CachePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var env envelope
	if err := decoder.NewStreamDecoder(snappy.NewReader(f)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding cache: %w", err)
	}
	switch {
	case env.Version != cacheVersion:
		return nil, fmt.Errorf("%w: version %d", ErrCacheMiss, env.Version)
	case env.SourceChecksum != checksum:
		return nil, fmt.Errorf("%w: corpus changed", ErrCacheMiss)
	case env.MaxSeqLength != req.MaxSeqLength:
		return nil, fmt.Errorf("%w: max sequence length %d", ErrCacheMiss, env.MaxSeqLength)
	case !slices.Equal(env.Labels, req.Labels):
		return nil, fmt.Errorf("%w: label vocabulary changed", ErrCacheMiss)
	}
	for i, feat := range env.Features {
		if feat == nil || len(feat.InputIDs) != req.MaxSeqLength {
			return nil, fmt.Errorf("feature %d has wrong length", i)
		}
	}
	return env.Features, nil
}

func writeCache(req Request, checksum uint64, feats []*Feature) error {
	if err := os.MkdirAll(filepath.Dir(req.CachePath), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(req.CachePath), filepath.Base(req.CachePath)+".tmp*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	sw := snappy.NewBufferedWriter(tmp)
	env := envelope{
		Version:        cacheVersion,
		SourceChecksum: checksum,
		MaxSeqLength:   req.MaxSeqLength,
		Labels:         req.Labels,
		Features:       feats,
	}
	if err := encoder.NewStreamEncoder(sw).Encode(env); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := sw.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), req.CachePath)
}
