// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
)

const (
	defaultCacheDir       = "/var/cache/nextdns-profile-monitor"
	cacheFilePrefix       = "reading_"
	cacheFileExt          = ".json"
	defaultMaxSize        = 50 * 1024 * 1024 // 50 MB
	defaultMaxAge         = 7 * 24 * time.Hour
	replayBatchSize       = 100
	defaultCheckInterval  = 30 * time.Second
	alertTimeout          = 5 * time.Second
	writeTimeout          = 10 * time.Second
	cacheWarningThreshold = 0.8
)

// LocalCache keeps readings as JSON files while InfluxDB is unreachable.
type LocalCache struct {
	dir         string
	maxSize     int64
	maxAge      time.Duration
	mu          sync.Mutex
	currentSize int64
}

// CachedReading is the on-disk form of a cached reading.
type CachedReading struct {
	Reading  *interfaces.QueryReading `json:"reading"`
	CachedAt time.Time                `json:"cached_at"`
	ID       string                   `json:"id"`
}

// NewLocalCache opens or creates a cache directory. Zero values select the
// defaults. Entries older than maxAge are removed on open.
func NewLocalCache(dir string, maxSize int64, maxAge time.Duration) (*LocalCache, error) {
	if dir == "" {
		dir = defaultCacheDir
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	lc := &LocalCache{dir: dir, maxSize: maxSize, maxAge: maxAge}

	if err := lc.recalculateSize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to calculate initial cache size")
	}
	if _, err := lc.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to clean up expired cache entries")
	}

	return lc, nil
}

// Write stores a reading. It fails when the cache has reached its size limit.
func (lc *LocalCache) Write(reading *interfaces.QueryReading) error {
	if reading == nil {
		return fmt.Errorf("cannot cache nil reading")
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.currentSize >= lc.maxSize {
		return fmt.Errorf("cache is full (%d >= %d bytes)", lc.currentSize, lc.maxSize)
	}

	now := time.Now()
	entry := &CachedReading{
		Reading:  reading,
		CachedAt: now,
		ID:       fmt.Sprintf("%020d_%s", now.UnixNano(), uuid.NewString()),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	path := lc.path(entry.ID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	lc.setSize(lc.currentSize + int64(len(data)))
	metrics.ReadingsCached.Inc()

	logger.Debug().
		Str("device_id", reading.DeviceID).
		Str("file", filepath.Base(path)).
		Int64("cache_size", lc.currentSize).
		Msg("Cached reading locally")

	return nil
}

// List returns every cached reading, oldest first. Unreadable files are
// skipped.
func (lc *LocalCache) List() ([]*CachedReading, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	files, err := lc.files()
	if err != nil {
		return nil, err
	}

	entries := make([]*CachedReading, 0, len(files))
	for _, file := range files {
		entry, _, err := readEntry(file)
		if err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Skipping unreadable cache file")
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CachedAt.Equal(entries[j].CachedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CachedAt.Before(entries[j].CachedAt)
	})

	return entries, nil
}

// Delete removes one cached reading.
func (lc *LocalCache) Delete(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid cache entry id %q", id)
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	path := lc.path(id)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat cache file: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}

	lc.setSize(lc.currentSize - info.Size())
	return nil
}

// CleanupOld removes entries cached longer than the maximum age and returns
// how many were removed.
func (lc *LocalCache) CleanupOld() (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	files, err := lc.files()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-lc.maxAge)
	removed := 0

	for _, file := range files {
		entry, size, err := readEntry(file)
		if err != nil || !entry.CachedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to delete expired cache file")
			continue
		}
		removed++
		lc.setSize(lc.currentSize - size)
	}

	if removed > 0 {
		logger.Info().Int("count", removed).Msg("Removed expired cache entries")
	}
	return removed, nil
}

// Size returns the bytes currently held by the cache.
func (lc *LocalCache) Size() int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.currentSize
}

// MaxSize returns the configured size limit.
func (lc *LocalCache) MaxSize() int64 {
	return lc.maxSize
}

// Dir returns the cache directory.
func (lc *LocalCache) Dir() string {
	return lc.dir
}

func (lc *LocalCache) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(lc.dir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list cache files: %w", err)
	}
	return files, nil
}

func (lc *LocalCache) recalculateSize() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	files, err := lc.files()
	if err != nil {
		return err
	}

	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	lc.setSize(total)
	return nil
}

// setSize must be called with mu held.
func (lc *LocalCache) setSize(size int64) {
	if size < 0 {
		size = 0
	}
	lc.currentSize = size
	metrics.CacheSizeBytes.Set(float64(size))
}

func (lc *LocalCache) path(id string) string {
	return filepath.Join(lc.dir, cacheFilePrefix+id+cacheFileExt)
}

func readEntry(file string) (*CachedReading, int64, error) {
	data, err := os.ReadFile(file) // #nosec G304 -- path comes from a glob of the cache directory
	if err != nil {
		return nil, 0, err
	}
	var entry CachedReading
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, 0, err
	}
	if entry.Reading == nil {
		return nil, 0, fmt.Errorf("cache file has no reading")
	}
	return &entry, int64(len(data)), nil
}

// Notifier receives storage outage alerts.
type Notifier interface {
	SendInfluxDBFailure(ctx context.Context, err error) error
	SendInfluxDBRecovery(ctx context.Context) error
	SendCacheWarning(ctx context.Context, cacheSize, maxSize int64) error
	IsEnabled() bool
}

var _ interfaces.TimeSeriesStorage = (*CachingStorage)(nil)

// CachingStorage writes through to a backend and falls back to a LocalCache
// when the backend fails. A background loop checks the backend's health and
// replays the cache once it recovers.
type CachingStorage struct {
	backend  interfaces.TimeSeriesStorage
	cache    *LocalCache
	notifier Notifier
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	outage bool // a write failed and the cache has not been fully replayed
	warned bool // the cache warning was sent during the current outage
}

// NewCachingStorage wraps backend. notifier may be nil. A non-positive
// checkInterval selects 30 seconds.
func NewCachingStorage(backend interfaces.TimeSeriesStorage, cache *LocalCache, notifier Notifier, checkInterval time.Duration) *CachingStorage {
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	cs := &CachingStorage{
		backend:  backend,
		cache:    cache,
		notifier: notifier,
		interval: checkInterval,
		ctx:      ctx,
		cancel:   cancel,
	}

	// Readings left over from a previous run are replayed like any other outage.
	if cache.Size() > 0 {
		cs.outage = true
	}

	cs.wg.Add(1)
	go cs.monitorAndReplay()

	return cs
}

// WriteReading writes to the backend, caching the reading if that fails.
// An error is returned only when both the backend and the cache fail.
func (cs *CachingStorage) WriteReading(ctx context.Context, reading *interfaces.QueryReading) error {
	err := cs.backend.WriteReading(ctx, reading)
	if err == nil {
		return nil
	}
	if validateReading(reading) != nil {
		return err
	}

	logger.Warn().Err(err).Str("device_id", reading.DeviceID).Msg("InfluxDB write failed, caching reading locally")

	cs.mu.Lock()
	firstFailure := !cs.outage
	cs.outage = true
	cs.mu.Unlock()

	if firstFailure {
		cs.alert("InfluxDB failure", func(ctx context.Context) error {
			return cs.notifier.SendInfluxDBFailure(ctx, err)
		})
	}

	if cacheErr := cs.cache.Write(reading); cacheErr != nil {
		return fmt.Errorf("influxdb write failed and cache write failed: influxdb=%w, cache=%w", err, cacheErr)
	}

	size, limit := cs.cache.Size(), cs.cache.MaxSize()
	if float64(size)/float64(limit) > cacheWarningThreshold {
		cs.mu.Lock()
		sendWarning := !cs.warned
		cs.warned = true
		cs.mu.Unlock()

		if sendWarning {
			cs.alert("cache warning", func(ctx context.Context) error {
				return cs.notifier.SendCacheWarning(ctx, size, limit)
			})
		}
	}

	return nil
}

// WriteBatch writes readings one at a time so each can fall back to the cache.
func (cs *CachingStorage) WriteBatch(ctx context.Context, readings []*interfaces.QueryReading) error {
	for i, reading := range readings {
		if err := cs.WriteReading(ctx, reading); err != nil {
			return fmt.Errorf("failed to write reading %d/%d: %w", i+1, len(readings), err)
		}
	}
	return nil
}

// Flush flushes the backend.
func (cs *CachingStorage) Flush() {
	cs.backend.Flush()
}

// Close stops the replay loop and closes the backend.
func (cs *CachingStorage) Close() {
	logger.Info().Msg("Closing caching storage")
	cs.cancel()
	cs.wg.Wait()
	cs.backend.Close()
}

// Health reports the backend's health.
func (cs *CachingStorage) Health(ctx context.Context) error {
	return cs.backend.Health(ctx)
}

// QueryLatestReading queries the backend.
func (cs *CachingStorage) QueryLatestReading(ctx context.Context, deviceID string) (*interfaces.QueryReading, error) {
	return cs.backend.QueryLatestReading(ctx, deviceID)
}

// InOutage reports whether readings are currently being diverted to the cache.
func (cs *CachingStorage) InOutage() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.outage
}

// ConsumeReadings writes every reading received on readings until the
// channel is closed or ctx is cancelled.
func (cs *CachingStorage) ConsumeReadings(ctx context.Context, readings <-chan *interfaces.QueryReading) {
	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-readings:
			if !ok {
				logger.Info().Msg("Readings channel closed, data writer exiting")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			if err := cs.WriteReading(writeCtx, reading); err != nil {
				logger.Error().Err(err).Str("device_id", reading.DeviceID).Msg("Reading lost: storage and cache both failed")
			}
			cancel()
		}
	}
}

func (cs *CachingStorage) monitorAndReplay() {
	defer cs.wg.Done()

	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			if _, err := cs.cache.CleanupOld(); err != nil {
				logger.Warn().Err(err).Msg("Failed to clean up expired cache entries")
			}
			cs.checkAndReplay()
		}
	}
}

// checkAndReplay replays the cache if an outage is in progress and the
// backend reports healthy. The outage ends only once the cache is empty.
func (cs *CachingStorage) checkAndReplay() {
	if !cs.InOutage() || cs.ctx.Err() != nil {
		return
	}

	healthCtx, cancel := context.WithTimeout(cs.ctx, alertTimeout)
	err := cs.backend.Health(healthCtx)
	cancel()
	if err != nil {
		logger.Debug().Err(err).Msg("InfluxDB still unhealthy, keeping readings in cache")
		return
	}

	logger.Info().Msg("InfluxDB is healthy, replaying cached readings")
	if err := cs.replay(); err != nil {
		logger.Error().Err(err).Msg("Failed to replay cached readings")
		return
	}

	cs.mu.Lock()
	cs.outage = false
	cs.warned = false
	cs.mu.Unlock()

	cs.alert("InfluxDB recovery", func(ctx context.Context) error {
		return cs.notifier.SendInfluxDBRecovery(ctx)
	})
}

// replay writes cached readings in batches, oldest first, deleting each
// batch once it has been written. It stops at the first failing batch.
func (cs *CachingStorage) replay() error {
	entries, err := cs.cache.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	logger.Info().Int("count", len(entries)).Msg("Replaying cached readings")

	replayed := 0
	for start := 0; start < len(entries); start += replayBatchSize {
		end := min(start+replayBatchSize, len(entries))
		batch := entries[start:end]

		readings := make([]*interfaces.QueryReading, len(batch))
		for i, entry := range batch {
			readings[i] = entry.Reading
		}

		if err := cs.backend.WriteBatch(cs.ctx, readings); err != nil {
			return fmt.Errorf("replayed %d of %d readings: %w", replayed, len(entries), err)
		}

		for _, entry := range batch {
			if err := cs.cache.Delete(entry.ID); err != nil {
				logger.Warn().Err(err).Str("id", entry.ID).Msg("Failed to delete replayed cache entry")
			}
		}
		replayed += len(batch)
		metrics.ReadingsReplayed.Add(float64(len(batch)))
	}

	cs.backend.Flush()
	logger.Info().Int("count", replayed).Msg("Finished replaying cached readings")
	return nil
}

func (cs *CachingStorage) alert(kind string, send func(ctx context.Context) error) {
	if cs.notifier == nil || !cs.notifier.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(cs.ctx, alertTimeout)
	defer cancel()
	if err := send(ctx); err != nil {
		logger.Error().Err(err).Str("alert", kind).Msg("Failed to send storage alert")
	}
}
