package cycles

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"upcycle/internal/domain"
)

const (
	cycleKeyPrefix      = "cycle_"
	walSegmentThreshold = 1000
	walMaxSegments      = 100
	walDirPermissions   = 0o755
)

// walRecord is the persisted envelope: the cycle plus its version token.
type walRecord struct {
	Version uint64               `json:"version"`
	Cycle   *domain.TradingCycle `json:"cycle"`
}

// WALStore keeps every cycle revision in an append-only write-ahead log and
// serves reads from an in-memory index of the latest revision per market.
// Replaying the log on startup restores state after a crash or restart.
type WALStore struct {
	mu     sync.Mutex
	wal    *gowal.Wal
	latest map[string]walRecord
	logger *zap.Logger
}

// NewWALStore opens (or creates) the WAL in dir and rebuilds the index.
func NewWALStore(dir string, logger *zap.Logger) (*WALStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "log_",
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open WAL")
	}

	s := &WALStore{
		wal:    wal,
		latest: make(map[string]walRecord),
		logger: logger,
	}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, cycleKeyPrefix) {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			logger.Error("failed to unmarshal cycle record, skipping",
				zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		market := strings.TrimPrefix(msg.Key, cycleKeyPrefix)
		// later records supersede earlier ones; the log is appended in order.
		if cur, ok := s.latest[market]; !ok || rec.Version >= cur.Version {
			s.latest[market] = rec
		}
	}

	return s, nil
}

func (s *WALStore) Load(ctx context.Context, market string) (*domain.TradingCycle, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.latest[market]
	if !ok {
		return nil, 0, errors.Wrapf(ErrNotFound, "market %s", market)
	}
	return rec.Cycle.Clone(), rec.Version, nil
}

func (s *WALStore) Save(ctx context.Context, market string, cycle *domain.TradingCycle, expectedVersion uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.latest[market]

	switch {
	case expectedVersion == 0:
		// creating a fresh cycle: allowed when nothing is stored or the
		// previous cycle is terminal (the market slot is free again).
		if exists && !current.Cycle.Status.Terminal() {
			return 0, errors.Wrapf(ErrVersionConflict,
				"market %s holds a non-terminal cycle at version %d", market, current.Version)
		}
	case !exists:
		return 0, errors.Wrapf(ErrNotFound, "market %s", market)
	case current.Version != expectedVersion:
		return 0, errors.Wrapf(ErrVersionConflict,
			"market %s at version %d, expected %d", market, current.Version, expectedVersion)
	}

	newVersion := current.Version + 1
	rec := walRecord{Version: newVersion, Cycle: cycle.Clone()}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal cycle record")
	}
	if err := s.wal.Write(s.wal.CurrentIndex()+1, cycleKeyPrefix+market, data); err != nil {
		return 0, errors.Wrap(err, "failed to append cycle record")
	}

	s.latest[market] = rec
	return newVersion, nil
}

func (s *WALStore) ListActiveMarkets(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	markets := make([]string, 0, len(s.latest))
	for market, rec := range s.latest {
		if rec.Cycle.Status.Running() {
			markets = append(markets, market)
		}
	}
	sort.Strings(markets)
	return markets, nil
}

func (s *WALStore) Close() error {
	return s.wal.Close()
}
