package runtime

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const gcDiscardRatio = 0.5

// StorageGC reclaims badger value log space left by updated rows and
// expired revocations.
type StorageGC struct {
	log      *slog.Logger
	db       *badger.DB
	interval time.Duration
}

func NewStorageGC(log *slog.Logger, db *badger.DB, interval time.Duration) *StorageGC {
	return &StorageGC{log: log, db: db, interval: interval}
}

func (g *StorageGC) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.collect(); err != nil {
				return err
			}
		}
	}
}

// collect rewrites value log files until badger reports nothing left.
func (g *StorageGC) collect() error {
	rewritten := 0
	for {
		err := g.db.RunValueLogGC(gcDiscardRatio)
		switch {
		case err == nil:
			rewritten++
		case stderrors.Is(err, badger.ErrNoRewrite), stderrors.Is(err, badger.ErrRejected):
			if rewritten > 0 {
				g.log.Debug("Value log collected", "files", rewritten)
			}
			return nil
		default:
			return err
		}
	}
}
