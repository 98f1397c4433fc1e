package persist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/l1jgo/regiongc/internal/world"
	"go.uber.org/zap"
)

const badgerGCInterval = 10 * time.Minute

// BadgerStore is the default embedded backend. Keys are
// "<v|d>:<world>:" followed by big-endian x and z; values are 8-byte flags.
type BadgerStore struct {
	db     *badger.DB
	log    *zap.Logger
	stopGC chan struct{}
}

// OpenBadger opens (or creates) a store under dir. An empty dir keeps the
// store in memory, which tests use.
func OpenBadger(dir string, log *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log.Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	s := &BadgerStore{db: db, log: log, stopGC: make(chan struct{})}
	if dir != "" {
		go s.runGC(badgerGCInterval)
	}
	return s, nil
}

func badgerKey(ns Namespace, c world.ChunkCoord) []byte {
	p := byte('v')
	if ns == Deletes {
		p = 'd'
	}
	key := make([]byte, 0, 2+len(c.World)+1+8)
	key = append(key, p, ':')
	key = append(key, c.World...)
	key = append(key, ':')
	key = binary.BigEndian.AppendUint32(key, uint32(c.X))
	key = binary.BigEndian.AppendUint32(key, uint32(c.Z))
	return key
}

func (s *BadgerStore) Get(_ context.Context, ns Namespace, c world.ChunkCoord) (world.VisitFlag, error) {
	var f world.VisitFlag
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(ns, c))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("flag value has %d bytes", len(val))
			}
			f = world.VisitFlag(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return world.FlagDefault, ErrNotFound
	}
	if err != nil {
		return world.FlagDefault, fmt.Errorf("badger get %s %s: %w", ns, c, err)
	}
	return f, nil
}

func (s *BadgerStore) PutBatch(_ context.Context, recs []Record) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range recs {
		val := binary.BigEndian.AppendUint64(nil, uint64(r.Flag))
		if err := wb.Set(badgerKey(r.NS, r.Chunk), val); err != nil {
			return fmt.Errorf("badger batch set: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger batch flush: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-t.C:
			// 一次回收多個 vlog 檔，直到沒有可回收的為止
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// badgerLogger routes badger's printf logging into zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Infof(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
