package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/phobologic/rootcause/internal/graph"
	"github.com/phobologic/rootcause/internal/index"
	"github.com/phobologic/rootcause/internal/model"
)

// Key layout:
//
//	snap:{hash}:data → gzip(JSON(payload))
//	snap:{hash}:meta → JSON(Meta)
const (
	keyPrefix  = "snap:"
	suffixData = ":data"
	suffixMeta = ":meta"
)

// SchemaVersion changes whenever the persisted index layout does; entries
// written under another version are treated as missing.
const SchemaVersion = "2"

// ErrNotFound is returned by Store.Load for unknown snapshots.
var ErrNotFound = errors.New("snapshot not in store")

// Meta describes a persisted snapshot.
type Meta struct {
	Hash           string `json:"hash"`
	SchemaVersion  string `json:"schemaVersion"`
	Files          int    `json:"files"`
	Methods        int    `json:"methods"`
	Edges          int    `json:"edges"`
	SavedAtMilli   int64  `json:"savedAtMilli"`
	CompressedSize int64  `json:"compressedSize"`
	Checksum       string `json:"checksum"`
}

type payload struct {
	Index    *index.Index     `json:"index"`
	Graph    *graph.CallGraph `json:"graph"`
	Warnings []model.Warning  `json:"warnings,omitempty"`
}

// Store persists built snapshots in badger so they survive restarts.
// It is safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenStore opens (or creates) a store in dir. An empty dir keeps
// everything in memory.
func OpenStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = discard()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes e under its hash, replacing any previous copy.
func (s *Store) Save(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(payload{Index: e.Index, Graph: e.Graph, Warnings: e.Warnings})
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(raw); err != nil {
		return fmt.Errorf("compressing snapshot: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}
	data := buf.Bytes()

	meta, err := json.Marshal(Meta{
		Hash:           e.Hash,
		SchemaVersion:  SchemaVersion,
		Files:          len(e.Index.Files),
		Methods:        len(e.Index.Methods),
		Edges:          len(e.Graph.Edges),
		SavedAtMilli:   time.Now().UnixMilli(),
		CompressedSize: int64(len(data)),
		Checksum:       checksum(data),
	})
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(e.Hash), data); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.Set(metaKey(e.Hash), meta); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing snapshot %s: %w", e.Hash, err)
	}

	s.logger.Debug("snapshot persisted", "hash", e.Hash, "bytes", len(data))
	return nil
}

// Load reads the snapshot stored under hash. It returns ErrNotFound when
// there is none or it was written by another schema version.
func (s *Store) Load(ctx context.Context, hash string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data, metaJSON []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(hash))
		if err != nil {
			return err
		}
		if data, err = item.ValueCopy(nil); err != nil {
			return err
		}
		item, err = txn.Get(metaKey(hash))
		if err != nil {
			return err
		}
		metaJSON, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", hash, err)
	}

	var meta Meta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata for %s: %w", hash, err)
	}
	if meta.SchemaVersion != SchemaVersion {
		return nil, ErrNotFound
	}
	if got := checksum(data); got != meta.Checksum {
		return nil, fmt.Errorf("integrity check failed for %s: expected %s, got %s", hash, meta.Checksum, got)
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot %s: %w", hash, err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", hash, err)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot %s: %w", hash, err)
	}
	if p.Index == nil || p.Graph == nil {
		return nil, fmt.Errorf("snapshot %s is incomplete", hash)
	}
	return &Entry{
		Hash:     hash,
		Index:    p.Index,
		Graph:    p.Graph,
		Warnings: p.Warnings,
		BuiltAt:  time.UnixMilli(meta.SavedAtMilli),
	}, nil
}

// Delete removes the snapshot stored under hash. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{dataKey(hash), metaKey(hash)} {
			if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", hash, err)
	}
	return nil
}

// List returns the metadata of every stored snapshot, in key order.
func (s *Store) List(ctx context.Context) ([]Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if !bytes.HasSuffix(item.Key(), []byte(suffixMeta)) {
				continue
			}
			var m Meta
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
				s.logger.Warn("skipping corrupt metadata", "key", string(item.Key()), "error", err)
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return out, nil
}

func dataKey(hash string) []byte { return []byte(keyPrefix + hash + suffixData) }
func metaKey(hash string) []byte { return []byte(keyPrefix + hash + suffixMeta) }

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
