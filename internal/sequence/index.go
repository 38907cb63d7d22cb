package sequence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/bufferpool"
)

const (
	// FileName is the name of the database file inside a stream's index directory.
	FileName = "sequence.db"

	defaultFlushBufferCount  = 1000
	defaultMaxKeySize        = 511
	defaultMaxSizeBytes      = 500 << 20
	defaultKeyBufferPoolSize = 10
	defaultOpenTimeout       = time.Second
)

var bucketName = []byte("sequence")

// Options tunes an Index. Zero values fall back to defaults.
//   - FlushBufferCount: writes per committed batch (default 1000).
//   - MaxKeySize: largest encoded key accepted (default 511).
//   - MaxSizeBytes: size the store may grow to before writes fail with ErrIndexFull (default 500MiB).
//   - KeyBufferPoolSize: pooled scratch buffers used to encode keys (default 10).
//   - OpenTimeout: how long to wait for the file lock held by another handle (default 1s).
//   - ReadOnly: open without write access.
//   - MustExist: fail with ErrIndexNotFound instead of creating a new store.
//   - Truncate: drop every existing entry on open so the store is rebuilt from empty.
//   - OnCommit: called after every successful batch commit.
type Options struct {
	FlushBufferCount  int
	MaxKeySize        int
	MaxSizeBytes      int64
	KeyBufferPoolSize int
	OpenTimeout       time.Duration
	ReadOnly          bool
	MustExist         bool
	Truncate          bool
	Logger            *zap.Logger
	OnCommit          func(entries int, took time.Duration)
}

func (o Options) withDefaults() Options {
	if o.FlushBufferCount <= 0 {
		o.FlushBufferCount = defaultFlushBufferCount
	}
	if o.MaxKeySize <= 0 {
		o.MaxKeySize = defaultMaxKeySize
	}
	if o.MaxSizeBytes <= 0 {
		o.MaxSizeBytes = defaultMaxSizeBytes
	}
	if o.KeyBufferPoolSize <= 0 {
		o.KeyBufferPoolSize = defaultKeyBufferPoolSize
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = defaultOpenTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Span summarizes the committed contents of an index. First and Last are in
// key order; Earliest and Latest carry the smallest and largest arrival ids.
type Span struct {
	First     Entry `json:"first"`
	Last      Entry `json:"last"`
	Earliest  Entry `json:"earliest"`
	Latest    Entry `json:"latest"`
	Entries   int   `json:"entries"`
	Positions int   `json:"positions"`
}

// Index is the ordered (position, arrival id) index of one content stream.
// Writes go through a single write transaction owned by the Index and are
// committed every FlushBufferCount entries.
type Index struct {
	stream string
	path   string
	opts   Options
	db     *bolt.DB
	pool   *bufferpool.Pool
	logger *zap.Logger

	mu      sync.Mutex
	tx      *bolt.Tx
	bucket  *bolt.Bucket
	arena   []byte
	pending int
	closed  bool
}

// Dir returns the directory that holds the index for stream under root.
func Dir(root, stream string) string {
	return filepath.Join(root, url.PathEscape(stream))
}

// Exists reports whether an index file for stream is present under root.
func Exists(root, stream string) bool {
	info, err := os.Stat(filepath.Join(Dir(root, stream), FileName))
	return err == nil && info.Mode().IsRegular()
}

// Open attaches to, or creates, the index for stream under root.
func Open(root, stream string, opts Options) (*Index, error) {
	opts = opts.withDefaults()
	if opts.MaxKeySize < keyOverhead {
		return nil, fmt.Errorf("%w: max key size %d is below the %d byte minimum", ErrStorageInit, opts.MaxKeySize, keyOverhead)
	}
	dir := Dir(root, stream)
	path := filepath.Join(dir, FileName)

	if opts.MustExist || opts.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: stream %q", ErrIndexNotFound, stream)
			}
			return nil, fmt.Errorf("%w: stat %s: %w", ErrStorageInit, path, err)
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrStorageInit, dir, err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:         opts.OpenTimeout,
		ReadOnly:        opts.ReadOnly,
		InitialMmapSize: int(opts.MaxSizeBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageInit, path, err)
	}
	if !opts.ReadOnly {
		if err := db.Update(func(tx *bolt.Tx) error {
			if opts.Truncate {
				if err := tx.DeleteBucket(bucketName); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
					return err
				}
			}
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: create bucket: %w", ErrStorageInit, err)
		}
	}

	pool, err := bufferpool.New(opts.KeyBufferPoolSize, opts.MaxKeySize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageInit, err)
	}

	ix := &Index{
		stream: stream,
		path:   path,
		opts:   opts,
		db:     db,
		pool:   pool,
		logger: opts.Logger.With(zap.String("stream", stream)),
	}
	ix.logger.Debug("sequence index opened",
		zap.String("path", path),
		zap.Bool("read_only", opts.ReadOnly),
		zap.Bool("truncate", opts.Truncate),
		zap.Int("flush_buffer_count", opts.FlushBufferCount),
	)
	return ix, nil
}

// Stream returns the name of the indexed stream.
func (ix *Index) Stream() string {
	return ix.stream
}

// Path returns the location of the database file.
func (ix *Index) Path() string {
	return ix.path
}

// WriteEntry records one observation. The entry becomes durable when the
// batch it belongs to is committed, either by reaching FlushBufferCount
// writes or by Commit/Close.
func (ix *Index) WriteEntry(ctx context.Context, e Entry) error {
	if n := KeyLen(e.Position); n > ix.opts.MaxKeySize {
		return fmt.Errorf("%w: key is %d bytes, limit %d", ErrKeyTooLarge, n, ix.opts.MaxKeySize)
	}
	buf, err := ix.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer ix.pool.Release(buf)

	key, err := AppendKey(buf, e)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	if ix.opts.ReadOnly {
		return ErrReadOnly
	}
	if err := ix.beginLocked(); err != nil {
		return err
	}
	if ix.tx.Size() > ix.opts.MaxSizeBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrIndexFull, ix.tx.Size(), ix.opts.MaxSizeBytes)
	}

	// bbolt keeps a reference to the key until commit, so the pooled buffer is
	// copied into the batch arena.
	start := len(ix.arena)
	ix.arena = append(ix.arena, key...)
	stored := ix.arena[start:len(ix.arena):len(ix.arena)]
	if err := ix.bucket.Put(stored, []byte{}); err != nil {
		return fmt.Errorf("put sequence key: %w", err)
	}
	ix.pending++
	if ix.pending >= ix.opts.FlushBufferCount {
		return ix.commitLocked()
	}
	return nil
}

// Commit makes every pending write durable. It is a no-op when nothing is
// pending.
func (ix *Index) Commit() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	return ix.commitLocked()
}

// Pending reports how many writes are waiting for the next commit.
func (ix *Index) Pending() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.pending
}

func (ix *Index) beginLocked() error {
	if ix.tx != nil {
		return nil
	}
	tx, err := ix.db.Begin(true)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	bucket := tx.Bucket(bucketName)
	if bucket == nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: bucket %q missing", ErrStorageInit, bucketName)
	}
	ix.tx = tx
	ix.bucket = bucket
	return nil
}

func (ix *Index) commitLocked() error {
	if ix.tx == nil {
		return nil
	}
	tx, n := ix.tx, ix.pending
	ix.tx, ix.bucket, ix.pending = nil, nil, 0
	start := time.Now()
	err := tx.Commit()
	ix.arena = ix.arena[:0]
	if err != nil {
		return fmt.Errorf("commit sequence batch: %w", err)
	}
	took := time.Since(start)
	if ix.opts.OnCommit != nil {
		ix.opts.OnCommit(n, took)
	}
	ix.logger.Debug("sequence batch committed", zap.Int("entries", n), zap.Duration("took", took))
	return nil
}

// ScanAscending visits every committed entry in key order inside a read-only
// snapshot. hasMore is false for the last entry. A non-nil error from visit
// stops the scan and is returned unchanged.
func (ix *Index) ScanAscending(visit func(e Entry, hasMore bool) error) error {
	if ix.isClosed() {
		return ErrClosed
	}
	return ix.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		k, _ := c.First()
		for k != nil {
			e, err := DecodeKey(k)
			if err != nil {
				return err
			}
			next, _ := c.Next()
			if err := visit(e, next != nil); err != nil {
				return err
			}
			k = next
		}
		return nil
	})
}

// Span scans the index and summarizes it. It returns ErrIndexEmpty when no
// entry has been committed.
func (ix *Index) Span() (Span, error) {
	var (
		span    Span
		lastPos string
	)
	err := ix.ScanAscending(func(e Entry, _ bool) error {
		if span.Entries == 0 {
			span.First, span.Earliest, span.Latest = e, e, e
		}
		if span.Entries == 0 || e.Position != lastPos {
			span.Positions++
			lastPos = e.Position
		}
		if e.ArrivalID.Compare(span.Earliest.ArrivalID) < 0 {
			span.Earliest = e
		}
		if e.ArrivalID.Compare(span.Latest.ArrivalID) > 0 {
			span.Latest = e
		}
		span.Last = e
		span.Entries++
		return nil
	})
	if err != nil {
		return Span{}, err
	}
	if span.Entries == 0 {
		return Span{}, fmt.Errorf("%w: stream %q", ErrIndexEmpty, ix.stream)
	}
	return span, nil
}

// WriteSnapshot writes a consistent copy of the committed database to w.
func (ix *Index) WriteSnapshot(w io.Writer) (int64, error) {
	if ix.isClosed() {
		return 0, ErrClosed
	}
	var n int64
	err := ix.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	if err != nil {
		return n, fmt.Errorf("write snapshot: %w", err)
	}
	return n, nil
}

// Close commits pending writes and releases the store. Calling Close more
// than once is safe.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	commitErr := ix.commitLocked()
	if err := ix.db.Close(); err != nil {
		return errors.Join(commitErr, fmt.Errorf("close sequence index: %w", err))
	}
	return commitErr
}

func (ix *Index) isClosed() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.closed
}
