// Package logdb is a key-value store kept in a single append only file. An
// in-memory index maps every live key to the offset of its latest entry, so
// a read is one positioned read and writes never rewrite old entries.
package logdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lindend/lsmkv/internal/metrics"
	"github.com/lindend/lsmkv/internal/value"
)

const FileName = "log_database.db"

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrClosed     = errors.New("log database is closed")
	ErrCorruptLog = errors.New("corrupt log entry")
)

// Little-endian key length, data length and type index
const entryHeaderSize = 12

// Type index of the entries recording a removed key
const tombstoneType = math.MaxUint32

type entryHeader struct {
	keyLength  uint32
	dataLength uint32
	typeIndex  uint32
}

func (h entryHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], h.keyLength)
	binary.LittleEndian.PutUint32(buf[4:], h.dataLength)
	binary.LittleEndian.PutUint32(buf[8:], h.typeIndex)
}

func decodeEntryHeader(buf []byte) entryHeader {
	return entryHeader{
		keyLength:  binary.LittleEndian.Uint32(buf[0:]),
		dataLength: binary.LittleEndian.Uint32(buf[4:]),
		typeIndex:  binary.LittleEndian.Uint32(buf[8:]),
	}
}

func (h entryHeader) tombstone() bool {
	return h.typeIndex == tombstoneType
}

func (h entryHeader) size() int64 {
	return entryHeaderSize + int64(h.keyLength) + int64(h.dataLength)
}

type Options struct {
	// Truncate the log before opening it
	Reset bool
	// Keys must be shorter than or equal to this many bytes
	MaxKeySize int
	// Fsync after every appended entry
	SyncWrites bool
	// Metrics are recorded to a private registry if nil
	Metrics *metrics.Registry
}

type Stats struct {
	Keys int
	// Size of the log, superseded entries included
	LogBytes int64
}

// The key index is reported through the memtable entries gauge, as it is the
// in-memory part of the store.
type LogDB struct {
	lock sync.Mutex
	file *os.File
	path string
	opts Options
	// Offset of the latest entry of every live key
	offsets map[string]int64
	// Offset the next entry is written at
	end int64

	metrics *metrics.Registry
	closed  bool
}

// Open opens or creates the log at path and rebuilds the key index by
// scanning it. A partially written entry at the end of the log is dropped.
func Open(path string, opts Options) (*LogDB, error) {
	if opts.MaxKeySize <= 0 {
		return nil, errors.New("max key size must be positive")
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.Reset {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return nil, err
	}

	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	db := &LogDB{
		file:    file,
		path:    path,
		opts:    opts,
		offsets: make(map[string]int64),
		metrics: reg,
	}
	if err := db.scan(); err != nil {
		file.Close()
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	db.metrics.UpdateState(len(db.offsets), 0, 0)

	log.Info().
		Str("file", path).
		Int("keys", len(db.offsets)).
		Int64("bytes", db.end).
		Msg("Opened log database")

	return db, nil
}

func (db *LogDB) scan() error {
	if _, err := db.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(db.file)
	buf := make([]byte, entryHeaderSize)

	pos := int64(0)
	for {
		header, key, err := readEntry(r, buf, db.opts.MaxKeySize)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			log.Warn().
				Str("file", db.path).
				Int64("offset", pos).
				Msg("Dropping partially written entry")
			if err := db.file.Truncate(pos); err != nil {
				return err
			}
			break
		}
		if err != nil {
			return fmt.Errorf("offset %d: %w", pos, err)
		}

		if header.tombstone() {
			delete(db.offsets, key)
		} else {
			db.offsets[key] = pos
		}
		pos += header.size()
	}

	db.end = pos
	return nil
}

// Reads the next entry, skipping its data. Returns io.EOF at the end of the
// log and io.ErrUnexpectedEOF if the log ends inside the entry.
func readEntry(r *bufio.Reader, buf []byte, maxKeySize int) (entryHeader, string, error) {
	if _, err := io.ReadFull(r, buf); err != nil {
		return entryHeader{}, "", err
	}
	header := decodeEntryHeader(buf)
	if int64(header.keyLength) > int64(maxKeySize) {
		return entryHeader{}, "", fmt.Errorf("%w: key length %d", ErrCorruptLog, header.keyLength)
	}
	if header.tombstone() {
		if header.dataLength != 0 {
			return entryHeader{}, "", fmt.Errorf("%w: tombstone with %d bytes of data", ErrCorruptLog, header.dataLength)
		}
	} else if !value.Type(header.typeIndex).Valid() {
		return entryHeader{}, "", fmt.Errorf("%w: %w %d", ErrCorruptLog, value.ErrUnknownType, header.typeIndex)
	}

	key := make([]byte, header.keyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return entryHeader{}, "", unexpectedEOF(err)
	}
	if _, err := r.Discard(int(header.dataLength)); err != nil {
		return entryHeader{}, "", unexpectedEOF(err)
	}
	return header, string(key), nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (db *LogDB) checkKey(key string) error {
	if db.closed {
		return ErrClosed
	}
	if len(key) > db.opts.MaxKeySize {
		return fmt.Errorf("%w: %d bytes exceeds the maximum of %d", ErrInvalidKey, len(key), db.opts.MaxKeySize)
	}
	if strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidKey, key)
	}
	return nil
}

func (db *LogDB) append(header entryHeader, key string, data string) (int64, error) {
	buf := make([]byte, header.size())
	header.encode(buf)
	copy(buf[entryHeaderSize:], key)
	copy(buf[entryHeaderSize+len(key):], data)

	offset := db.end
	if _, err := db.file.WriteAt(buf, offset); err != nil {
		return 0, err
	}
	if db.opts.SyncWrites {
		if err := db.file.Sync(); err != nil {
			return 0, err
		}
	}
	db.end += int64(len(buf))
	return offset, nil
}

// Insert appends the value of key to the log.
func (db *LogDB) Insert(key string, v value.Value) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if err := db.checkKey(key); err != nil {
		return err
	}

	data := value.ToText(v)
	offset, err := db.append(entryHeader{
		keyLength:  uint32(len(key)),
		dataLength: uint32(len(data)),
		typeIndex:  uint32(v.Type()),
	}, key, data)
	if err != nil {
		return fmt.Errorf("append %s: %w", db.path, err)
	}

	db.offsets[key] = offset
	db.metrics.InsertsTotal.Inc()
	db.metrics.UpdateState(len(db.offsets), 0, 0)
	return nil
}

func (db *LogDB) Get(key string) (value.Value, bool, error) {
	db.lock.Lock()
	defer db.lock.Unlock()

	if err := db.checkKey(key); err != nil {
		return value.Value{}, false, err
	}

	offset, ok := db.offsets[key]
	if !ok {
		db.metrics.RecordGet(metrics.OutcomeMiss, 0)
		return value.Value{}, false, nil
	}

	buf := make([]byte, entryHeaderSize)
	if _, err := db.file.ReadAt(buf, offset); err != nil {
		return value.Value{}, false, fmt.Errorf("read %s at %d: %w", db.path, offset, err)
	}
	header := decodeEntryHeader(buf)
	if header.tombstone() {
		return value.Value{}, false, fmt.Errorf("%w: index points at a tombstone for %q", ErrCorruptLog, key)
	}

	data := make([]byte, header.dataLength)
	if _, err := db.file.ReadAt(data, offset+entryHeaderSize+int64(header.keyLength)); err != nil {
		return value.Value{}, false, fmt.Errorf("read %s at %d: %w", db.path, offset, err)
	}
	v, err := value.FromText(value.Type(header.typeIndex), string(data))
	if err != nil {
		return value.Value{}, false, fmt.Errorf("entry for %q: %w", key, err)
	}

	db.metrics.RecordGet(metrics.OutcomeFile, 0)
	return v, true, nil
}

// Remove appends a tombstone for key. Removing a key that does not exist
// writes nothing.
func (db *LogDB) Remove(key string) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if err := db.checkKey(key); err != nil {
		return err
	}
	if _, ok := db.offsets[key]; !ok {
		return nil
	}

	if _, err := db.append(entryHeader{keyLength: uint32(len(key)), typeIndex: tombstoneType}, key, ""); err != nil {
		return fmt.Errorf("append %s: %w", db.path, err)
	}

	delete(db.offsets, key)
	db.metrics.RemovesTotal.Inc()
	db.metrics.UpdateState(len(db.offsets), 0, 0)
	return nil
}

func (db *LogDB) Stats() Stats {
	db.lock.Lock()
	defer db.lock.Unlock()

	return Stats{Keys: len(db.offsets), LogBytes: db.end}
}

func (db *LogDB) Metrics() *metrics.Registry {
	return db.metrics
}

func (db *LogDB) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	return errors.Join(db.file.Sync(), db.file.Close())
}
