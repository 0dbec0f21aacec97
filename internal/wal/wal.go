package wal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/lindend/lsmkv/internal/value"
)

var ErrMalformedRecord = errors.New("malformed wal record")

const (
	numFields = 4

	upsertFlag    = "0"
	tombstoneFlag = "1"
)

// A single logged operation. Value is only meaningful if Tombstone is false.
type Record struct {
	Tombstone bool
	Key       string
	Value     value.Value
}

// Append only log of the operations not yet persisted in an SSTable. Every
// record is a CSV row of tombstone flag, key, value type index and value text.
// Key and value text are Go quoted strings, since the CSV reader rewrites
// "\r\n" inside a field to "\n".
type WAL struct {
	file     *os.File
	writer   *csv.Writer
	fileName string
	// Fsync after every appended record
	sync bool
}

func NewWAL(fileName string, sync bool) (*WAL, error) {
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, err
	}
	return &WAL{
		file:     file,
		writer:   csv.NewWriter(file),
		fileName: fileName,
		sync:     sync,
	}, nil
}

func (w *WAL) append(row []string) error {
	if err := w.writer.Write(row); err != nil {
		return err
	}
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return err
	}
	if w.sync {
		return w.file.Sync()
	}
	return nil
}

func (w *WAL) WriteUpsert(key string, v value.Value) error {
	return w.append([]string{
		upsertFlag,
		strconv.Quote(key),
		strconv.FormatUint(uint64(v.Type()), 10),
		strconv.Quote(value.ToText(v)),
	})
}

func (w *WAL) WriteTombstone(key string) error {
	return w.append([]string{tombstoneFlag, strconv.Quote(key), "0", "0"})
}

// Truncate drops every record, used once the records are persisted elsewhere.
func (w *WAL) Truncate() error {
	w.writer.Flush()
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *WAL) Close() error {
	w.writer.Flush()
	return errors.Join(w.writer.Error(), w.file.Close())
}

func parseRecord(row []string) (Record, error) {
	var tombstone bool
	switch row[0] {
	case upsertFlag:
	case tombstoneFlag:
		tombstone = true
	default:
		return Record{}, fmt.Errorf("%w: tombstone flag %q", ErrMalformedRecord, row[0])
	}

	key, err := strconv.Unquote(row[1])
	if err != nil {
		return Record{}, fmt.Errorf("%w: key %s", ErrMalformedRecord, row[1])
	}
	record := Record{Tombstone: tombstone, Key: key}
	if tombstone {
		return record, nil
	}

	typeIndex, err := strconv.ParseUint(row[2], 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("%w: type index %q", ErrMalformedRecord, row[2])
	}
	text, err := strconv.Unquote(row[3])
	if err != nil {
		return Record{}, fmt.Errorf("%w: value %s", ErrMalformedRecord, row[3])
	}
	record.Value, err = value.FromText(value.Type(typeIndex), text)
	if err != nil {
		return Record{}, fmt.Errorf("record for %q: %w", key, err)
	}
	return record, nil
}

// Replay streams the records of a WAL file to fn, oldest first. A missing file
// holds no records. Any record that fails to parse aborts the replay.
func Replay(fileName string, fn func(Record) error) error {
	file, err := os.Open(fileName)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = numFields
	r.ReuseRecord = true
	for {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
		}

		record, err := parseRecord(row)
		if err != nil {
			line, _ := r.FieldPos(0)
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

// Loads a WAL file, oldest records are first in the array
func LoadWAL(fileName string) ([]Record, error) {
	records := make([]Record, 0)
	err := Replay(fileName, func(r Record) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
