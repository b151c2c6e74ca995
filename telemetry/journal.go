package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/w1xm/mount_interface/motion"
)

var _ Recorder = (*Journal)(nil)

// Entry kinds.
const (
	KindStatus    = "status"
	KindOperation = "operation"
)

// Entry is one record of the journal. Exactly one of Status and Operation
// is set, according to Kind.
type Entry struct {
	Kind      string            `cbor:"kind"`
	Time      time.Time         `cbor:"time"`
	Status    *StatusChange     `cbor:"status,omitempty"`
	Operation *motion.Operation `cbor:"operation,omitempty"`
}

var (
	journalEncMode cbor.EncMode
	journalDecMode cbor.DecMode
)

func init() {
	var err error
	journalEncMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("creating journal encoder mode: %v", err))
	}
	journalDecMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("creating journal decoder mode: %v", err))
	}
}

// Journal appends CBOR entries to a file. It is safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
}

// OpenJournal opens path for appending, creating it if needed.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f, encoder: journalEncMode.NewEncoder(f)}, nil
}

func (j *Journal) write(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	// Journal writes must not disrupt motion.
	_ = j.encoder.Encode(e)
}

func (j *Journal) RecordStatus(change StatusChange) {
	j.write(Entry{Kind: KindStatus, Time: change.Time, Status: &change})
}

func (j *Journal) RecordOperation(op motion.Operation) {
	j.write(Entry{Kind: KindOperation, Time: op.Start.Add(op.Duration), Operation: &op})
}

// Close closes the file. Later records are dropped.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// ReadJournal decodes every entry in r.
func ReadJournal(r io.Reader) ([]Entry, error) {
	dec := journalDecMode.NewDecoder(r)
	var entries []Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, fmt.Errorf("decoding journal entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}
