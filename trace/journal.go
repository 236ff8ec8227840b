package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/procvm/vm"
)

// ErrJournalClosed is returned by Append after Close.
var ErrJournalClosed = errors.New("trace: journal closed")

// Journal appends one canonical CBOR record per collection to a stream.
// Write errors are sticky: the first one stops the journal and is returned
// by Err and Close.
type Journal struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	count  int
	err    error
	closed bool
}

// NewJournal writes records to w. If w is an io.Closer, Close closes it.
func NewJournal(w io.Writer) *Journal {
	j := &Journal{enc: cborEncMode.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		j.closer = c
	}
	return j
}

// OpenJournal opens path for appending, creating it if needed.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return NewJournal(f), nil
}

func (j *Journal) RecordCollection(ev vm.GCEvent) {
	if err := j.Append(NewRecord(ev)); err != nil && !errors.Is(err, ErrJournalClosed) {
		logger.Errorf("journal: %s", err)
	}
}

// Append writes r.
func (j *Journal) Append(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	if j.err != nil {
		return j.err
	}
	if err := j.enc.Encode(r); err != nil {
		j.err = fmt.Errorf("writing record %d: %w", j.count, err)
		return j.err
	}
	j.count++
	return nil
}

// Count returns the number of records written.
func (j *Journal) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Err returns the first write error.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Close stops the journal and closes the underlying writer.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	err := j.err
	if j.closer != nil {
		if cerr := j.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadJournal decodes every record of a journal stream.
func ReadJournal(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var records []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("trace: record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
}

// ReadJournalFile decodes the journal at path.
func ReadJournalFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()
	return ReadJournal(f)
}
