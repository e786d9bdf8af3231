package pipeline

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Derrickeee/Data-Jedi/internal/normalize"
)

// spool holds normalized pages on disk between the fetch pass and the load
// pass of a run, so memory stays bounded by one page.
type spool struct {
	f     *os.File
	w     *bufio.Writer
	enc   *gob.Encoder
	pages int
	rows  int
}

func newSpool(dir string) (*spool, error) {
	f, err := os.CreateTemp(dir, "ingest-spool-*.gob")
	if err != nil {
		return nil, fmt.Errorf("spool: create: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<16)
	return &spool{f: f, w: w, enc: gob.NewEncoder(w)}, nil
}

// Write appends one page.
func (s *spool) Write(rows []normalize.Row) error {
	if err := s.enc.Encode(rows); err != nil {
		return fmt.Errorf("spool: encode page %d: %w", s.pages, err)
	}
	s.pages++
	s.rows += len(rows)
	return nil
}

// Replay calls fn with every page in write order. fn may stop the replay
// by returning an error.
func (s *spool) Replay(fn func(page int, rows []normalize.Row) error) error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("spool: flush: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("spool: rewind: %w", err)
	}
	adviseSequential(s.f)

	dec := gob.NewDecoder(bufio.NewReaderSize(s.f, 1<<16))
	for page := 0; ; page++ {
		var rows []normalize.Row
		if err := dec.Decode(&rows); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("spool: decode page %d: %w", page, err)
		}
		if err := fn(page, rows); err != nil {
			return err
		}
	}
}

// Close removes the spool file.
func (s *spool) Close() error {
	name := s.f.Name()
	err := s.f.Close()
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	return err
}
