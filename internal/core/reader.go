package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/SimplyPrint/apdu-shell/internal/logging"
	"github.com/ebfe/scard"
)

// Reader identifies a reader slot by name.
type Reader struct {
	Name string `json:"name"`
}

func (r Reader) String() string {
	return r.Name
}

// Directory lists the readers visible through a Context.
type Directory struct {
	ctx *Context
}

// NewDirectory returns a Directory over ctx.
func NewDirectory(ctx *Context) *Directory {
	return &Directory{ctx: ctx}
}

// List returns the readers in the order the subsystem reports them. No
// attached readers is an empty list, not an error.
func (d *Directory) List() ([]Reader, error) {
	sc, err := d.ctx.acquire()
	if err != nil {
		return nil, err
	}
	defer d.ctx.release()

	names, err := sc.ListReaders()
	if err != nil {
		if StatusCode(err) == uint32(scard.ErrNoReadersAvailable) {
			return []Reader{}, nil
		}
		return nil, &Error{
			Code:    ErrCodeListReaders,
			Op:      "list readers",
			Status:  StatusCode(err),
			Message: "failed to list readers",
			Cause:   err,
		}
	}

	readers := make([]Reader, 0, len(names))
	for _, name := range names {
		readers = append(readers, Reader{Name: name})
	}
	logging.Debug(logging.CatReader, "Listed readers", map[string]any{
		"count": len(readers),
	})
	return readers, nil
}

// Select lists readers and applies sel.
func (d *Directory) Select(sel ReaderSelector) (Reader, error) {
	readers, err := d.List()
	if err != nil {
		return Reader{}, err
	}
	if sel == nil {
		sel = FirstReader{}
	}
	reader, err := sel.Select(readers)
	if err != nil {
		return Reader{}, err
	}
	logging.Info(logging.CatReader, "Selected reader", map[string]any{
		"reader": reader.Name,
	})
	return reader, nil
}

// ReaderSelector picks one reader out of a listing.
type ReaderSelector interface {
	Select(readers []Reader) (Reader, error)
}

// FirstReader picks the first reader listed.
type FirstReader struct{}

func (FirstReader) Select(readers []Reader) (Reader, error) {
	if len(readers) == 0 {
		return Reader{}, ErrNoReadersAvailable
	}
	return readers[0], nil
}

// IndexSelector picks the reader at a zero-based position.
type IndexSelector struct {
	Index int
}

func (s IndexSelector) Select(readers []Reader) (Reader, error) {
	if len(readers) == 0 {
		return Reader{}, ErrNoReadersAvailable
	}
	if s.Index < 0 || s.Index >= len(readers) {
		return Reader{}, &Error{
			Code:    ErrCodeReaderNotFound,
			Op:      "select reader",
			Message: fmt.Sprintf("reader index %d out of range (0-%d)", s.Index, len(readers)-1),
		}
	}
	return readers[s.Index], nil
}

// NameSelector picks the reader with the given name. An exact match wins,
// otherwise the first reader whose name contains Name, ignoring case.
type NameSelector struct {
	Name string
}

func (s NameSelector) Select(readers []Reader) (Reader, error) {
	if len(readers) == 0 {
		return Reader{}, ErrNoReadersAvailable
	}
	for _, r := range readers {
		if r.Name == s.Name {
			return r, nil
		}
	}
	needle := strings.ToLower(s.Name)
	for _, r := range readers {
		if strings.Contains(strings.ToLower(r.Name), needle) {
			return r, nil
		}
	}
	return Reader{}, &Error{
		Code:    ErrCodeReaderNotFound,
		Op:      "select reader",
		Reader:  s.Name,
		Message: "no reader matches",
	}
}

// PromptSelector asks on Out for a reader number read from In. A single
// reader is picked without asking.
type PromptSelector struct {
	In  *bufio.Reader
	Out io.Writer
}

func (s PromptSelector) Select(readers []Reader) (Reader, error) {
	if len(readers) == 0 {
		return Reader{}, ErrNoReadersAvailable
	}
	if len(readers) == 1 {
		return readers[0], nil
	}

	for i, r := range readers {
		fmt.Fprintf(s.Out, "  %d: %s\n", i, r.Name)
	}
	for {
		fmt.Fprintf(s.Out, "reader [0-%d]: ", len(readers)-1)
		line, err := s.In.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			idx, convErr := strconv.Atoi(line)
			if convErr == nil && idx >= 0 && idx < len(readers) {
				return readers[idx], nil
			}
			fmt.Fprintf(s.Out, "invalid choice %q\n", line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Reader{}, &Error{
					Code:    ErrCodeReaderNotFound,
					Op:      "select reader",
					Message: "no reader chosen",
				}
			}
			return Reader{}, err
		}
	}
}
