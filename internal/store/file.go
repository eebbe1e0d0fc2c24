package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/cellbridge/internal/measurement"
	"github.com/klauspost/compress/zstd"
)

// fileMagic starts every results file.
var fileMagic = []byte("CBR1")

// zstdMagic starts a zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// maxRecord bounds one encoded result read back from a file.
const maxRecord = 1 << 30

// FileSink writes results to a file: the magic "CBR1" followed by one
// record per row, a big-endian uint32 length and the encoded result. A path
// ending in ".zst" is zstd-compressed as a whole.
type FileSink struct {
	f    *os.File
	zw   *zstd.Encoder
	w    *bufio.Writer
	rows int
}

// CreateFile creates (or truncates) the results file at path.
func CreateFile(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s := &FileSink{f: f}

	var dst io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.zw = zw
		dst = zw
	}
	s.w = bufio.NewWriterSize(dst, 256*1024)
	if _, err := s.w.Write(fileMagic); err != nil {
		s.abort()
		return nil, err
	}
	return s, nil
}

// Rows is the number of results written so far.
func (s *FileSink) Rows() int { return s.rows }

func (s *FileSink) Put(ctx context.Context, r *measurement.Result) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode row %s: %w", r.RowKey, err)
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	if _, err := s.w.Write(n[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	s.rows++
	return nil
}

// Close flushes everything and closes the file.
func (s *FileSink) Close(ctx context.Context) error {
	err := s.w.Flush()
	if s.zw != nil {
		err = errors.Join(err, s.zw.Close())
	}
	return errors.Join(err, s.f.Close())
}

func (s *FileSink) abort() {
	if s.zw != nil {
		s.zw.Close()
	}
	s.f.Close()
}

// ReadFile reads back every result of a results file, compressed or not.
func ReadFile(path string) ([]*measurement.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%s: not a results file: %w", path, err)
	}
	var r io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = bufio.NewReader(zr)
	}
	results, err := readRecords(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return results, nil
}

func readRecords(r io.Reader) ([]*measurement.Result, error) {
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, fileMagic) {
		return nil, errors.New("not a results file")
	}

	var out []*measurement.Result
	var n [4]byte
	for {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("record %d: %w", len(out)+1, err)
		}
		size := binary.BigEndian.Uint32(n[:])
		if size > maxRecord {
			return nil, fmt.Errorf("record %d: length %d too large", len(out)+1, size)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out)+1, err)
		}
		res := &measurement.Result{}
		if err := res.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out)+1, err)
		}
		out = append(out, res)
	}
}
