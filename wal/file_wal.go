package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxMsgSize        = 10 * 1024 * 1024
	defaultBufSize    = 64 * 1024
	defaultMaxSegSize = 64 * 1024 * 1024
)

// FileWAL is a segmented file WAL. Records are framed as
// length(4) || rlp(Message) || crc32(4). Segments rotate at maxSegSize and
// an in-memory height index maps committed heights to the segment holding
// their EndHeight record.
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	buf  *bufio.Writer
	enc  *encoder

	started      bool
	minIndex     int
	segmentIndex int
	segmentSize  int64
	maxSegSize   int64

	heightIndex map[uint64]int

	log *logrus.Entry
}

// NewFileWAL creates a WAL rooted at dir with default segment size.
func NewFileWAL(dir string, logger *logrus.Logger) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize, logger)
}

// NewFileWALWithOptions creates a WAL with a custom max segment size.
func NewFileWALWithOptions(dir string, maxSegSize int64, logger *logrus.Logger) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		log:        logger.WithField("module", "wal"),
	}, nil
}

// Start scans existing segments, rebuilds the height index and opens the
// newest segment for appending.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.heightIndex = make(map[uint64]int)

	segments := findSegments(w.dir)
	if len(segments) == 0 {
		w.minIndex = 0
		w.segmentIndex = 0
	} else {
		w.minIndex = segments[0]
		w.segmentIndex = segments[len(segments)-1]
	}

	if err := w.buildIndex(); err != nil {
		return fmt.Errorf("failed to build wal index: %w", err)
	}

	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	return nil
}

func (w *FileWAL) buildIndex() error {
	for idx := w.minIndex; idx <= w.segmentIndex; idx++ {
		file, err := os.Open(w.segmentPath(idx))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		dec := newDecoder(bufio.NewReader(file))
		for {
			msg, err := dec.Decode()
			if err == io.EOF {
				break
			}
			if err != nil {
				// Torn tail of a crashed run; records before it
				// are intact and already indexed.
				w.log.WithFields(logrus.Fields{
					"segment": idx,
					"err":     err,
				}).Warn("stopping index scan at corrupted record")
				break
			}
			if msg.Type == MsgTypeEndHeight {
				w.heightIndex[msg.Height] = idx
			}
		}
		file.Close()
	}
	return nil
}

func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal-%05d", index))
}

func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open wal segment %d: %w", index, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat wal segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()
	return nil
}

// Stop flushes, syncs and closes the current segment.
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Write appends a record (buffered).
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(msg)
}

// WriteSync appends a record and fsyncs before returning.
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(msg); err != nil {
		return err
	}
	return w.flushAndSync()
}

func (w *FileWAL) write(msg *Message) error {
	if !w.started {
		return ErrWALClosed
	}

	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate wal: %w", err)
		}
	}

	n, err := w.enc.Encode(msg)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)

	if msg.Type == MsgTypeEndHeight {
		w.heightIndex[msg.Height] = w.segmentIndex
	}
	return nil
}

func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.segmentIndex++
	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and fsyncs the current segment.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.flushAndSync()
}

func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// SearchForEndHeight returns a Reader positioned after the EndHeight record
// for height. The height index makes the common case a single-segment scan.
func (w *FileWAL) SearchForEndHeight(height uint64) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, false, ErrWALClosed
	}

	if err := w.buf.Flush(); err != nil {
		return nil, false, err
	}

	if segIdx, ok := w.heightIndex[height]; ok {
		reader, found, err := w.searchSegmentForEndHeight(segIdx, height)
		if err != nil {
			return nil, false, err
		}
		if found {
			return reader, true, nil
		}
	}

	for idx := w.minIndex; idx <= w.segmentIndex; idx++ {
		reader, found, err := w.searchSegmentForEndHeight(idx, height)
		if err != nil {
			return nil, false, err
		}
		if found {
			w.heightIndex[height] = idx
			return reader, true, nil
		}
	}
	return nil, false, nil
}

func (w *FileWAL) searchSegmentForEndHeight(segmentIndex int, height uint64) (Reader, bool, error) {
	file, err := os.Open(w.segmentPath(segmentIndex))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	reader := &fileReader{file: file, dec: newDecoder(bufio.NewReader(file))}
	for {
		msg, err := reader.Read()
		if err == io.EOF {
			reader.Close()
			return nil, false, nil
		}
		if err != nil {
			reader.Close()
			return nil, false, err
		}
		if msg.Type == MsgTypeEndHeight && msg.Height == height {
			return reader, true, nil
		}
	}
}

// Checkpoint deletes segments whose records are all at or below height.
// Call only once block and state storage are durable up to that height.
func (w *FileWAL) Checkpoint(height uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	var deletable []int
	for idx := w.minIndex; idx < w.segmentIndex; idx++ { // never the live segment
		ok, err := w.canDeleteSegment(idx, height)
		if err != nil || !ok {
			break
		}
		deletable = append(deletable, idx)
	}

	for _, idx := range deletable {
		if err := os.Remove(w.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}
		for h, segIdx := range w.heightIndex {
			if segIdx == idx {
				delete(w.heightIndex, h)
			}
		}
	}

	if len(deletable) > 0 {
		w.minIndex = deletable[len(deletable)-1] + 1
	}
	return nil
}

func (w *FileWAL) canDeleteSegment(segmentIndex int, height uint64) (bool, error) {
	file, err := os.Open(w.segmentPath(segmentIndex))
	if err != nil {
		return false, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	var maxHeight uint64
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, err
		}
		if msg.Height > maxHeight {
			maxHeight = msg.Height
		}
	}
	return maxHeight <= height, nil
}

// Dir returns the WAL directory.
func (w *FileWAL) Dir() string {
	return w.dir
}

// SegmentCount returns the number of live segments.
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentIndex - w.minIndex + 1
}

var _ WAL = (*FileWAL)(nil)

type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: w, buf: make([]byte, 4)}
}

// Encode frames one record and returns the bytes written.
func (e *encoder) Encode(msg *Message) (int, error) {
	data, err := msg.Encode()
	if err != nil {
		return 0, err
	}

	checksum := crc32.ChecksumIEEE(data)

	binary.BigEndian.PutUint32(e.buf, uint32(len(data)))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(e.buf, checksum)
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	return 4 + len(data) + 4, nil
}

type decoder struct {
	r   io.Reader
	buf []byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: r, buf: make([]byte, 4)}
}

func (d *decoder) Decode() (*Message, error) {
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(d.buf)
	if length > maxMsgSize {
		return nil, ErrWALCorrupted
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}
	expected := binary.BigEndian.Uint32(d.buf)
	actual := crc32.ChecksumIEEE(data)
	if expected != actual {
		return nil, fmt.Errorf("%w: crc mismatch (expected %08x, got %08x)", ErrWALCorrupted, expected, actual)
	}

	msg := new(Message)
	if err := msg.Decode(data); err != nil {
		return nil, err
	}
	return msg, nil
}

type fileReader struct {
	file *os.File
	dec  *decoder
}

func (r *fileReader) Read() (*Message, error) { return r.dec.Decode() }
func (r *fileReader) Close() error            { return r.file.Close() }

var _ Reader = (*fileReader)(nil)

// OpenWALForReading opens all segments for a full replay from the start.
func OpenWALForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}
	return &multiSegmentReader{dir: dir, segments: segments, current: -1}, nil
}

func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "wal-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments
}

type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	reader   *fileReader
}

func (r *multiSegmentReader) Read() (*Message, error) {
	for {
		if r.reader == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}
			file, err := os.Open(filepath.Join(r.dir, fmt.Sprintf("wal-%05d", r.segments[r.current])))
			if err != nil {
				return nil, err
			}
			r.reader = &fileReader{file: file, dec: newDecoder(bufio.NewReader(file))}
		}

		msg, err := r.reader.Read()
		if err == io.EOF {
			r.reader.Close()
			r.reader = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
