package delivery

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	recordHeaderSize   = 4 + 8 + 4 // uint32 payload length + int64 created unix sec + uint32 crc32
	offsetSyncAckBatch = 16
	offsetSyncInterval = 2 * time.Second
)

var (
	// ErrQueueEmpty is returned by Peek when nothing is pending.
	ErrQueueEmpty = errors.New("fallback queue is empty")
	// ErrQueueFull is returned by Enqueue when max_records is reached.
	ErrQueueFull = errors.New("fallback queue is full")
)

// Record is one pending fallback record.
type Record struct {
	Item    Item
	Created time.Time
	size    int64
	corrupt bool
}

// DiskQueue is the durable fallback queue: an append-only record file plus a read offset file.
type DiskQueue struct {
	mu sync.Mutex

	dataPath   string
	offsetPath string
	dataFile   *os.File
	offsetFile *os.File

	maxRecords uint64
	maxAge     time.Duration
	now        func() time.Time

	offset   int64
	pending  uint64
	fileSize int64

	offsetDirty    bool
	ackSinceSync   uint64
	lastOffsetSync time.Time
}

// OpenDiskQueue opens or creates the queue in dir and restores pending records.
// Params: dir queue directory; maxRecords pending cap (0 = unlimited); maxAge record lifetime (0 = unlimited).
// Returns: queue or IO error.
func OpenDiskQueue(dir string, maxRecords uint64, maxAge time.Duration) (*DiskQueue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create fallback dir %q: %w", dir, err)
	}

	queue := &DiskQueue{
		dataPath:   filepath.Join(dir, "fallback.log"),
		offsetPath: filepath.Join(dir, "fallback.offset"),
		maxRecords: maxRecords,
		maxAge:     maxAge,
		now:        time.Now,
	}

	dataFile, err := os.OpenFile(queue.dataPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open fallback data file: %w", err)
	}
	offsetFile, err := os.OpenFile(queue.offsetPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		_ = dataFile.Close()
		return nil, fmt.Errorf("open fallback offset file: %w", err)
	}
	queue.dataFile = dataFile
	queue.offsetFile = offsetFile

	if err := queue.loadOffset(); err != nil {
		_ = queue.closeFiles()
		return nil, err
	}
	if err := queue.reindex(); err != nil {
		_ = queue.closeFiles()
		return nil, err
	}
	queue.lastOffsetSync = queue.now()

	return queue, nil
}

// Enqueue appends item as one JSON record.
// Params: item queue item.
// Returns: ErrQueueFull when capped, or encode/IO error.
func (q *DiskQueue) Enqueue(item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode fallback record: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dataFile == nil {
		return errors.New("fallback queue is closed")
	}
	if q.maxRecords > 0 && q.pending >= q.maxRecords {
		return ErrQueueFull
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[4:12], uint64(q.now().Unix()))
	binary.LittleEndian.PutUint32(header[12:16], crc32.ChecksumIEEE(payload))

	record := make([]byte, 0, recordHeaderSize+len(payload))
	record = append(record, header[:]...)
	record = append(record, payload...)
	if _, err := q.dataFile.WriteAt(record, q.fileSize); err != nil {
		return fmt.Errorf("write fallback record: %w", err)
	}

	q.fileSize += int64(len(record))
	q.pending++
	return nil
}

// Peek returns the first live record, acknowledging expired records on the way.
// Params: none.
// Returns: record, expired count skipped, ErrQueueEmpty when nothing is pending.
func (q *DiskQueue) Peek() (Record, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0
	for {
		record, err := q.peekLocked()
		if err != nil {
			return Record{}, expired, err
		}
		if !record.corrupt && (q.maxAge <= 0 || q.now().Sub(record.Created) < q.maxAge) {
			return record, expired, nil
		}
		expired++
		if err := q.ackLocked(record); err != nil {
			return Record{}, expired, err
		}
	}
}

// Ack removes a record returned by Peek.
// Params: consumed record from Peek.
// Returns: IO error.
func (q *DiskQueue) Ack(consumed Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ackLocked(consumed)
}

// Pending returns pending record count.
// Params: none.
// Returns: record count.
func (q *DiskQueue) Pending() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close persists the offset and closes files.
// Params: none.
// Returns: flush/close error.
func (q *DiskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dataFile == nil && q.offsetFile == nil {
		return nil
	}
	if err := q.syncOffsetMaybe(true); err != nil {
		_ = q.closeFiles()
		return err
	}
	return q.closeFiles()
}

// ackLocked advances the read offset past consumed. Caller holds mu.
func (q *DiskQueue) ackLocked(consumed Record) error {
	if consumed.size <= 0 {
		return errors.New("ack requires a record returned by peek")
	}
	if q.pending == 0 {
		return errors.New("ack on empty fallback queue")
	}

	q.offset += consumed.size
	if q.offset > q.fileSize {
		q.offset = q.fileSize
	}
	q.pending--
	q.offsetDirty = true
	q.ackSinceSync++

	if q.pending == 0 || q.offset >= q.fileSize {
		return q.resetFiles()
	}
	return q.syncOffsetMaybe(false)
}

// peekLocked reads the record at the current offset. Caller holds mu.
func (q *DiskQueue) peekLocked() (Record, error) {
	if q.dataFile == nil {
		return Record{}, errors.New("fallback queue is closed")
	}
	if q.pending == 0 || q.offset >= q.fileSize {
		return Record{}, ErrQueueEmpty
	}

	var header [recordHeaderSize]byte
	if _, err := q.dataFile.ReadAt(header[:], q.offset); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, ErrQueueEmpty
		}
		return Record{}, fmt.Errorf("read fallback header: %w", err)
	}

	payloadSize := int64(binary.LittleEndian.Uint32(header[0:4]))
	created := time.Unix(int64(binary.LittleEndian.Uint64(header[4:12])), 0)
	checksum := binary.LittleEndian.Uint32(header[12:16])
	size := int64(recordHeaderSize) + payloadSize
	if q.offset+size > q.fileSize {
		return Record{}, fmt.Errorf("fallback record exceeds file size at offset %d", q.offset)
	}

	payload := make([]byte, payloadSize)
	if _, err := q.dataFile.ReadAt(payload, q.offset+int64(recordHeaderSize)); err != nil {
		return Record{}, fmt.Errorf("read fallback payload: %w", err)
	}

	record := Record{Created: created, size: size}
	if crc32.ChecksumIEEE(payload) != checksum || json.Unmarshal(payload, &record.Item) != nil {
		record.corrupt = true
	}
	return record, nil
}

// loadOffset restores the persisted read offset.
func (q *DiskQueue) loadOffset() error {
	var data [8]byte
	n, err := q.offsetFile.ReadAt(data[:], 0)
	if errors.Is(err, io.EOF) && n == 0 {
		q.offset = 0
		return nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read fallback offset: %w", err)
	}
	if n < 8 {
		q.offset = 0
		return nil
	}
	q.offset = int64(binary.LittleEndian.Uint64(data[:]))
	if q.offset < 0 {
		q.offset = 0
	}
	return nil
}

// storeOffset persists the read offset.
func (q *DiskQueue) storeOffset() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(q.offset))
	if _, err := q.offsetFile.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write fallback offset: %w", err)
	}
	if err := q.offsetFile.Truncate(8); err != nil {
		return fmt.Errorf("truncate fallback offset: %w", err)
	}
	if err := q.offsetFile.Sync(); err != nil {
		return fmt.Errorf("sync fallback offset: %w", err)
	}
	q.offsetDirty = false
	q.ackSinceSync = 0
	q.lastOffsetSync = q.now()
	return nil
}

// reindex counts records from the offset and truncates a torn tail.
func (q *DiskQueue) reindex() error {
	info, err := q.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("stat fallback data: %w", err)
	}
	q.fileSize = info.Size()
	if q.offset > q.fileSize {
		q.offset = 0
		if err := q.storeOffset(); err != nil {
			return err
		}
	}

	position := q.offset
	q.pending = 0

	var header [recordHeaderSize]byte
	for position < q.fileSize {
		if _, err := q.dataFile.ReadAt(header[:], position); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return q.truncateTail(position)
			}
			return fmt.Errorf("read fallback header at %d: %w", position, err)
		}

		size := int64(recordHeaderSize) + int64(binary.LittleEndian.Uint32(header[0:4]))
		if position+size > q.fileSize {
			return q.truncateTail(position)
		}
		q.pending++
		position += size
	}
	return nil
}

// truncateTail cuts a partially written record.
func (q *DiskQueue) truncateTail(position int64) error {
	if err := q.dataFile.Truncate(position); err != nil {
		return fmt.Errorf("truncate fallback tail at %d: %w", position, err)
	}
	q.fileSize = position
	return nil
}

// resetFiles empties both files after a full drain.
func (q *DiskQueue) resetFiles() error {
	if err := q.dataFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate fallback data: %w", err)
	}
	q.fileSize = 0
	q.offset = 0
	q.pending = 0
	q.offsetDirty = true
	return q.storeOffset()
}

// syncOffsetMaybe persists the offset on ack-count or time thresholds.
func (q *DiskQueue) syncOffsetMaybe(force bool) error {
	if !q.offsetDirty || q.offsetFile == nil {
		return nil
	}
	if !force && q.ackSinceSync < offsetSyncAckBatch && q.now().Sub(q.lastOffsetSync) < offsetSyncInterval {
		return nil
	}
	return q.storeOffset()
}

// closeFiles closes both descriptors.
func (q *DiskQueue) closeFiles() error {
	var firstErr error
	if q.dataFile != nil {
		if err := q.dataFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close fallback data file: %w", err)
		}
		q.dataFile = nil
	}
	if q.offsetFile != nil {
		if err := q.offsetFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close fallback offset file: %w", err)
		}
		q.offsetFile = nil
	}
	return firstErr
}
