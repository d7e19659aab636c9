package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/livesync/encoding"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

// Key layout
const (
	prefixChange = "/change/" // /change/{16-hex-digit seq}
	prefixCursor = "/cursor/" // /cursor/{sinkName}
	keyLastSeq   = "/seq"     // last assigned sequence
)

const (
	defaultReadLimit = 100
	// Trim every 64 sequences (seq & trimMask == 0)
	trimMask = 0x3F
)

var errLogClosed = errors.New("publish log is closed")

// PublishLog is a Pebble-backed append-only log of change events with one
// read cursor per sink. Entries every cursor has passed are trimmed.
type PublishLog struct {
	db   *pebble.DB
	path string

	mu      sync.RWMutex
	cursors map[string]uint64

	// appendMu keeps sequence assignment and commit in one order
	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	trimming atomic.Bool
	trimWg   sync.WaitGroup
	closed   atomic.Bool
}

// NewPublishLog creates or opens the log under {dataDir}/publish_log
func NewPublishLog(dataDir string) (*PublishLog, error) {
	path := filepath.Join(dataDir, "publish_log")

	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open publish log at %s: %w", path, err)
	}

	pl := &PublishLog{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}

	if err := pl.load(); err != nil {
		db.Close()
		return nil, err
	}
	return pl, nil
}

// load restores the last sequence and every stored cursor
func (pl *PublishLog) load() error {
	seq, err := pl.getUint64([]byte(keyLastSeq))
	if err != nil {
		return fmt.Errorf("failed to load sequence number: %w", err)
	}
	pl.lastSeq.Store(seq)

	prefix := []byte(prefixCursor)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: length %d", name, len(val))
		}
		pl.cursors[name] = binary.BigEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(pl.cursors) > 0 {
		log.Info().Int("cursors", len(pl.cursors)).Uint64("seq", seq).Msg("Loaded publish log")
	}
	return nil
}

func (pl *PublishLog) getUint64(key []byte) (uint64, error) {
	val, closer, err := pl.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid value length %d for %s", len(val), key)
	}
	return binary.BigEndian.Uint64(val), nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// Append stores events and assigns their sequence numbers in place
func (pl *PublishLog) Append(events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return errLogClosed
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	batch := pl.db.NewBatch()
	defer batch.Close()

	seq := pl.lastSeq.Load()
	for i := range events {
		seq++
		events[i].SeqNum = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set(changeKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if err := batch.Set([]byte(keyLastSeq), encodeUint64(seq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	pl.lastSeq.Store(seq)
	telemetry.MirrorEventsTotal.Add(float64(len(events)))
	return nil
}

// ReadFrom returns up to limit events with a sequence greater than cursor
func (pl *PublishLog) ReadFrom(cursor uint64, limit int) ([]ChangeEvent, error) {
	if pl.closed.Load() {
		return nil, errLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := changeKey(cursor + 1)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixChange)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]ChangeEvent, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event ChangeEvent
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping undecodable change event")
			continue
		}
		events = append(events, event)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return events, nil
}

// LastSeq returns the sequence of the newest appended event
func (pl *PublishLog) LastSeq() uint64 {
	return pl.lastSeq.Load()
}

// GetCursor returns the last sequence a sink has processed; 0 for new sinks
func (pl *PublishLog) GetCursor(sinkName string) (uint64, error) {
	if pl.closed.Load() {
		return 0, errLogClosed
	}

	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.cursors[sinkName], nil
}

// Cursors returns a copy of all sink cursors
func (pl *PublishLog) Cursors() map[string]uint64 {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	out := make(map[string]uint64, len(pl.cursors))
	for k, v := range pl.cursors {
		out[k] = v
	}
	return out
}

// AdvanceCursor persists a sink's position and periodically trims the log
func (pl *PublishLog) AdvanceCursor(sinkName string, seq uint64) error {
	if pl.closed.Load() {
		return errLogClosed
	}

	if err := pl.db.Set([]byte(prefixCursor+sinkName), encodeUint64(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	pl.mu.Lock()
	pl.cursors[sinkName] = seq
	pl.mu.Unlock()

	if seq&trimMask == 0 && pl.trimming.CompareAndSwap(false, true) {
		pl.trimWg.Add(1)
		go func() {
			defer pl.trimWg.Done()
			defer pl.trimming.Store(false)
			pl.trim()
		}()
	}
	return nil
}

// trim deletes entries at or below the slowest cursor
func (pl *PublishLog) trim() {
	if pl.closed.Load() {
		return
	}

	pl.mu.RLock()
	if len(pl.cursors) == 0 {
		pl.mu.RUnlock()
		return
	}
	low := ^uint64(0)
	for _, c := range pl.cursors {
		if c < low {
			low = c
		}
	}
	pl.mu.RUnlock()

	if low == 0 {
		return
	}

	if err := pl.db.DeleteRange([]byte(prefixChange), changeKey(low+1), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("cursor", low).Msg("Failed to trim publish log")
		return
	}
	log.Debug().Uint64("cursor", low).Msg("Trimmed publish log")
}

// Close waits for a running trim and closes Pebble
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return errLogClosed
	}
	pl.trimWg.Wait()
	return pl.db.Close()
}

func changeKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixChange, seq))
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
