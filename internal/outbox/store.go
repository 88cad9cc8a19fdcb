// Package outbox keeps lifecycle events on local disk until the bus has them.
//
// The engine appends an event right after the order row is written; the
// Broadcaster drains NEW records to Kafka and removes them once the write is
// acknowledged. A crash between publish and ack re-sends the record, so
// consumers must tolerate duplicates (they dedupe by event id).
package outbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/ariefcatur/go-smm-orders/internal/kafka"
	"github.com/ariefcatur/go-smm-orders/internal/orders"
)

type State uint8

const (
	StateNew State = iota
	StateSent
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type Record struct {
	Seq         uint64
	State       State
	Attempts    uint32
	LastAttempt int64 // unix nanos
	Topic       string
	Key         []byte
	Value       []byte
}

const (
	keyPrefix   = "evt/"
	keyUpper    = "evt/~"
	headerSize  = 1 + 4 + 8 + 2 + 4 // state, attempts, last attempt, topic len, key len
	maxTopicLen = 1<<16 - 1
)

// layout: [state:1][attempts:4][last:8][topicLen:2][keyLen:4][topic][key][value]
func encodeRecord(r Record) ([]byte, error) {
	if len(r.Topic) > maxTopicLen {
		return nil, errors.Errorf("topic too long: %d", len(r.Topic))
	}
	buf := make([]byte, headerSize+len(r.Topic)+len(r.Key)+len(r.Value))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Attempts)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(r.Topic)))
	binary.BigEndian.PutUint32(buf[15:19], uint32(len(r.Key)))
	n := headerSize
	n += copy(buf[n:], r.Topic)
	n += copy(buf[n:], r.Key)
	copy(buf[n:], r.Value)
	return buf, nil
}

func decodeRecord(seq uint64, b []byte) (Record, error) {
	if len(b) < headerSize {
		return Record{}, errors.Errorf("outbox record %d: short header (%d bytes)", seq, len(b))
	}
	r := Record{
		Seq:         seq,
		State:       State(b[0]),
		Attempts:    binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}
	topicLen := int(binary.BigEndian.Uint16(b[13:15]))
	keyLen := int(binary.BigEndian.Uint32(b[15:19]))
	if len(b) < headerSize+topicLen+keyLen {
		return Record{}, errors.Errorf("outbox record %d: truncated body", seq)
	}
	n := headerSize
	r.Topic = string(b[n : n+topicLen])
	n += topicLen
	r.Key = append([]byte(nil), b[n:n+keyLen]...)
	n += keyLen
	r.Value = append([]byte(nil), b[n:]...)
	return r, nil
}

type Store struct {
	db *pebble.DB

	mu  sync.Mutex
	seq uint64
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open outbox %s", dir)
	}
	s := &Store{db: db}
	if s.seq, err = s.lastSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lastSeq() (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyUpper),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

// Append stores a NEW record and returns its sequence number.
func (s *Store) Append(topic string, key, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq + 1
	b, err := encodeRecord(Record{Seq: seq, State: StateNew, Topic: topic, Key: key, Value: value})
	if err != nil {
		return 0, err
	}
	if err := s.db.Set(keyFor(seq), b, pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "outbox append")
	}
	s.seq = seq
	return seq, nil
}

// Emit routes an order event to its topic, keyed by order id.
func (s *Store) Emit(_ context.Context, env orders.Envelope) error {
	b, err := kafka.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = s.Append(orders.TopicFor(env.EventType), []byte(env.CorrelationID), b)
	return err
}

func (s *Store) Get(seq uint64) (Record, error) {
	val, closer, err := s.db.Get(keyFor(seq))
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	return decodeRecord(seq, val)
}

// Mark rewrites the state of a record and stamps the attempt.
func (s *Store) Mark(seq uint64, state State, attempts uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.Get(seq)
	if err != nil {
		return err
	}
	r.State = state
	r.Attempts = attempts
	r.LastAttempt = time.Now().UnixNano()
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	return s.db.Set(keyFor(seq), b, pebble.Sync)
}

// Ack drops a delivered record.
func (s *Store) Ack(seq uint64) error {
	return s.db.Delete(keyFor(seq), pebble.Sync)
}

// Scan visits records in sequence order whose state is one of states, up to
// limit records (0 = all).
func (s *Store) Scan(limit int, fn func(Record) error, states ...State) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyUpper),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	seen := 0
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		r, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		if !hasState(states, r.State) {
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
		seen++
		if limit > 0 && seen >= limit {
			break
		}
	}
	return iter.Error()
}

// Counts reports how many records sit in each state.
func (s *Store) Counts() (map[State]int, error) {
	out := map[State]int{}
	err := s.Scan(0, func(r Record) error {
		out[r.State]++
		return nil
	}, StateNew, StateSent, StateFailed)
	return out, err
}

func hasState(states []State, st State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	if len(b) <= len(keyPrefix) {
		return 0, errors.Errorf("bad outbox key %q", b)
	}
	return strconv.ParseUint(string(b[len(keyPrefix):]), 10, 64)
}
