package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Journal persists published session events so a client that
// reconnects can replay what it missed while detached. Events are
// bucketed per session and keyed by an ascending sequence number.
type Journal struct {
	db *bolt.DB
}

// NewJournal opens (or creates) the journal database under dataDir.
func NewJournal(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "events.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

type journalRecord struct {
	Name      string    `json:"name"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Append persists an event and stamps its sequence number.
func (j *Journal) Append(event *Event) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketEvents)
		b, err := sessions.CreateBucketIfNotExists(sessionKey(event.SessionID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.Seq = seq

		data, err := json.Marshal(journalRecord{
			Name:      event.Name,
			Payload:   event.Payload,
			Timestamp: event.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
}

// Replay returns the session's events with sequence numbers greater
// than afterSeq, in order.
func (j *Journal) Replay(sessionID uint64, afterSeq uint64) ([]*Event, error) {
	var out []*Event
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket(sessionKey(sessionID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var rec journalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			out = append(out, &Event{
				SessionID: sessionID,
				Name:      rec.Name,
				Payload:   rec.Payload,
				Seq:       binary.BigEndian.Uint64(k),
				Timestamp: rec.Timestamp,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Drop discards a session's journal after the session closes.
func (j *Journal) Drop(sessionID uint64) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketEvents)
		if sessions.Bucket(sessionKey(sessionID)) == nil {
			return nil
		}
		return sessions.DeleteBucket(sessionKey(sessionID))
	})
}

func sessionKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
