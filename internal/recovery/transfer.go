package recovery

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/lanlink/lanlinkd/internal/protocol"
	"github.com/lanlink/lanlinkd/internal/protoerr"
)

// TypeTransferResume negotiates where an interrupted payload transfer
// picks up. Both sides state their recorded offset and resume from the
// lesser of the two.
const TypeTransferResume = "lanlink.transfer.resume"

// checkpointStride is how many bytes pass between persisted offsets.
const checkpointStride = 1 << 20

const transferBucket = "transfers"

// Direction says which way the bytes flow from the local point of view.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TransferState is the durable record of one in-flight payload transfer.
type TransferState struct {
	TransferID       string    `json:"transfer_id"`
	DeviceID         string    `json:"device_id"`
	Direction        Direction `json:"direction"`
	BytesTotal       int64     `json:"bytes_total"`
	BytesTransferred int64     `json:"bytes_transferred"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ResumeBody is the wire body of a TypeTransferResume packet.
type ResumeBody struct {
	TransferID       string `json:"transferId"`
	BytesTransferred int64  `json:"bytesTransferred"`
}

// NewResumePacket builds the resume offer for a recorded transfer.
func NewResumePacket(st TransferState) (protocol.Packet, error) {
	return protocol.New(TypeTransferResume, ResumeBody{
		TransferID:       st.TransferID,
		BytesTransferred: st.BytesTransferred,
	})
}

// ResumeOffset applies the lesser-offset rule: the transfer restarts at
// the smaller of the two recorded offsets, so bytes the other side never
// saw are always re-sent.
func ResumeOffset(local, remote int64) int64 {
	if remote < local {
		return remote
	}
	return local
}

// Tracker persists transfer progress so interrupted payloads resume
// instead of restarting. Offsets are flushed once per checkpoint stride,
// not per write.
type Tracker struct {
	db *bbolt.DB

	mu        sync.Mutex
	persisted map[string]int64 // last offset written to disk
}

// OpenTracker opens or creates the transfer ledger at path.
func OpenTracker(path string) (*Tracker, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open transfer ledger: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(transferBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create transfer bucket: %w", err)
	}
	return &Tracker{db: db, persisted: make(map[string]int64)}, nil
}

// Close releases the ledger.
func (t *Tracker) Close() error { return t.db.Close() }

// Begin records a new transfer and returns its state with a fresh ID.
func (t *Tracker) Begin(deviceID string, dir Direction, total int64) (TransferState, error) {
	st := TransferState{
		TransferID: uuid.NewString(),
		DeviceID:   deviceID,
		Direction:  dir,
		BytesTotal: total,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := t.put(st); err != nil {
		return TransferState{}, err
	}
	t.mu.Lock()
	t.persisted[st.TransferID] = 0
	t.mu.Unlock()
	return st, nil
}

// Checkpoint records progress. The offset hits disk only when a full
// stride has passed since the last persisted offset, or on completion.
func (t *Tracker) Checkpoint(transferID string, transferred, total int64) error {
	t.mu.Lock()
	last, ok := t.persisted[transferID]
	flush := !ok || transferred-last >= checkpointStride || transferred >= total
	if flush {
		t.persisted[transferID] = transferred
	}
	t.mu.Unlock()
	if !flush {
		return nil
	}
	st, err := t.Get(transferID)
	if err != nil {
		return err
	}
	st.BytesTransferred = transferred
	st.UpdatedAt = time.Now().UTC()
	return t.put(st)
}

// Complete removes a finished transfer from the ledger.
func (t *Tracker) Complete(transferID string) error {
	t.mu.Lock()
	delete(t.persisted, transferID)
	t.mu.Unlock()
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(transferBucket)).Delete([]byte(transferID))
	})
}

// Get returns one transfer record.
func (t *Tracker) Get(transferID string) (TransferState, error) {
	var st TransferState
	err := t.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(transferBucket)).Get([]byte(transferID))
		if raw == nil {
			return fmt.Errorf("%w: transfer %s", protoerr.ErrNotFound, transferID)
		}
		return json.Unmarshal(raw, &st)
	})
	return st, err
}

// Incomplete lists unfinished transfers for a device, the candidates to
// offer for resumption when its session comes back.
func (t *Tracker) Incomplete(deviceID string) ([]TransferState, error) {
	var out []TransferState
	err := t.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(transferBucket)).ForEach(func(_, v []byte) error {
			var st TransferState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if st.DeviceID == deviceID && st.BytesTransferred < st.BytesTotal {
				out = append(out, st)
			}
			return nil
		})
	})
	return out, err
}

func (t *Tracker) put(st TransferState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(transferBucket)).Put([]byte(st.TransferID), raw)
	})
}
