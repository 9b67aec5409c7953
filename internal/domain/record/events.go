package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of record event
type EventType string

const (
	EventRecordSaved           EventType = "RecordSaved"
	EventRegenerationRequested EventType = "RegenerationRequested"
)

// AggregateType is stamped on every outbox entry written for records
const AggregateType = "MedicalRecord"

// Event is the envelope published for record history changes
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        string          `json:"user_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(recordID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   recordID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithUser sets the owning user and correlation id
func (e *Event) WithUser(userID, correlationID string) *Event {
	e.UserID = userID
	e.CorrelationID = correlationID
	return e
}

// RecordSavedData is published once a history row is committed.
// The patient name is hashed; clinical text never leaves the database.
type RecordSavedData struct {
	RecordID          string    `json:"record_id"`
	UserID            string    `json:"user_id"`
	PatientHash       string    `json:"patient_hash"`
	PrescriptionCount int       `json:"prescription_count"`
	SavedAt           time.Time `json:"saved_at"`
}

// RegenerationRequestedData asks the worker to rebuild a document from history
type RegenerationRequestedData struct {
	RecordID    string    `json:"record_id"`
	UserID      string    `json:"user_id"`
	Format      string    `json:"format"`
	RequestID   string    `json:"request_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// PatientHash hashes a normalized patient name
func PatientHash(name string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(name))))
	return hex.EncodeToString(sum[:])
}
