package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-prontuario/internal/infrastructure/postgres"
)

// TopicRecords is the stream record events are relayed to
const TopicRecords = "prontuario.records"

// ErrNotFound is returned when no history row matches
var ErrNotFound = errors.New("record not found")

// Row is the flat medical_records row. The three data columns are opaque JSON blobs.
type Row struct {
	ID               string
	UserID           string
	PatientName      string
	PatientAge       string
	AdmissionDate    *time.Time
	Diagnosis        string
	PrescriptionData json.RawMessage
	MedicalData      json.RawMessage
	PatientData      json.RawMessage
	CreatedAt        time.Time
}

// Summary is the indexed subset listed in the history view
type Summary struct {
	ID            string     `json:"id"`
	PatientName   string     `json:"patient_name"`
	PatientAge    string     `json:"patient_age"`
	AdmissionDate *time.Time `json:"admission_date,omitempty"`
	Diagnosis     string     `json:"diagnosis"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewRow maps a bundle onto the table shape
func NewRow(userID string, b *Bundle) (*Row, error) {
	prescriptions := b.Prescriptions
	if prescriptions == nil {
		prescriptions = []PrescriptionLine{}
	}
	prescriptionData, err := json.Marshal(prescriptions)
	if err != nil {
		return nil, fmt.Errorf("encode prescriptions: %w", err)
	}
	medicalData, err := json.Marshal(b.Medical)
	if err != nil {
		return nil, fmt.Errorf("encode medical data: %w", err)
	}
	patientData, err := json.Marshal(b.Patient)
	if err != nil {
		return nil, fmt.Errorf("encode patient data: %w", err)
	}

	row := &Row{
		UserID:           userID,
		PatientName:      b.Patient.Name,
		PatientAge:       b.Patient.Age,
		Diagnosis:        b.Patient.Diagnosis,
		PrescriptionData: prescriptionData,
		MedicalData:      medicalData,
		PatientData:      patientData,
	}
	if t, err := time.Parse(ISODate, b.Patient.AdmissionDate); err == nil {
		row.AdmissionDate = &t
	}
	return row, nil
}

// Bundle decodes the stored blobs back into a bundle
func (r *Row) Bundle() (*Bundle, error) {
	b := &Bundle{}
	if len(r.PatientData) > 0 {
		if err := json.Unmarshal(r.PatientData, &b.Patient); err != nil {
			return nil, fmt.Errorf("decode patient data: %w", err)
		}
	}
	if len(r.PrescriptionData) > 0 {
		if err := json.Unmarshal(r.PrescriptionData, &b.Prescriptions); err != nil {
			return nil, fmt.Errorf("decode prescription data: %w", err)
		}
	}
	if len(r.MedicalData) > 0 {
		if err := json.Unmarshal(r.MedicalData, &b.Medical); err != nil {
			return nil, fmt.Errorf("decode medical data: %w", err)
		}
	}
	return b, nil
}

// Repository provides history persistence
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Insert stores the row and its RecordSaved outbox entry in one transaction
func (r *Repository) Insert(ctx context.Context, row *Row) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO medical_records
		(user_id, patient_name, patient_age, admission_date, diagnosis, prescription_data, medical_data, patient_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, query,
		row.UserID,
		row.PatientName,
		row.PatientAge,
		row.AdmissionDate,
		row.Diagnosis,
		row.PrescriptionData,
		row.MedicalData,
		row.PatientData,
	).Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert medical record: %w", err)
	}

	if err := r.writeSavedEvent(ctx, tx, row); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("medical record stored",
		zap.String("record_id", row.ID),
		zap.String("user_id", row.UserID))
	return nil
}

func (r *Repository) writeSavedEvent(ctx context.Context, tx pgx.Tx, row *Row) error {
	var prescriptions []json.RawMessage
	_ = json.Unmarshal(row.PrescriptionData, &prescriptions)

	event, err := NewEvent(row.ID, EventRecordSaved, &RecordSavedData{
		RecordID:          row.ID,
		UserID:            row.UserID,
		PatientHash:       PatientHash(row.PatientName),
		PrescriptionCount: len(prescriptions),
		SavedAt:           row.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	event.WithUser(row.UserID, "")

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   row.ID,
		AggregateType: AggregateType,
		EventType:     string(EventRecordSaved),
		Payload:       payload,
		Topic:         TopicRecords,
		Key:           row.UserID,
	})
}

// Get loads a row owned by userID
func (r *Repository) Get(ctx context.Context, userID, id string) (*Row, error) {
	query := `
		SELECT id, user_id, patient_name, patient_age, admission_date, diagnosis,
		       prescription_data, medical_data, patient_data, created_at
		FROM medical_records
		WHERE id = $1 AND user_id = $2
	`
	row := &Row{}
	err := r.pool.QueryRow(ctx, query, id, userID).Scan(
		&row.ID, &row.UserID, &row.PatientName, &row.PatientAge, &row.AdmissionDate,
		&row.Diagnosis, &row.PrescriptionData, &row.MedicalData, &row.PatientData, &row.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get medical record: %w", err)
	}
	return row, nil
}

// List returns the newest rows of a user
func (r *Repository) List(ctx context.Context, userID string, limit int) ([]*Summary, error) {
	query := `
		SELECT id, patient_name, patient_age, admission_date, diagnosis, created_at
		FROM medical_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list medical records: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		s := &Summary{}
		if err := rows.Scan(&s.ID, &s.PatientName, &s.PatientAge, &s.AdmissionDate, &s.Diagnosis, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EnqueueRegeneration records a regeneration request in the outbox so the relay publishes it
func (r *Repository) EnqueueRegeneration(ctx context.Context, data *RegenerationRequestedData, topic string) error {
	event, err := NewEvent(data.RecordID, EventRegenerationRequested, data)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	event.WithUser(data.UserID, data.RequestID)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   data.RecordID,
		AggregateType: AggregateType,
		EventType:     string(EventRegenerationRequested),
		Payload:       payload,
		Topic:         topic,
		Key:           data.RequestID,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
