package db

import (
	"context"
	"time"
)

// Store is the main persistence interface for the screening service.
type Store interface {
	SessionStore
	VerdictStore
	TrainingStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Session store ────────────────────────────────────────────────────────────

// SessionRecord is the DB representation of one screening session, including
// its answers and ordered event trail.
type SessionRecord struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participant_id"`
	Status        string    `json:"status"` // in_progress | completed | exited
	Definition    string    `json:"definition"`

	// Health answers are nil until the participant reaches the health step.
	Health *HealthRecord `json:"health,omitempty"`

	// TypeFrequencies holds the frequency answer per selected type.
	TypeFrequencies []TypeFrequencyRecord `json:"type_frequencies"`

	// Events are ordered by creation time, oldest first.
	Events []EventRecord `json:"events"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthRecord holds the health-exclusion checkboxes.
type HealthRecord struct {
	DrugUse          bool `json:"drug_use"`
	NeuroCondition   bool `json:"neuro_condition"`
	MedicalTreatment bool `json:"medical_treatment"`
}

// TypeFrequencyRecord is the frequency answer for one selected type.
type TypeFrequencyRecord struct {
	TypeName  string `json:"type_name"`
	Frequency string `json:"frequency"` // yes | sometimes | no
}

// EventRecord is one timestamped navigation event within a session.
type EventRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Step      int       `json:"step"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore persists screening sessions and their event trails.
type SessionStore interface {
	// SaveSession creates or updates a session record. Type frequencies are
	// replaced wholesale; events are append-only and untouched here.
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// GetSession retrieves a session with its answers and events.
	// Returns ErrNotFound when the session does not exist.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// ListSessions returns sessions newest first, optionally filtered by
	// status. Events are not populated; use GetSession for the full record.
	ListSessions(ctx context.Context, status string, limit, offset int) ([]*SessionRecord, error)

	// AppendEvent adds one event to a session's trail.
	AppendEvent(ctx context.Context, ev *EventRecord) error
}

// ─── Verdict store ────────────────────────────────────────────────────────────

// VerdictRecord is a persisted quality-check verdict for one session. Verdicts
// are append-only so re-checks after retraining keep their history.
type VerdictRecord struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	CorrelationID  string    `json:"correlation_id"`
	IsValid        bool      `json:"is_valid"`
	AnomalyScore   float64   `json:"anomaly_score"`
	Confidence     float64   `json:"confidence"`
	Recommendation string    `json:"recommendation"` // ACCEPT | REVIEW | REJECT
	Threshold      *float64  `json:"threshold"`      // nil when checked untrained
	Issues         string    `json:"issues"`         // JSON array of strings
	Details        string    `json:"details"`        // JSON blob
	CheckedAt      time.Time `json:"checked_at"`
}

// VerdictQuery filters verdict queries.
type VerdictQuery struct {
	SessionID      string
	Recommendation string
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// VerdictStore persists quality-check verdicts.
type VerdictStore interface {
	// AppendVerdict stores one verdict.
	AppendVerdict(ctx context.Context, rec *VerdictRecord) error

	// QueryVerdicts retrieves verdicts with optional filters, newest first.
	QueryVerdicts(ctx context.Context, q VerdictQuery) ([]*VerdictRecord, error)

	// LatestVerdict returns the most recent verdict for a session.
	// Returns ErrNotFound when the session has never been checked.
	LatestVerdict(ctx context.Context, sessionID string) (*VerdictRecord, error)

	// VerdictSummary returns counts grouped by recommendation for a window.
	VerdictSummary(ctx context.Context, from, to time.Time) (map[string]int, error)
}

// ─── Training store ───────────────────────────────────────────────────────────

// TrainingRunRecord captures one model training run for operational history.
type TrainingRunRecord struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // running | completed | failed
	Epochs         int       `json:"epochs"`
	LearningRate   float64   `json:"learning_rate"`
	BatchSize      int       `json:"batch_size"`
	SampleCount    int       `json:"sample_count"`
	Threshold      float64   `json:"threshold"`
	FinalTrainLoss float64   `json:"final_train_loss"`
	FinalValLoss   float64   `json:"final_val_loss"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// TrainingStore persists model training history.
type TrainingStore interface {
	// SaveTrainingRun creates or updates a training run record.
	SaveTrainingRun(ctx context.Context, rec *TrainingRunRecord) error

	// ListTrainingRuns returns runs newest first.
	ListTrainingRuns(ctx context.Context, limit int) ([]*TrainingRunRecord, error)

	// LatestTrainingRun returns the most recent completed run.
	// Returns ErrNotFound when the model has never been trained.
	LatestTrainingRun(ctx context.Context) (*TrainingRunRecord, error)
}
