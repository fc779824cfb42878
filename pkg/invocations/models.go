package invocations

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/skills"
)

// previewLimit bounds the stored prefix of a command result
const previewLimit = 1024

// Record is one logged command invocation
type Record struct {
	ID            string         `json:"id"`
	Skill         string         `json:"skill"`
	Command       string         `json:"command"`
	Args          map[string]any `json:"args,omitempty"`
	ResultPreview string         `json:"result_preview,omitempty"`
	ResultSize    int            `json:"result_size"`
	Error         string         `json:"error,omitempty"`
	Cached        bool           `json:"cached"`
	Attempts      int            `json:"attempts"`
	Duration      time.Duration  `json:"duration"`
	StartedAt     time.Time      `json:"started_at"`
}

type dbRecord struct {
	ID            string         `db:"id"`
	Skill         string         `db:"skill"`
	Command       string         `db:"command"`
	Args          string         `db:"args"`
	ResultPreview string         `db:"result_preview"`
	ResultSize    int            `db:"result_size"`
	Error         sql.NullString `db:"error"`
	Cached        bool           `db:"cached"`
	Attempts      int            `db:"attempts"`
	DurationMS    int64          `db:"duration_ms"`
	StartedAt     time.Time      `db:"started_at"`
}

func fromInvocation(inv skills.Invocation) dbRecord {
	args := inv.Args
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte("{}")
	}

	preview := inv.Result
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}

	rec := dbRecord{
		ID:            uuid.NewString(),
		Skill:         inv.Skill,
		Command:       inv.Command,
		Args:          string(encoded),
		ResultPreview: preview,
		ResultSize:    len(inv.Result),
		Cached:        inv.Cached,
		Attempts:      inv.Attempts,
		DurationMS:    inv.Duration.Milliseconds(),
		StartedAt:     inv.StartedAt.UTC(),
	}
	if inv.Err != nil {
		rec.Error = sql.NullString{String: inv.Err.Error(), Valid: true}
	}
	return rec
}

func (r dbRecord) toRecord() Record {
	rec := Record{
		ID:            r.ID,
		Skill:         r.Skill,
		Command:       r.Command,
		ResultPreview: r.ResultPreview,
		ResultSize:    r.ResultSize,
		Error:         r.Error.String,
		Cached:        r.Cached,
		Attempts:      r.Attempts,
		Duration:      time.Duration(r.DurationMS) * time.Millisecond,
		StartedAt:     r.StartedAt,
	}
	_ = json.Unmarshal([]byte(r.Args), &rec.Args)
	return rec
}
