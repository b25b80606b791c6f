package models

import "time"

/*
Document persistence is a compacted snapshot plus an append-only log.

  accepted update → DocumentUpdate row (seq N)
  unload / periodic flush → DocumentSnapshot{State, LastSeq: N}, rows ≤ N deleted
  load → snapshot state, then every row with seq > LastSeq re-applied

Replaying a row twice is harmless because CRDT merge is idempotent.
*/

// DocumentSnapshot is the last compacted CRDT state of a project.
type DocumentSnapshot struct {
	ProjectID string    `json:"project_id" gorm:"type:uuid;primaryKey"`
	State     []byte    `json:"-" gorm:"type:bytea"`
	LastSeq   uint64    `json:"last_seq" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

// DocumentUpdate is one accepted CRDT update.
type DocumentUpdate struct {
	Seq          uint64    `json:"seq" gorm:"primaryKey;autoIncrement"`
	ProjectID    string    `json:"project_id" gorm:"type:uuid;not null;index:idx_project_seq,priority:1"`
	Update       []byte    `json:"-" gorm:"type:bytea;not null"`
	ConnectionID string    `json:"connection_id" gorm:"type:varchar(27)"`
	UserID       string    `json:"user_id" gorm:"type:uuid"`
	CreatedAt    time.Time `json:"created_at" gorm:"index:idx_project_seq,priority:2"`
}

func (DocumentUpdate) TableName() string {
	return "document_updates"
}

// StoredDocument is what a load returns: the snapshot state and the log
// entries written after it, oldest first.
type StoredDocument struct {
	State   []byte
	Updates [][]byte
	LastSeq uint64
}
