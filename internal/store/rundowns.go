package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("rundown not found")

// stampLayout is fixed-width so OCC tokens compare chronologically as plain
// strings.
const stampLayout = "2006-01-02T15:04:05.000000000Z"

// nextStamp returns a new OCC token strictly greater than the previous one,
// even when the wall clock has not advanced or has jumped backwards.
func nextStamp(previous string) string {
	stamp := time.Now().UTC().Format(stampLayout)
	if stamp > previous {
		return stamp
	}
	prev, err := time.Parse(stampLayout, previous)
	if err != nil {
		return stamp
	}
	return prev.Add(time.Nanosecond).UTC().Format(stampLayout)
}

// PostgresStore is the optimistic-concurrency persistence gateway. Every
// write is conditioned on the caller's expected token; the gateway never
// retries internally; transport failures are the caller's to retry with the
// same expectation, because staleness is the only thing that must re-check.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetRundown(ctx context.Context, rundownID string) (Rundown, error) {
	var r Rundown
	var itemsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, timezone, start_time, items, doc_version, updated_by, updated_at
		FROM rundowns
		WHERE id=$1
	`, rundownID).Scan(&r.ID, &r.Title, &r.Timezone, &r.StartTime, &itemsRaw, &r.DocVersion, &r.UpdatedBy, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Rundown{}, ErrNotFound
	}
	if err != nil {
		return Rundown{}, fmt.Errorf("get rundown: %w", err)
	}
	if err := json.Unmarshal(itemsRaw, &r.Items); err != nil {
		return Rundown{}, fmt.Errorf("decode rundown items: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) InsertRundown(ctx context.Context, r Rundown) (Rundown, error) {
	items := r.Items
	if items == nil {
		items = []Item{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return Rundown{}, fmt.Errorf("encode rundown items: %w", err)
	}
	r.UpdatedAt = nextStamp("")
	r.DocVersion = 1
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rundowns (id, title, timezone, start_time, items, doc_version, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.Title, r.Timezone, r.StartTime, encoded, r.DocVersion, r.UpdatedBy, r.UpdatedAt)
	if err != nil {
		return Rundown{}, fmt.Errorf("insert rundown: %w", err)
	}
	return r, nil
}

// SaveRundown persists the full document conditioned on expectedUpdatedAt.
// Zero rows affected means the row moved on: the authoritative state is
// fetched and returned so the caller can run conflict resolution against it.
func (s *PostgresStore) SaveRundown(ctx context.Context, r Rundown, expectedUpdatedAt string) (SaveResult, error) {
	encoded, err := json.Marshal(r.Items)
	if err != nil {
		return SaveResult{}, fmt.Errorf("encode rundown items: %w", err)
	}
	newStamp := nextStamp(expectedUpdatedAt)

	result, err := s.db.ExecContext(ctx, `
		UPDATE rundowns
		SET title=$2, timezone=$3, start_time=$4, items=$5::jsonb,
			doc_version=doc_version+1, updated_by=$6, updated_at=$7
		WHERE id=$1 AND updated_at=$8
	`, r.ID, r.Title, r.Timezone, r.StartTime, encoded, r.UpdatedBy, newStamp, expectedUpdatedAt)
	if err != nil {
		return SaveResult{}, fmt.Errorf("save rundown: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return SaveResult{}, fmt.Errorf("save rundown rows: %w", err)
	}
	if affected > 0 {
		return SaveResult{NewUpdatedAt: newStamp}, nil
	}

	server, err := s.GetRundown(ctx, r.ID)
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Conflict: true, Server: server}, nil
}

// SaveItemField persists one cell conditioned on the item's revision marker
// rather than the document token, so unrelated-field edits do not force a
// full-document retry. The row is locked for the read-modify-write.
func (s *PostgresStore) SaveItemField(ctx context.Context, rundownID, itemID, field, value, updatedBy string, expectedItemRev int) (CellSaveResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CellSaveResult{}, fmt.Errorf("begin cell write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var r Rundown
	var itemsRaw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, title, timezone, start_time, items, doc_version, updated_by, updated_at
		FROM rundowns
		WHERE id=$1
		FOR UPDATE
	`, rundownID).Scan(&r.ID, &r.Title, &r.Timezone, &r.StartTime, &itemsRaw, &r.DocVersion, &r.UpdatedBy, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CellSaveResult{}, ErrNotFound
	}
	if err != nil {
		return CellSaveResult{}, fmt.Errorf("lock rundown: %w", err)
	}
	if err := json.Unmarshal(itemsRaw, &r.Items); err != nil {
		return CellSaveResult{}, fmt.Errorf("decode rundown items: %w", err)
	}

	item := r.ItemByID(itemID)
	if item == nil || item.Rev != expectedItemRev {
		return CellSaveResult{Conflict: true, Server: r}, nil
	}

	item.SetField(field, value)
	item.Rev++
	newStamp := nextStamp(r.UpdatedAt)

	encoded, err := json.Marshal(r.Items)
	if err != nil {
		return CellSaveResult{}, fmt.Errorf("encode rundown items: %w", err)
	}
	// doc_version advances here too: any write to the row is a new document
	// version, so full-document replays can tell the row moved on.
	if _, err := tx.ExecContext(ctx, `
		UPDATE rundowns
		SET items=$2::jsonb, doc_version=doc_version+1, updated_by=$3, updated_at=$4
		WHERE id=$1
	`, rundownID, encoded, updatedBy, newStamp); err != nil {
		return CellSaveResult{}, fmt.Errorf("save cell: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CellSaveResult{}, fmt.Errorf("commit cell write: %w", err)
	}

	return CellSaveResult{NewUpdatedAt: newStamp, NewItemRev: item.Rev}, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
