package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/BetterAndBetterII/SiteSearch/internal/dedup"
	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/BetterAndBetterII/SiteSearch/internal/exactly_once"
	_ "github.com/lib/pq"
)

// UpsertResult reports how a persist-stage write resolved against the
// (url, content_hash) ledger: a never-before-seen url, a revision of an
// existing url's content, or a no-op because the content hasn't changed.
type UpsertResult struct {
	Version        int
	IndexOperation envelope.IndexOperation
	Skipped        bool
}

// DocumentStore is the persist stage's write target: a relational ledger of
// cleaned documents keyed by (url, content_hash), with one row per distinct
// content revision a URL has ever produced.
type DocumentStore interface {
	// Upsert consults the ledger for env.URL and resolves it against
	// env.ContentHash: unknown url inserts version 1 with IndexOperationNew;
	// known url with the same hash is a no-op (Skipped); known url with a
	// different hash appends a new row with an incremented version and
	// IndexOperationEdit.
	Upsert(ctx context.Context, env *envelope.Envelope) (UpsertResult, error)
	// Delete removes every ledger row for a URL, used on tombstone tasks.
	Delete(ctx context.Context, url string) error
}

// PostgresDocumentStore is the default DocumentStore, backed by a single
// table keyed by (url, content_hash) with an append-only per-url version
// counter resolved via SELECT ... FOR UPDATE against the latest row.
type PostgresDocumentStore struct {
	db *sql.DB
}

// NewPostgresDocumentStore opens (without pinging) a lib/pq connection pool.
func NewPostgresDocumentStore(dsn string) (*PostgresDocumentStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresDocumentStore{db: db}, nil
}

// EnsureSchema creates the documents table if it does not already exist.
func (s *PostgresDocumentStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			url TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			site_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			version INT NOT NULL,
			cleaned_content TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (url, content_hash)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure documents schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS documents_url_idx ON documents (url)
	`); err != nil {
		return fmt.Errorf("ensure documents url index: %w", err)
	}
	return nil
}

// Upsert wraps the ledger resolution in its own transaction: the FOR UPDATE
// row lock below only serializes concurrent writers within a transaction, so
// a non-transactional caller needs one opened for it.
func (s *PostgresDocumentStore) Upsert(ctx context.Context, env *envelope.Envelope) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin upsert tx: %w", err)
	}
	res, err := s.upsert(ctx, tx, env)
	if err != nil {
		tx.Rollback()
		return UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert tx: %w", err)
	}
	return res, nil
}

// UpsertTx runs the same ledger resolution inside a caller-managed
// transaction, so it can be composed with an outbox event insert as one
// atomic unit.
func (s *PostgresDocumentStore) UpsertTx(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) (UpsertResult, error) {
	return s.upsert(ctx, tx, env)
}

type txQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *PostgresDocumentStore) upsert(ctx context.Context, q txQuerier, env *envelope.Envelope) (UpsertResult, error) {
	var latestHash string
	var latestVersion int
	err := q.QueryRowContext(ctx, `
		SELECT content_hash, version FROM documents
		WHERE url = $1
		ORDER BY version DESC
		LIMIT 1
		FOR UPDATE
	`, env.URL).Scan(&latestHash, &latestVersion)

	switch {
	case err == sql.ErrNoRows:
		if _, err := q.ExecContext(ctx, `
			INSERT INTO documents (url, content_hash, site_id, task_id, version, cleaned_content, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5, now())
		`, env.URL, env.ContentHash, env.SiteID, env.TaskID, env.CleanedContent); err != nil {
			return UpsertResult{}, fmt.Errorf("insert document %s: %w", env.URL, err)
		}
		return UpsertResult{Version: 1, IndexOperation: envelope.IndexOperationNew}, nil

	case err != nil:
		return UpsertResult{}, fmt.Errorf("read document ledger %s: %w", env.URL, err)

	case latestHash == env.ContentHash:
		return UpsertResult{Version: latestVersion, IndexOperation: envelope.IndexOperationEdit, Skipped: true}, nil

	default:
		newVersion := latestVersion + 1
		if _, err := q.ExecContext(ctx, `
			INSERT INTO documents (url, content_hash, site_id, task_id, version, cleaned_content, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`, env.URL, env.ContentHash, env.SiteID, env.TaskID, newVersion, env.CleanedContent); err != nil {
			return UpsertResult{}, fmt.Errorf("append document revision %s: %w", env.URL, err)
		}
		return UpsertResult{Version: newVersion, IndexOperation: envelope.IndexOperationEdit}, nil
	}
}

// DB exposes the underlying pool so a Persister can open a transaction that
// spans both the document upsert and an outbox event insert.
func (s *PostgresDocumentStore) DB() *sql.DB { return s.db }

func (s *PostgresDocumentStore) Delete(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE url = $1`, url); err != nil {
		return fmt.Errorf("delete document %s: %w", url, err)
	}
	return nil
}

// Persister is the persist-stage handler: it writes cleaned content to a
// DocumentStore, consulting the content-hash dedup policy to decide
// between an index upsert and a skip.
//
// When outbox is set, the document write and the index-queue handoff are
// composed as one Postgres transaction via the transactional outbox
// pattern: Process never enqueues onto outputQueue itself, it only records
// the intent to, and a separate outbox processor (see cmd/sitesearch-pipeline)
// drains that table into Redis once the write has durably committed. This
// closes the gap between "document persisted" and "crawl marked complete"
// that a direct two-step write/enqueue can't guarantee across a crash.
type Persister struct {
	store DocumentStore
	dedup *dedup.Policy

	pgStore     *PostgresDocumentStore
	outbox      *exactly_once.SQLOutboxManager
	outputQueue string

	mu    sync.Mutex
	stats Stats
}

// NewPersister builds a Persister over the given store and dedup policy.
func NewPersister(store DocumentStore, dedupPolicy *dedup.Policy) *Persister {
	return &Persister{store: store, dedup: dedupPolicy}
}

// NewTransactionalPersister builds a Persister that commits document writes
// and index-queue handoff through a shared SQL transaction and the
// transactional outbox, rather than enqueueing directly.
func NewTransactionalPersister(store *PostgresDocumentStore, dedupPolicy *dedup.Policy, outbox *exactly_once.SQLOutboxManager, outputQueue string) *Persister {
	return &Persister{store: store, dedup: dedupPolicy, pgStore: store, outbox: outbox, outputQueue: outputQueue}
}

func (p *Persister) OnStart(ctx context.Context) error { return nil }
func (p *Persister) OnStop(ctx context.Context) error  { return nil }

func (p *Persister) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Persister) record(succeeded, skipped bool) {
	p.mu.Lock()
	p.stats.Processed++
	switch {
	case skipped:
		p.stats.Skipped++
	case succeeded:
		p.stats.Succeeded++
	default:
		p.stats.Failed++
	}
	p.mu.Unlock()
}

// Process writes the cleaned document and advances the envelope to the
// index stage, or returns nil to signal a dedup skip (either a reservation
// already held by a concurrent worker, or a ledger hit with unchanged
// content).
func (p *Persister) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	isDup, _, err := p.dedup.CheckAndReserve(ctx, env.URL, env.ContentHash, env.Version)
	if err != nil {
		p.record(false, false)
		return nil, &TransientError{Err: fmt.Errorf("dedup check: %w", err)}
	}
	if isDup {
		p.record(true, true)
		return nil, nil
	}

	if p.outbox != nil && p.pgStore != nil {
		return p.processTransactional(ctx, env)
	}

	result, err := p.store.Upsert(ctx, env)
	if err != nil {
		p.dedup.Release(ctx, env.URL, env.ContentHash)
		p.record(false, false)
		return nil, &TransientError{Err: fmt.Errorf("persist document: %w", err)}
	}
	if result.Skipped {
		p.record(true, true)
		return nil, nil
	}

	env.Advance("persist")
	env.Version = result.Version
	env.IndexOperation = result.IndexOperation
	p.record(true, false)
	return env, nil
}

// processTransactional writes the document and an outbox event in one
// transaction, then returns nil so the Supervisor does not also enqueue
// directly: the outbox processor owns delivery to outputQueue from here. A
// ledger hit with unchanged content writes nothing and skips the outbox
// event entirely — there is no index-stage work to hand off.
func (p *Persister) processTransactional(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	tx, err := p.pgStore.DB().BeginTx(ctx, nil)
	if err != nil {
		p.dedup.Release(ctx, env.URL, env.ContentHash)
		p.record(false, false)
		return nil, &TransientError{Err: fmt.Errorf("begin persist tx: %w", err)}
	}

	var result UpsertResult
	err = p.outbox.ExecuteWithOutbox(ctx, tx, func(tx *sql.Tx) error {
		r, uerr := p.pgStore.UpsertTx(ctx, tx, env)
		result = r
		return uerr
	})
	if err == nil && !result.Skipped {
		env.Advance("persist")
		env.Version = result.Version
		env.IndexOperation = result.IndexOperation

		var payload []byte
		payload, err = json.Marshal(env)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO outbox_events (id, queue_name, payload, created_at, status, attempts)
				VALUES ($1, $2, $3, now(), 'pending', 0)
			`, fmt.Sprintf("outbox_%s_v%d", env.TaskID, env.Version), p.outputQueue, payload)
		}
	}

	if err != nil {
		tx.Rollback()
		p.dedup.Release(ctx, env.URL, env.ContentHash)
		p.record(false, false)
		return nil, &TransientError{Err: fmt.Errorf("persist document transactionally: %w", err)}
	}

	if err := tx.Commit(); err != nil {
		p.dedup.Release(ctx, env.URL, env.ContentHash)
		p.record(false, false)
		return nil, &TransientError{Err: fmt.Errorf("commit persist tx: %w", err)}
	}

	p.record(true, result.Skipped)
	return nil, nil
}
