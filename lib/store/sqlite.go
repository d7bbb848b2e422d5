// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/drover-works/drover/lib/codec"
	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/lib/sqlitepool"
)

// sqliteSchema creates the tables on first connection. Timestamps are
// stored as Unix milliseconds; zero means unset. Maps and string
// lists are stored as CBOR blobs. Log messages larger than a small
// threshold are compressed; the tag and original size columns make
// the payload self-describing.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	workflow             TEXT NOT NULL,
	status               TEXT NOT NULL,
	current_step         TEXT NOT NULL DEFAULT '',
	step_index           INTEGER NOT NULL DEFAULT 0,
	iterations           INTEGER NOT NULL DEFAULT 0,
	cost                 REAL NOT NULL DEFAULT 0,
	budget_limit         REAL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	context              BLOB,
	state                BLOB,
	started_at_ms        INTEGER NOT NULL DEFAULT 0,
	completed_at_ms      INTEGER NOT NULL DEFAULT 0,
	error                TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_status ON runs (status);

CREATE TABLE IF NOT EXISTS step_executions (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	step_name       TEXT NOT NULL,
	step_index      INTEGER NOT NULL,
	status          TEXT NOT NULL,
	prompt          TEXT NOT NULL DEFAULT '',
	output          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	environment_id  TEXT NOT NULL DEFAULT '',
	requested_tools BLOB,
	allowed_tools   BLOB,
	denied_tools    BLOB,
	cost            REAL NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	started_at_ms   INTEGER NOT NULL DEFAULT 0,
	completed_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS step_executions_run ON step_executions (run_id, step_index);

CREATE TABLE IF NOT EXISTS tool_audits (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL DEFAULT '',
	execution_id  TEXT NOT NULL DEFAULT '',
	payload       BLOB NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tool_audits_run ON tool_audits (run_id, created_at_ms);

CREATE TABLE IF NOT EXISTS image_cache (
	fingerprint     TEXT PRIMARY KEY,
	id              TEXT NOT NULL,
	reference       TEXT NOT NULL DEFAULT '',
	base_image      TEXT NOT NULL DEFAULT '',
	dependencies    BLOB,
	size_bytes      INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	build_log       BLOB,
	hits            INTEGER NOT NULL DEFAULT 0,
	created_at_ms   INTEGER NOT NULL DEFAULT 0,
	last_used_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS image_cache_base ON image_cache (base_image);

CREATE TABLE IF NOT EXISTS run_logs (
	run_id        TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	level         TEXT NOT NULL,
	message       BLOB NOT NULL,
	message_size  INTEGER NOT NULL,
	compression   INTEGER NOT NULL DEFAULT 0,
	step          TEXT NOT NULL DEFAULT '',
	timestamp_ms  INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// SQLite is the durable Store backed by a zombiezen connection pool.
type SQLite struct {
	pool *sqlitepool.Pool
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (and if needed creates) the database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	return &SQLite{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

func (s *SQLite) CreateRun(ctx context.Context, run *schema.WorkflowRun) error {
	return s.writeRun(ctx, run, `INSERT INTO runs
		(id, workflow, status, current_step, step_index, iterations, cost,
		 budget_limit, consecutive_failures, context, state,
		 started_at_ms, completed_at_ms, error)
		VALUES (:id, :workflow, :status, :current_step, :step_index,
		 :iterations, :cost, :budget_limit, :consecutive_failures,
		 :context, :state, :started_at_ms, :completed_at_ms, :error)`, false)
}

func (s *SQLite) UpdateRun(ctx context.Context, run *schema.WorkflowRun) error {
	return s.writeRun(ctx, run, `UPDATE runs SET
		workflow = :workflow, status = :status, current_step = :current_step,
		step_index = :step_index, iterations = :iterations, cost = :cost,
		budget_limit = :budget_limit, consecutive_failures = :consecutive_failures,
		context = :context, state = :state, started_at_ms = :started_at_ms,
		completed_at_ms = :completed_at_ms, error = :error
		WHERE id = :id`, true)
}

func (s *SQLite) writeRun(ctx context.Context, run *schema.WorkflowRun, query string, requireChange bool) error {
	contextBlob, err := codec.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("store: encoding run context: %w", err)
	}
	stateBlob, err := codec.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("store: encoding run state: %w", err)
	}

	var budget any
	if run.BudgetLimit != nil {
		budget = *run.BudgetLimit
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":                   run.ID,
			":workflow":             run.Workflow,
			":status":               string(run.Status),
			":current_step":         run.CurrentStep,
			":step_index":           run.StepIndex,
			":iterations":           run.Iterations,
			":cost":                 run.Cost,
			":budget_limit":         budget,
			":consecutive_failures": run.ConsecutiveFailures,
			":context":              contextBlob,
			":state":                stateBlob,
			":started_at_ms":        timeToMS(run.StartedAt),
			":completed_at_ms":      timeToMS(run.CompletedAt),
			":error":                run.Error,
		},
	})
	if err != nil {
		return fmt.Errorf("store: writing run %s: %w", run.ID, err)
	}
	if requireChange && conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var run *schema.WorkflowRun
	err = sqlitex.Execute(conn, `SELECT id, workflow, status, current_step,
		step_index, iterations, cost, budget_limit, consecutive_failures,
		context, state, started_at_ms, completed_at_ms, error
		FROM runs WHERE id = :id`, &sqlitex.ExecOptions{
		Named: map[string]any{":id": id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			run, err = scanRun(stmt)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading run %s: %w", id, err)
	}
	if run == nil {
		return nil, ErrNotFound
	}
	return run, nil
}

func (s *SQLite) ListRuns(ctx context.Context, status schema.RunStatus, limit int) ([]*schema.WorkflowRun, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT id, workflow, status, current_step, step_index,
		iterations, cost, budget_limit, consecutive_failures, context,
		state, started_at_ms, completed_at_ms, error FROM runs`
	named := map[string]any{}
	if status != "" {
		query += ` WHERE status = :status`
		named[":status"] = string(status)
	}
	query += ` ORDER BY rowid DESC`
	if limit > 0 {
		query += ` LIMIT :limit`
		named[":limit"] = limit
	}

	var runs []*schema.WorkflowRun
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Named: named,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			run, err := scanRun(stmt)
			if err != nil {
				return err
			}
			runs = append(runs, run)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing runs: %w", err)
	}
	return runs, nil
}

func scanRun(stmt *sqlite.Stmt) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{
		ID:                  stmt.GetText("id"),
		Workflow:            stmt.GetText("workflow"),
		Status:              schema.RunStatus(stmt.GetText("status")),
		CurrentStep:         stmt.GetText("current_step"),
		StepIndex:           int(stmt.GetInt64("step_index")),
		Iterations:          int(stmt.GetInt64("iterations")),
		Cost:                stmt.GetFloat("cost"),
		ConsecutiveFailures: int(stmt.GetInt64("consecutive_failures")),
		StartedAt:           msToTime(stmt.GetInt64("started_at_ms")),
		CompletedAt:         msToTime(stmt.GetInt64("completed_at_ms")),
		Error:               stmt.GetText("error"),
	}
	if !stmt.IsNull("budget_limit") {
		limit := stmt.GetFloat("budget_limit")
		run.BudgetLimit = &limit
	}
	if err := decodeMapColumn(stmt, "context", &run.Context); err != nil {
		return nil, err
	}
	if err := decodeMapColumn(stmt, "state", &run.State); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLite) CreateStepExecution(ctx context.Context, record *schema.StepExecutionRecord) error {
	return s.writeStep(ctx, record, `INSERT INTO step_executions
		(id, run_id, step_name, step_index, status, prompt, output, error,
		 environment_id, requested_tools, allowed_tools, denied_tools,
		 cost, duration_ms, started_at_ms, completed_at_ms)
		VALUES (:id, :run_id, :step_name, :step_index, :status, :prompt,
		 :output, :error, :environment_id, :requested_tools,
		 :allowed_tools, :denied_tools, :cost, :duration_ms,
		 :started_at_ms, :completed_at_ms)`, false)
}

func (s *SQLite) UpdateStepExecution(ctx context.Context, record *schema.StepExecutionRecord) error {
	return s.writeStep(ctx, record, `UPDATE step_executions SET
		run_id = :run_id, step_name = :step_name, step_index = :step_index,
		status = :status, prompt = :prompt, output = :output, error = :error,
		environment_id = :environment_id, requested_tools = :requested_tools,
		allowed_tools = :allowed_tools, denied_tools = :denied_tools,
		cost = :cost, duration_ms = :duration_ms,
		started_at_ms = :started_at_ms, completed_at_ms = :completed_at_ms
		WHERE id = :id`, true)
}

func (s *SQLite) writeStep(ctx context.Context, record *schema.StepExecutionRecord, query string, requireChange bool) error {
	requested, err := codec.Marshal(record.RequestedTools)
	if err != nil {
		return fmt.Errorf("store: encoding requested tools: %w", err)
	}
	allowed, err := codec.Marshal(record.AllowedTools)
	if err != nil {
		return fmt.Errorf("store: encoding allowed tools: %w", err)
	}
	denied, err := codec.Marshal(record.DeniedTools)
	if err != nil {
		return fmt.Errorf("store: encoding denied tools: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":              record.ID,
			":run_id":          record.RunID,
			":step_name":       record.StepName,
			":step_index":      record.Index,
			":status":          string(record.Status),
			":prompt":          record.Prompt,
			":output":          record.Output,
			":error":           record.Error,
			":environment_id":  record.EnvironmentID,
			":requested_tools": requested,
			":allowed_tools":   allowed,
			":denied_tools":    denied,
			":cost":            record.Cost,
			":duration_ms":     record.Duration.Milliseconds(),
			":started_at_ms":   timeToMS(record.StartedAt),
			":completed_at_ms": timeToMS(record.CompletedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("store: writing step execution %s: %w", record.ID, err)
	}
	if requireChange && conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListStepExecutions(ctx context.Context, runID string) ([]*schema.StepExecutionRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []*schema.StepExecutionRecord
	err = sqlitex.Execute(conn, `SELECT id, run_id, step_name, step_index,
		status, prompt, output, error, environment_id, requested_tools,
		allowed_tools, denied_tools, cost, duration_ms, started_at_ms,
		completed_at_ms FROM step_executions
		WHERE run_id = :run_id ORDER BY step_index`, &sqlitex.ExecOptions{
		Named: map[string]any{":run_id": runID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record := &schema.StepExecutionRecord{
				ID:            stmt.GetText("id"),
				RunID:         stmt.GetText("run_id"),
				StepName:      stmt.GetText("step_name"),
				Index:         int(stmt.GetInt64("step_index")),
				Status:        schema.StepStatus(stmt.GetText("status")),
				Prompt:        stmt.GetText("prompt"),
				Output:        stmt.GetText("output"),
				Error:         stmt.GetText("error"),
				EnvironmentID: stmt.GetText("environment_id"),
				Cost:          stmt.GetFloat("cost"),
				Duration:      time.Duration(stmt.GetInt64("duration_ms")) * time.Millisecond,
				StartedAt:     msToTime(stmt.GetInt64("started_at_ms")),
				CompletedAt:   msToTime(stmt.GetInt64("completed_at_ms")),
			}
			if err := decodeStringsColumn(stmt, "requested_tools", &record.RequestedTools); err != nil {
				return err
			}
			if err := decodeStringsColumn(stmt, "allowed_tools", &record.AllowedTools); err != nil {
				return err
			}
			if err := decodeStringsColumn(stmt, "denied_tools", &record.DeniedTools); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing step executions for %s: %w", runID, err)
	}
	return records, nil
}

func (s *SQLite) AppendToolAudit(ctx context.Context, record *schema.ToolAuditRecord) error {
	payload, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encoding tool audit: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO tool_audits
		(id, run_id, execution_id, payload, created_at_ms)
		VALUES (:id, :run_id, :execution_id, :payload, :created_at_ms)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":id":            record.ID,
				":run_id":        record.RunID,
				":execution_id":  record.ExecutionID,
				":payload":       payload,
				":created_at_ms": timeToMS(record.CreatedAt),
			},
		})
	if err != nil {
		return fmt.Errorf("store: writing tool audit %s: %w", record.ID, err)
	}
	return nil
}

func (s *SQLite) ListToolAudits(ctx context.Context, runID string) ([]*schema.ToolAuditRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []*schema.ToolAuditRecord
	err = sqlitex.Execute(conn, `SELECT payload FROM tool_audits
		WHERE run_id = :run_id ORDER BY created_at_ms, rowid`, &sqlitex.ExecOptions{
		Named: map[string]any{":run_id": runID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := readBlob(stmt, "payload")
			record := &schema.ToolAuditRecord{}
			if err := codec.Unmarshal(blob, record); err != nil {
				return fmt.Errorf("decoding tool audit: %w", err)
			}
			records = append(records, record)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing tool audits for %s: %w", runID, err)
	}
	return records, nil
}

func (s *SQLite) GetImageByFingerprint(ctx context.Context, fingerprint string) (*schema.ImageCacheEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entry *schema.ImageCacheEntry
	err = sqlitex.Execute(conn, `SELECT fingerprint, id, reference,
		base_image, dependencies, size_bytes, status, build_log, hits,
		created_at_ms, last_used_at_ms FROM image_cache
		WHERE fingerprint = :fingerprint`, &sqlitex.ExecOptions{
		Named: map[string]any{":fingerprint": fingerprint},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry, err = scanImage(stmt)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading image %s: %w", fingerprint, err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *SQLite) PutImage(ctx context.Context, entry *schema.ImageCacheEntry) error {
	dependencies, err := codec.Marshal(entry.Dependencies)
	if err != nil {
		return fmt.Errorf("store: encoding image dependencies: %w", err)
	}
	buildLog, err := codec.Marshal(entry.BuildLog)
	if err != nil {
		return fmt.Errorf("store: encoding image build log: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO image_cache
		(fingerprint, id, reference, base_image, dependencies, size_bytes,
		 status, build_log, hits, created_at_ms, last_used_at_ms)
		VALUES (:fingerprint, :id, :reference, :base_image, :dependencies,
		 :size_bytes, :status, :build_log, :hits, :created_at_ms,
		 :last_used_at_ms)`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":fingerprint":     entry.Fingerprint,
			":id":              entry.ID,
			":reference":       entry.Reference,
			":base_image":      entry.BaseImage,
			":dependencies":    dependencies,
			":size_bytes":      entry.SizeBytes,
			":status":          string(entry.Status),
			":build_log":       buildLog,
			":hits":            entry.Hits,
			":created_at_ms":   timeToMS(entry.CreatedAt),
			":last_used_at_ms": timeToMS(entry.LastUsedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("store: writing image %s: %w", entry.Fingerprint, err)
	}
	return nil
}

func (s *SQLite) TouchImage(ctx context.Context, fingerprint string, lastUsed time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE image_cache
		SET hits = hits + 1, last_used_at_ms = :last_used_at_ms
		WHERE fingerprint = :fingerprint`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":fingerprint":     fingerprint,
			":last_used_at_ms": timeToMS(lastUsed),
		},
	})
	if err != nil {
		return fmt.Errorf("store: touching image %s: %w", fingerprint, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListImages(ctx context.Context) ([]*schema.ImageCacheEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entries []*schema.ImageCacheEntry
	err = sqlitex.Execute(conn, `SELECT fingerprint, id, reference,
		base_image, dependencies, size_bytes, status, build_log, hits,
		created_at_ms, last_used_at_ms FROM image_cache
		ORDER BY last_used_at_ms DESC`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry, err := scanImage(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing images: %w", err)
	}
	return entries, nil
}

func (s *SQLite) DeleteImagesByBase(ctx context.Context, baseImage string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM image_cache WHERE base_image = :base_image`,
		&sqlitex.ExecOptions{Named: map[string]any{":base_image": baseImage}})
	if err != nil {
		return 0, fmt.Errorf("store: deleting images for base %s: %w", baseImage, err)
	}
	return conn.Changes(), nil
}

func scanImage(stmt *sqlite.Stmt) (*schema.ImageCacheEntry, error) {
	entry := &schema.ImageCacheEntry{
		Fingerprint: stmt.GetText("fingerprint"),
		ID:          stmt.GetText("id"),
		Reference:   stmt.GetText("reference"),
		BaseImage:   stmt.GetText("base_image"),
		SizeBytes:   stmt.GetInt64("size_bytes"),
		Status:      schema.BuildStatus(stmt.GetText("status")),
		Hits:        stmt.GetInt64("hits"),
		CreatedAt:   msToTime(stmt.GetInt64("created_at_ms")),
		LastUsedAt:  msToTime(stmt.GetInt64("last_used_at_ms")),
	}
	if err := decodeStringsColumn(stmt, "dependencies", &entry.Dependencies); err != nil {
		return nil, err
	}
	if err := decodeStringsColumn(stmt, "build_log", &entry.BuildLog); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLite) AppendLog(ctx context.Context, runID string, entry *schema.LogEntry) (uint64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	message := []byte(entry.Message)
	compressed, tag := compressPayload(message)

	var seq uint64
	release := sqlitex.Transaction(conn)
	err = func() error {
		err := sqlitex.Execute(conn, `SELECT COALESCE(MAX(seq), 0) AS last
			FROM run_logs WHERE run_id = :run_id`, &sqlitex.ExecOptions{
			Named: map[string]any{":run_id": runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = uint64(stmt.GetInt64("last")) + 1
				return nil
			},
		})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, `INSERT INTO run_logs
			(run_id, seq, level, message, message_size, compression, step, timestamp_ms)
			VALUES (:run_id, :seq, :level, :message, :message_size,
			 :compression, :step, :timestamp_ms)`, &sqlitex.ExecOptions{
			Named: map[string]any{
				":run_id":       runID,
				":seq":          int64(seq),
				":level":        entry.Level,
				":message":      compressed,
				":message_size": len(message),
				":compression":  int64(tag),
				":step":         entry.Step,
				":timestamp_ms": timeToMS(entry.Timestamp),
			},
		})
	}()
	release(&err)
	if err != nil {
		return 0, fmt.Errorf("store: appending log for %s: %w", runID, err)
	}
	return seq, nil
}

func (s *SQLite) TailLogs(ctx context.Context, runID string, n int) ([]schema.LogEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT seq, level, message, message_size, compression, step,
		timestamp_ms FROM run_logs WHERE run_id = :run_id ORDER BY seq DESC`
	named := map[string]any{":run_id": runID}
	if n > 0 {
		query += ` LIMIT :limit`
		named[":limit"] = n
	}

	var entries []schema.LogEntry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Named: named,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := readBlob(stmt, "message")
			message, err := decompressPayload(blob,
				compressionTag(stmt.GetInt64("compression")),
				int(stmt.GetInt64("message_size")))
			if err != nil {
				return err
			}
			entries = append(entries, schema.LogEntry{
				Seq:       uint64(stmt.GetInt64("seq")),
				Level:     stmt.GetText("level"),
				Message:   string(message),
				Step:      stmt.GetText("step"),
				Timestamp: msToTime(stmt.GetInt64("timestamp_ms")),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading logs for %s: %w", runID, err)
	}

	// The query returns newest-first; callers want sequence order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *SQLite) LastSeq(ctx context.Context, runID string) (uint64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var last uint64
	err = sqlitex.Execute(conn, `SELECT COALESCE(MAX(seq), 0) AS last
		FROM run_logs WHERE run_id = :run_id`, &sqlitex.ExecOptions{
		Named: map[string]any{":run_id": runID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			last = uint64(stmt.GetInt64("last"))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: reading last seq for %s: %w", runID, err)
	}
	return last, nil
}

// readBlob copies a blob column out of the statement.
func readBlob(stmt *sqlite.Stmt, column string) []byte {
	length := stmt.GetLen(column)
	if length == 0 {
		return nil
	}
	blob := make([]byte, length)
	stmt.GetBytes(column, blob)
	return blob
}

func decodeMapColumn(stmt *sqlite.Stmt, column string, target *map[string]any) error {
	blob := readBlob(stmt, column)
	if len(blob) == 0 {
		return nil
	}
	if err := codec.Unmarshal(blob, target); err != nil {
		return fmt.Errorf("decoding %s: %w", column, err)
	}
	return nil
}

func decodeStringsColumn(stmt *sqlite.Stmt, column string, target *[]string) error {
	blob := readBlob(stmt, column)
	if len(blob) == 0 {
		return nil
	}
	if err := codec.Unmarshal(blob, target); err != nil {
		return fmt.Errorf("decoding %s: %w", column, err)
	}
	return nil
}

func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
