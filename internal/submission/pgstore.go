package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/programme-lv/judge/api"
	"github.com/programme-lv/judge/internal/execute"
)

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id               BIGSERIAL PRIMARY KEY,
	token            TEXT NOT NULL UNIQUE,
	source_code      TEXT NOT NULL,
	language_id      BIGINT NOT NULL,
	stdin            TEXT NOT NULL DEFAULT '',
	expected_output  TEXT,
	limits           JSONB NOT NULL,
	number_of_runs   INT NOT NULL DEFAULT 1,
	compiler_options TEXT NOT NULL DEFAULT '',
	command_line_args TEXT NOT NULL DEFAULT '',
	redirect_stderr  BOOLEAN NOT NULL DEFAULT FALSE,
	enable_network   BOOLEAN NOT NULL DEFAULT FALSE,
	callback_url     TEXT NOT NULL DEFAULT '',
	additional_files JSONB,
	test_cases       JSONB,
	status_id        INT NOT NULL,
	stdout           TEXT,
	stderr           TEXT,
	compile_output   TEXT,
	message          TEXT,
	exit_code        INT,
	exit_signal      INT,
	time_ms          BIGINT,
	wall_time_ms     BIGINT,
	memory_kb        BIGINT,
	execution_host   TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS submission_results (
	id            BIGSERIAL PRIMARY KEY,
	submission_id BIGINT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
	status_id     INT NOT NULL,
	stdout        TEXT,
	stderr        TEXT,
	exit_code     INT,
	time_ms       BIGINT,
	memory_kb     BIGINT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_submission_results_submission
	ON submission_results (submission_id, id);
`

// PgStore persists submissions in PostgreSQL.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, databaseURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	store := &PgStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PgStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PgStore) Create(ctx context.Context, sub *Submission) error {
	limits, err := json.Marshal(sub.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}
	files, err := json.Marshal(sub.AdditionalFiles)
	if err != nil {
		return fmt.Errorf("failed to marshal additional files: %w", err)
	}
	cases, err := json.Marshal(sub.TestCases)
	if err != nil {
		return fmt.Errorf("failed to marshal test cases: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO submissions (
			token, source_code, language_id, stdin, expected_output, limits,
			number_of_runs, compiler_options, command_line_args,
			redirect_stderr, enable_network, callback_url,
			additional_files, test_cases, status_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`,
		sub.Token, sub.SourceCode, sub.LanguageID, sub.Stdin, sub.ExpectedOutput, limits,
		sub.NumberOfRuns, sub.CompilerOptions, sub.CommandLineArgs,
		sub.RedirectStderr, sub.EnableNetwork, sub.CallbackURL,
		files, cases, sub.StatusID, sub.CreatedAt,
	)
	if err := row.Scan(&sub.ID); err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (s *PgStore) GetByToken(ctx context.Context, token string) (*Submission, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, token, source_code, language_id, stdin, expected_output, limits,
			number_of_runs, compiler_options, command_line_args,
			redirect_stderr, enable_network, callback_url,
			additional_files, test_cases, status_id,
			stdout, stderr, compile_output, message, exit_code, exit_signal,
			time_ms, wall_time_ms, memory_kb, execution_host,
			created_at, started_at, finished_at
		FROM submissions WHERE token = $1`, token)

	var (
		sub    Submission
		limits []byte
		files  []byte
		cases  []byte
	)
	err := row.Scan(
		&sub.ID, &sub.Token, &sub.SourceCode, &sub.LanguageID, &sub.Stdin, &sub.ExpectedOutput, &limits,
		&sub.NumberOfRuns, &sub.CompilerOptions, &sub.CommandLineArgs,
		&sub.RedirectStderr, &sub.EnableNetwork, &sub.CallbackURL,
		&files, &cases, &sub.StatusID,
		&sub.Stdout, &sub.Stderr, &sub.CompileOutput, &sub.Message, &sub.ExitCode, &sub.ExitSignal,
		&sub.TimeMillis, &sub.WallTimeMillis, &sub.MemoryKB, &sub.ExecutionHost,
		&sub.CreatedAt, &sub.StartedAt, &sub.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}

	if err := json.Unmarshal(limits, &sub.Limits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal limits: %w", err)
	}
	if len(files) > 0 {
		var af []execute.AdditionalFile
		if err := json.Unmarshal(files, &af); err != nil {
			return nil, fmt.Errorf("failed to unmarshal additional files: %w", err)
		}
		sub.AdditionalFiles = af
	}
	if len(cases) > 0 {
		var tc []execute.TestCase
		if err := json.Unmarshal(cases, &tc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal test cases: %w", err)
		}
		sub.TestCases = tc
	}
	return &sub, nil
}

func (s *PgStore) MarkProcessing(ctx context.Context, token string, host string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET status_id = $1, started_at = $2, execution_host = $3
		WHERE token = $4`,
		api.StatusProcessing, time.Now(), host, token)
	if err != nil {
		return fmt.Errorf("failed to mark submission processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) Update(ctx context.Context, sub *Submission) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET status_id = $1, stdout = $2, stderr = $3, compile_output = $4,
			message = $5, exit_code = $6, exit_signal = $7,
			time_ms = $8, wall_time_ms = $9, memory_kb = $10,
			finished_at = $11
		WHERE token = $12`,
		sub.StatusID, sub.Stdout, sub.Stderr, sub.CompileOutput,
		sub.Message, sub.ExitCode, sub.ExitSignal,
		sub.TimeMillis, sub.WallTimeMillis, sub.MemoryKB,
		sub.FinishedAt, sub.Token)
	if err != nil {
		return fmt.Errorf("failed to update submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) AppendResult(ctx context.Context, rec *RunRecord) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO submission_results (
			submission_id, status_id, stdout, stderr, exit_code, time_ms, memory_kb
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at`,
		rec.SubmissionID, rec.StatusID, rec.Stdout, rec.Stderr,
		rec.ExitCode, rec.TimeMillis, rec.MemoryKB)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to append run record: %w", err)
	}
	return nil
}

func (s *PgStore) ResultsByToken(ctx context.Context, token string) ([]RunRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.submission_id, r.status_id, r.stdout, r.stderr,
			r.exit_code, r.time_ms, r.memory_kb, r.created_at
		FROM submission_results r
		JOIN submissions s ON s.id = r.submission_id
		WHERE s.token = $1
		ORDER BY r.id`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to query run records: %w", err)
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.ID, &rec.SubmissionID, &rec.StatusID, &rec.Stdout, &rec.Stderr,
			&rec.ExitCode, &rec.TimeMillis, &rec.MemoryKB, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run records: %w", err)
	}
	return recs, nil
}

func (s *PgStore) Close() {
	s.pool.Close()
}
