package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/plancheck/plancheck/internal/plancheck"
)

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Archive stores completed plan check queries and their rows so results can
// be compared across runs without querying the QA server again.
type Archive struct {
	db     Beginner
	logger zerolog.Logger
}

// NewArchive creates an archive over db.
func NewArchive(db Beginner, logger zerolog.Logger) *Archive {
	return &Archive{db: db, logger: logger}
}

const insertRunSQL = `INSERT INTO plan_check_runs
    (run_id, criteria, window_target, window_range_s, scanned, accepted, parse_failed, dvh_attached, elapsed_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const insertRowSQL = `INSERT INTO plan_check_rows
    (run_id, position, patient_id, request_cid, machine_name, plan_name, submitted_at, gamma_pass_rate, structure_name, row_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// SaveRun writes the run summary and every row in one transaction.
func (a *Archive) SaveRun(ctx context.Context, req plancheck.QueryRequest, res *plancheck.QueryResult) error {
	summary, err := runArgs(req, res)
	if err != nil {
		return err
	}

	tx, err := a.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertRunSQL, summary...); err != nil {
		return fmt.Errorf("insert run %s: %w", res.RunID, err)
	}
	for i, row := range res.Table.Rows() {
		args, err := rowArgs(res.RunID, i, row)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertRowSQL, args...); err != nil {
			return fmt.Errorf("insert row %d of run %s: %w", i, res.RunID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive transaction: %w", err)
	}
	a.logger.Info().Str("run_id", res.RunID).Int("rows", res.Table.Len()).Msg("plan check query archived")
	return nil
}

func runArgs(req plancheck.QueryRequest, res *plancheck.QueryResult) ([]interface{}, error) {
	criteria, err := json.Marshal(req.Criteria.Fields())
	if err != nil {
		return nil, fmt.Errorf("encode criteria: %w", err)
	}
	var target, rangeSeconds interface{}
	if req.Window != nil {
		target = req.Window.Target
		rangeSeconds = int64(req.Window.Range.Seconds())
	}
	return []interface{}{
		res.RunID,
		criteria,
		target,
		rangeSeconds,
		res.Stats.Scanned,
		res.Stats.Accepted,
		res.Stats.ParseFailed,
		res.Stats.DVHAttached,
		res.Elapsed.Milliseconds(),
	}, nil
}

func rowArgs(runID string, position int, row plancheck.ResultRow) ([]interface{}, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode row %s: %w", row.RequestCID, err)
	}
	return []interface{}{
		runID,
		position,
		row.PatientID,
		row.RequestCID,
		row.MachineName,
		row.PlanName,
		row.Timestamp,
		row.GammaPassRate,
		row.StructureName,
		data,
	}, nil
}
