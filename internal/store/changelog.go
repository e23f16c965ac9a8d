package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandsec/strand/internal/model"
)

// AppendChangeLogs bulk-inserts decoded row changes. Rows whose LSN is
// already recorded are skipped so replays after a reconnect are harmless.
// Returns the number of rows actually written.
func (s *Store) AppendChangeLogs(ctx context.Context, logs []model.ChangeLog) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}

	b := s.sb.Insert("change_logs").
		Columns("lsn", "account_id", `"table"`, "op", "old_data", "data", "vsn", "inserted_at")
	for _, cl := range logs {
		oldData, err := jsonOrNil(cl.OldData)
		if err != nil {
			return 0, fmt.Errorf("encode old_data for lsn %d: %w", cl.LSN, err)
		}
		data, err := jsonOrNil(cl.Data)
		if err != nil {
			return 0, fmt.Errorf("encode data for lsn %d: %w", cl.LSN, err)
		}
		inserted := cl.InsertedAt
		if inserted.IsZero() {
			inserted = time.Now().UTC()
		}
		b = b.Values(int64(cl.LSN), cl.AccountID, cl.Table, cl.Op, oldData, data, cl.Vsn, inserted)
	}
	b = b.Suffix("ON CONFLICT (lsn) DO NOTHING")

	sql, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build changelog insert: %w", err)
	}
	tag, err := s.primary.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("insert change logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TruncateChangeLogs deletes change-log rows for one account older than
// cutoff. Other accounts are never touched.
func (s *Store) TruncateChangeLogs(ctx context.Context, accountID model.ID, cutoff time.Time) (int64, error) {
	sql, args, err := s.sb.Delete("change_logs").
		Where("account_id = ?", accountID).
		Where("inserted_at < ?", cutoff).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build changelog truncate: %w", err)
	}
	tag, err := s.primary.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("truncate change logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ChangeLogAccounts lists the accounts that currently have change-log rows,
// feeding the per-account retention sweep.
func (s *Store) ChangeLogAccounts(ctx context.Context) ([]model.ID, error) {
	sql, args, err := s.sb.Select("DISTINCT account_id").From("change_logs").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build changelog accounts query: %w", err)
	}
	rows, err := s.primary.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query changelog accounts: %w", err)
	}
	defer rows.Close()

	var ids []model.ID
	for rows.Next() {
		var id model.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func jsonOrNil(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
