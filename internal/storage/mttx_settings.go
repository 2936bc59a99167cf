package storage

import (
	"context"
	"database/sql"
	"errors"
)

// CaseStage is a SOAR case stage definition fetched for a tenant.
type CaseStage struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	SOARID   int64  `json:"soar_id"`
	TenantID int64  `json:"tenant_id"`
}

// CaseStatus is an entry of the fixed case status catalogue.
type CaseStatus struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// MTTxConfig overrides the milestone rule of one metric for a tenant.
type MTTxConfig struct {
	ID          int64  `json:"id"`
	MetricType  string `json:"metric_type"`
	ConfigKey   string `json:"config_key" validate:"required"`
	ConfigValue string `json:"config_value" validate:"required"`
	TenantID    int64  `json:"tenant_id"`
}

// QueryConfig is a named dashboard query for a tenant.
type QueryConfig struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	QueryText string `json:"query_text" validate:"required"`
	TenantID  int64  `json:"tenant_id"`
}

// ReplaceCaseStages swaps a tenant's stored stages for the given set.
func (d *DB) ReplaceCaseStages(ctx context.Context, tenantID int64, stages []CaseStage) ([]CaseStage, error) {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM case_stages WHERE tenant_id = ?`, tenantID); err != nil {
			return err
		}
		for i := range stages {
			stages[i].TenantID = tenantID
			res, err := tx.ExecContext(ctx,
				`INSERT INTO case_stages (name, soar_id, tenant_id) VALUES (?, ?, ?)`,
				stages[i].Name, stages[i].SOARID, tenantID)
			if err != nil {
				return err
			}
			if stages[i].ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapQueryError("ReplaceCaseStages", "case_stages", err)
	}
	return stages, nil
}

// ListCaseStages returns a tenant's stages.
func (d *DB) ListCaseStages(ctx context.Context, tenantID int64) ([]CaseStage, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, soar_id, tenant_id FROM case_stages WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, wrapQueryError("ListCaseStages", "case_stages", err)
	}
	defer rows.Close()

	stages := []CaseStage{}
	for rows.Next() {
		var s CaseStage
		if err := rows.Scan(&s.ID, &s.Name, &s.SOARID, &s.TenantID); err != nil {
			return nil, wrapQueryError("ListCaseStages", "case_stages", err)
		}
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

// SeedCaseStatuses inserts any missing catalogue entries.
func (d *DB) SeedCaseStatuses(ctx context.Context, statuses []CaseStatus) error {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range statuses {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO case_statuses (id, name) VALUES (?, ?)`, s.ID, s.Name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapQueryError("SeedCaseStatuses", "case_statuses", err)
	}
	return nil
}

// ListCaseStatuses returns the status catalogue.
func (d *DB) ListCaseStatuses(ctx context.Context) ([]CaseStatus, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name FROM case_statuses ORDER BY id`)
	if err != nil {
		return nil, wrapQueryError("ListCaseStatuses", "case_statuses", err)
	}
	defer rows.Close()

	statuses := []CaseStatus{}
	for rows.Next() {
		var s CaseStatus
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, wrapQueryError("ListCaseStatuses", "case_statuses", err)
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

// ListMTTxConfigs returns a tenant's metric configs.
func (d *DB) ListMTTxConfigs(ctx context.Context, tenantID int64) ([]MTTxConfig, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, metric_type, config_key, config_value, tenant_id
		FROM mttx_configs WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, wrapQueryError("ListMTTxConfigs", "mttx_configs", err)
	}
	defer rows.Close()

	configs := []MTTxConfig{}
	for rows.Next() {
		var c MTTxConfig
		if err := rows.Scan(&c.ID, &c.MetricType, &c.ConfigKey, &c.ConfigValue, &c.TenantID); err != nil {
			return nil, wrapQueryError("ListMTTxConfigs", "mttx_configs", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// EnsureMTTxConfigs seeds defaults when a tenant has no configs and returns
// the stored set.
func (d *DB) EnsureMTTxConfigs(ctx context.Context, tenantID int64, defaults []MTTxConfig) ([]MTTxConfig, error) {
	configs, err := d.ListMTTxConfigs(ctx, tenantID)
	if err != nil || len(configs) > 0 {
		return configs, err
	}
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range defaults {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO mttx_configs (metric_type, config_key, config_value, tenant_id)
				VALUES (?, ?, ?, ?)`, c.MetricType, c.ConfigKey, c.ConfigValue, tenantID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapQueryError("EnsureMTTxConfigs", "mttx_configs", err)
	}
	return d.ListMTTxConfigs(ctx, tenantID)
}

// UpdateMTTxConfig changes the key and value of a config row.
func (d *DB) UpdateMTTxConfig(ctx context.Context, id int64, key, value string) (*MTTxConfig, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE mttx_configs SET config_key = ?, config_value = ? WHERE id = ?`, key, value, id)
	if err != nil {
		return nil, wrapQueryError("UpdateMTTxConfig", "mttx_configs", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound("UpdateMTTxConfig", "mttx_configs", id)
	}

	var c MTTxConfig
	err = d.db.QueryRowContext(ctx, `
		SELECT id, metric_type, config_key, config_value, tenant_id FROM mttx_configs WHERE id = ?`, id).
		Scan(&c.ID, &c.MetricType, &c.ConfigKey, &c.ConfigValue, &c.TenantID)
	if err != nil {
		return nil, wrapQueryError("UpdateMTTxConfig", "mttx_configs", err)
	}
	return &c, nil
}

// ListQueryConfigs returns a tenant's dashboard queries.
func (d *DB) ListQueryConfigs(ctx context.Context, tenantID int64) ([]QueryConfig, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, query_text, tenant_id FROM query_configs WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, wrapQueryError("ListQueryConfigs", "query_configs", err)
	}
	defer rows.Close()

	queries := []QueryConfig{}
	for rows.Next() {
		var q QueryConfig
		if err := rows.Scan(&q.ID, &q.Name, &q.QueryText, &q.TenantID); err != nil {
			return nil, wrapQueryError("ListQueryConfigs", "query_configs", err)
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// EnsureQueryConfigs inserts any default query whose name the tenant lacks
// and returns the stored set.
func (d *DB) EnsureQueryConfigs(ctx context.Context, tenantID int64, defaults []QueryConfig) ([]QueryConfig, error) {
	queries, err := d.ListQueryConfigs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(queries))
	for _, q := range queries {
		have[q.Name] = true
	}

	var missing []QueryConfig
	for _, q := range defaults {
		if !have[q.Name] {
			missing = append(missing, q)
		}
	}
	if len(missing) == 0 {
		return queries, nil
	}

	err = d.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range missing {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO query_configs (name, query_text, tenant_id) VALUES (?, ?, ?)`,
				q.Name, q.QueryText, tenantID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapQueryError("EnsureQueryConfigs", "query_configs", err)
	}
	return d.ListQueryConfigs(ctx, tenantID)
}

// UpdateQueryConfig replaces the text of a query.
func (d *DB) UpdateQueryConfig(ctx context.Context, id int64, text string) (*QueryConfig, error) {
	res, err := d.db.ExecContext(ctx, `UPDATE query_configs SET query_text = ? WHERE id = ?`, text, id)
	if err != nil {
		return nil, wrapQueryError("UpdateQueryConfig", "query_configs", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound("UpdateQueryConfig", "query_configs", id)
	}

	var q QueryConfig
	err = d.db.QueryRowContext(ctx,
		`SELECT id, name, query_text, tenant_id FROM query_configs WHERE id = ?`, id).
		Scan(&q.ID, &q.Name, &q.QueryText, &q.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("UpdateQueryConfig", "query_configs", id)
	}
	if err != nil {
		return nil, wrapQueryError("UpdateQueryConfig", "query_configs", err)
	}
	return &q, nil
}
