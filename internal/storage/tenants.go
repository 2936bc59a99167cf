package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Tenant is a Chronicle instance with its optional SOAR endpoint.
type Tenant struct {
	ID           int64  `json:"id"`
	Name         string `json:"name" validate:"required,max=200"`
	GUID         string `json:"guid" validate:"required"`
	Region       string `json:"region" validate:"required"`
	GCPProjectID string `json:"gcp_project_id" validate:"required"`
	BaseURL      string `json:"base_url" validate:"omitempty,url"`
	SOARURL      string `json:"soar_url" validate:"omitempty,url"`
	SOARAPIKey   string `json:"soar_api_key,omitempty"`
	IsDefault    bool   `json:"is_default"`
}

// Normalize trims URL fields and strips a trailing slash.
func (t *Tenant) Normalize() {
	t.Name = strings.TrimSpace(t.Name)
	t.GUID = strings.TrimSpace(t.GUID)
	t.Region = strings.TrimSpace(t.Region)
	t.GCPProjectID = strings.TrimSpace(t.GCPProjectID)
	t.BaseURL = cleanURL(t.BaseURL)
	t.SOARURL = cleanURL(t.SOARURL)
}

func cleanURL(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}

const tenantColumns = `id, name, guid, region, gcp_project_id, base_url, soar_url, soar_api_key, is_default`

func scanTenant(row interface{ Scan(...any) error }) (*Tenant, error) {
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.GUID, &t.Region, &t.GCPProjectID,
		&t.BaseURL, &t.SOARURL, &t.SOARAPIKey, &t.IsDefault); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenant inserts a tenant. A default tenant clears the flag on the others.
func (d *DB) CreateTenant(ctx context.Context, t *Tenant) (*Tenant, error) {
	t.Normalize()
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if t.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE tenants SET is_default = 0`); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tenants (name, guid, region, gcp_project_id, base_url, soar_url, soar_api_key, is_default)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Name, t.GUID, t.Region, t.GCPProjectID, t.BaseURL, t.SOARURL, t.SOARAPIKey, boolInt(t.IsDefault))
		if err != nil {
			return err
		}
		t.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, wrapQueryError("CreateTenant", "tenants", err)
	}
	return t, nil
}

// UpdateTenant replaces a tenant's fields.
func (d *DB) UpdateTenant(ctx context.Context, id int64, t *Tenant) (*Tenant, error) {
	t.Normalize()
	t.ID = id
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if t.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE tenants SET is_default = 0 WHERE id != ?`, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tenants SET name = ?, guid = ?, region = ?, gcp_project_id = ?,
				base_url = ?, soar_url = ?, soar_api_key = ?, is_default = ?
			WHERE id = ?`,
			t.Name, t.GUID, t.Region, t.GCPProjectID, t.BaseURL, t.SOARURL, t.SOARAPIKey, boolInt(t.IsDefault), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("UpdateTenant", "tenants", id)
		}
		return nil
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, wrapQueryError("UpdateTenant", "tenants", err)
	}
	return t, nil
}

// GetTenant returns a tenant by id.
func (d *DB) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	t, err := scanTenant(d.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetTenant", "tenants", id)
	}
	if err != nil {
		return nil, wrapQueryError("GetTenant", "tenants", err)
	}
	return t, nil
}

// ListTenants returns all tenants ordered by id.
func (d *DB) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, wrapQueryError("ListTenants", "tenants", err)
	}
	defer rows.Close()

	tenants := []Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, wrapQueryError("ListTenants", "tenants", err)
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// DefaultTenant returns the tenant flagged as default, else the first one.
func (d *DB) DefaultTenant(ctx context.Context) (*Tenant, error) {
	t, err := scanTenant(d.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY is_default DESC, id LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StorageError{Op: "DefaultTenant", Table: "tenants", Err: ErrNotFound}
	}
	if err != nil {
		return nil, wrapQueryError("DefaultTenant", "tenants", err)
	}
	return t, nil
}
