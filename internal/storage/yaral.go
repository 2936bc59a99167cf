package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// YARA-L rule sources.
const (
	SourceConverter  = "pySigma"
	SourceManualEdit = "Manual Edit"
)

// Deployment states.
const (
	DeploymentPending  = "pending"
	DeploymentLive     = "live"
	DeploymentDisabled = "disabled"
	DeploymentError    = "error"
)

// YaraLRule is the converted form of a Sigma rule.
type YaraLRule struct {
	ID               int64     `json:"id"`
	SigmaRuleID      int64     `json:"sigma_rule_id"`
	SigmaTitle       string    `json:"sigma_title"`
	ConvertedContent string    `json:"converted_content"`
	Source           string    `json:"source"`
	CreatedAt        time.Time `json:"created_at"`
}

// Deployment records pushing a YARA-L rule to a tenant.
type Deployment struct {
	ID              int64      `json:"id"`
	YaraLRuleID     int64      `json:"yaral_rule_id"`
	TenantID        int64      `json:"tenant_id"`
	Status          string     `json:"status"`
	ChronicleRuleID string     `json:"chronicle_rule_id"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	DetectionCount  int        `json:"detection_count"`
	DeployedAt      *time.Time `json:"deployed_at"`
	LastPerfCheck   *time.Time `json:"last_perf_check"`
}

// UpsertYaraLRule stores the converted content for a Sigma rule.
func (d *DB) UpsertYaraLRule(ctx context.Context, sigmaRuleID int64, content, source string) (*YaraLRule, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO yaral_rules (sigma_rule_id, converted_content, source) VALUES (?, ?, ?)
		ON CONFLICT (sigma_rule_id) DO UPDATE SET
			converted_content = excluded.converted_content,
			source = excluded.source
		RETURNING id`, sigmaRuleID, content, source).Scan(&id)
	if err != nil {
		return nil, wrapQueryError("UpsertYaraLRule", "yaral_rules", err)
	}
	return d.GetYaraLRule(ctx, id)
}

const yaralColumns = `y.id, y.sigma_rule_id, r.title, y.converted_content, y.source, y.created_at`

func scanYaraL(row interface{ Scan(...any) error }) (*YaraLRule, error) {
	var y YaraLRule
	var created string
	if err := row.Scan(&y.ID, &y.SigmaRuleID, &y.SigmaTitle, &y.ConvertedContent, &y.Source, &created); err != nil {
		return nil, err
	}
	if t := parseTime(sql.NullString{String: created, Valid: true}); t != nil {
		y.CreatedAt = *t
	}
	return &y, nil
}

// GetYaraLRule returns a converted rule by id.
func (d *DB) GetYaraLRule(ctx context.Context, id int64) (*YaraLRule, error) {
	y, err := scanYaraL(d.db.QueryRowContext(ctx, `
		SELECT `+yaralColumns+` FROM yaral_rules y JOIN sigma_rules r ON r.id = y.sigma_rule_id
		WHERE y.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetYaraLRule", "yaral_rules", id)
	}
	if err != nil {
		return nil, wrapQueryError("GetYaraLRule", "yaral_rules", err)
	}
	return y, nil
}

// ListYaraLRules returns converted rules, optionally filtered on the Sigma title.
func (d *DB) ListYaraLRules(ctx context.Context, search string) ([]YaraLRule, error) {
	query := `SELECT ` + yaralColumns + ` FROM yaral_rules y JOIN sigma_rules r ON r.id = y.sigma_rule_id`
	var args []any
	if search != "" {
		query += ` WHERE lower(r.title) LIKE ?`
		args = append(args, "%"+strings.ToLower(search)+"%")
	}
	query += ` ORDER BY y.id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryError("ListYaraLRules", "yaral_rules", err)
	}
	defer rows.Close()

	rules := []YaraLRule{}
	for rows.Next() {
		y, err := scanYaraL(rows)
		if err != nil {
			return nil, wrapQueryError("ListYaraLRules", "yaral_rules", err)
		}
		rules = append(rules, *y)
	}
	return rules, rows.Err()
}

// UpdateYaraLContent replaces a rule's content and marks it as hand edited.
func (d *DB) UpdateYaraLContent(ctx context.Context, id int64, content string) (*YaraLRule, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE yaral_rules SET converted_content = ?, source = ? WHERE id = ?`, content, SourceManualEdit, id)
	if err != nil {
		return nil, wrapQueryError("UpdateYaraLContent", "yaral_rules", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound("UpdateYaraLContent", "yaral_rules", id)
	}
	return d.GetYaraLRule(ctx, id)
}

const deploymentColumns = `id, yaral_rule_id, tenant_id, status, chronicle_rule_id, error_message,
	detection_count, deployed_at, last_perf_check`

func scanDeployment(row interface{ Scan(...any) error }) (*Deployment, error) {
	var dep Deployment
	var deployed, perf sql.NullString
	if err := row.Scan(&dep.ID, &dep.YaraLRuleID, &dep.TenantID, &dep.Status, &dep.ChronicleRuleID,
		&dep.ErrorMessage, &dep.DetectionCount, &deployed, &perf); err != nil {
		return nil, err
	}
	dep.DeployedAt = parseTime(deployed)
	dep.LastPerfCheck = parseTime(perf)
	return &dep, nil
}

// CreateDeployment inserts a pending deployment.
func (d *DB) CreateDeployment(ctx context.Context, yaralRuleID, tenantID int64) (*Deployment, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO deployments (yaral_rule_id, tenant_id, status) VALUES (?, ?, ?)`,
		yaralRuleID, tenantID, DeploymentPending)
	if err != nil {
		return nil, wrapQueryError("CreateDeployment", "deployments", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrapQueryError("CreateDeployment", "deployments", err)
	}
	return d.GetDeployment(ctx, id)
}

// GetDeployment returns a deployment by id.
func (d *DB) GetDeployment(ctx context.Context, id int64) (*Deployment, error) {
	dep, err := scanDeployment(d.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetDeployment", "deployments", id)
	}
	if err != nil {
		return nil, wrapQueryError("GetDeployment", "deployments", err)
	}
	return dep, nil
}

// ListDeployments returns deployments, optionally for one tenant.
func (d *DB) ListDeployments(ctx context.Context, tenantID int64) ([]Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	var args []any
	if tenantID > 0 {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryError("ListDeployments", "deployments", err)
	}
	defer rows.Close()

	deps := []Deployment{}
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, wrapQueryError("ListDeployments", "deployments", err)
		}
		deps = append(deps, *dep)
	}
	return deps, rows.Err()
}

// MarkDeploymentLive records a successful deployment.
func (d *DB) MarkDeploymentLive(ctx context.Context, id int64, chronicleRuleID string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE deployments SET status = ?, chronicle_rule_id = ?, error_message = '', deployed_at = ?
		WHERE id = ?`, DeploymentLive, chronicleRuleID, formatTime(&at), id)
	if err != nil {
		return wrapQueryError("MarkDeploymentLive", "deployments", err)
	}
	return nil
}

// MarkDeploymentFailed records a failed deployment.
func (d *DB) MarkDeploymentFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, error_message = ? WHERE id = ?`, DeploymentError, errMsg, id)
	if err != nil {
		return wrapQueryError("MarkDeploymentFailed", "deployments", err)
	}
	return nil
}
