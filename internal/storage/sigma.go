package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Conversion states of a Sigma rule.
const (
	ConversionPending = "pending"
	ConversionSuccess = "success"
	ConversionFailed  = "failed"
)

// SigmaLibrary is a git repository (or local directory) of Sigma rules.
type SigmaLibrary struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name" validate:"required,max=200"`
	SourcePath   string     `json:"source_path" validate:"required"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

// SigmaRule is a rule file read from a library.
type SigmaRule struct {
	ID                int64    `json:"id"`
	LibraryID         int64    `json:"library_id"`
	FilePath          string   `json:"file_path"`
	RawContent        string   `json:"raw_content,omitempty"`
	Title             string   `json:"title"`
	SigmaID           string   `json:"sigma_id"`
	Status            string   `json:"status"`
	Description       string   `json:"description"`
	Author            string   `json:"author"`
	Date              string   `json:"date"`
	Modified          string   `json:"modified"`
	Level             string   `json:"level"`
	LogsourceProduct  string   `json:"logsource_product"`
	LogsourceCategory string   `json:"logsource_category"`
	LogsourceService  string   `json:"logsource_service"`
	ConversionStatus  string   `json:"conversion_status"`
	ConversionError   string   `json:"conversion_error"`
	Tags              []string `json:"tags"`
}

// RuleFilter narrows ListSigmaRules. Zero values are ignored.
type RuleFilter struct {
	LibraryID int64
	Status    string
	Level     string
	Search    string
	Tag       string
	RuleIDs   []int64
}

// CreateLibrary inserts a library.
func (d *DB) CreateLibrary(ctx context.Context, lib *SigmaLibrary) (*SigmaLibrary, error) {
	lib.Name = strings.TrimSpace(lib.Name)
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO sigma_libraries (name, source_path) VALUES (?, ?)`, lib.Name, lib.SourcePath)
	if err != nil {
		return nil, wrapQueryError("CreateLibrary", "sigma_libraries", err)
	}
	if lib.ID, err = res.LastInsertId(); err != nil {
		return nil, wrapQueryError("CreateLibrary", "sigma_libraries", err)
	}
	return lib, nil
}

func scanLibrary(row interface{ Scan(...any) error }) (*SigmaLibrary, error) {
	var lib SigmaLibrary
	var synced sql.NullString
	if err := row.Scan(&lib.ID, &lib.Name, &lib.SourcePath, &synced); err != nil {
		return nil, err
	}
	lib.LastSyncedAt = parseTime(synced)
	return &lib, nil
}

// GetLibrary returns a library by id.
func (d *DB) GetLibrary(ctx context.Context, id int64) (*SigmaLibrary, error) {
	lib, err := scanLibrary(d.db.QueryRowContext(ctx,
		`SELECT id, name, source_path, last_synced_at FROM sigma_libraries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetLibrary", "sigma_libraries", id)
	}
	if err != nil {
		return nil, wrapQueryError("GetLibrary", "sigma_libraries", err)
	}
	return lib, nil
}

// ListLibraries returns all libraries.
func (d *DB) ListLibraries(ctx context.Context) ([]SigmaLibrary, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, source_path, last_synced_at FROM sigma_libraries ORDER BY id`)
	if err != nil {
		return nil, wrapQueryError("ListLibraries", "sigma_libraries", err)
	}
	defer rows.Close()

	libs := []SigmaLibrary{}
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, wrapQueryError("ListLibraries", "sigma_libraries", err)
		}
		libs = append(libs, *lib)
	}
	return libs, rows.Err()
}

// MarkLibrarySynced stamps the library's last sync time.
func (d *DB) MarkLibrarySynced(ctx context.Context, id int64, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sigma_libraries SET last_synced_at = ? WHERE id = ?`, formatTime(&at), id)
	if err != nil {
		return wrapQueryError("MarkLibrarySynced", "sigma_libraries", err)
	}
	return nil
}

// UpsertSigmaRule inserts or refreshes a rule keyed by (library, file path),
// resetting its conversion state and replacing its tags.
func (d *DB) UpsertSigmaRule(ctx context.Context, r *SigmaRule) (*SigmaRule, error) {
	r.ConversionStatus = ConversionPending
	r.ConversionError = ""

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO sigma_rules (library_id, file_path, raw_content, title, sigma_id, status,
				description, author, date, modified, level,
				logsource_product, logsource_category, logsource_service,
				conversion_status, conversion_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')
			ON CONFLICT (library_id, file_path) DO UPDATE SET
				raw_content = excluded.raw_content,
				title = excluded.title,
				sigma_id = excluded.sigma_id,
				status = excluded.status,
				description = excluded.description,
				author = excluded.author,
				date = excluded.date,
				modified = excluded.modified,
				level = excluded.level,
				logsource_product = excluded.logsource_product,
				logsource_category = excluded.logsource_category,
				logsource_service = excluded.logsource_service,
				conversion_status = excluded.conversion_status,
				conversion_error = ''
			RETURNING id`,
			r.LibraryID, r.FilePath, r.RawContent, r.Title, r.SigmaID, r.Status,
			r.Description, r.Author, r.Date, r.Modified, r.Level,
			r.LogsourceProduct, r.LogsourceCategory, r.LogsourceService,
			r.ConversionStatus).Scan(&r.ID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sigma_rule_tags WHERE sigma_rule_id = ?`, r.ID); err != nil {
			return err
		}
		for _, name := range r.Tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO sigma_rule_tags (sigma_rule_id, tag_id)
				SELECT ?, id FROM tags WHERE name = ?`, r.ID, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapQueryError("UpsertSigmaRule", "sigma_rules", err)
	}
	return r, nil
}

const sigmaRuleColumns = `r.id, r.library_id, r.file_path, r.raw_content, r.title, r.sigma_id, r.status,
	r.description, r.author, r.date, r.modified, r.level,
	r.logsource_product, r.logsource_category, r.logsource_service,
	r.conversion_status, r.conversion_error`

func scanSigmaRule(row interface{ Scan(...any) error }) (*SigmaRule, error) {
	var r SigmaRule
	if err := row.Scan(&r.ID, &r.LibraryID, &r.FilePath, &r.RawContent, &r.Title, &r.SigmaID, &r.Status,
		&r.Description, &r.Author, &r.Date, &r.Modified, &r.Level,
		&r.LogsourceProduct, &r.LogsourceCategory, &r.LogsourceService,
		&r.ConversionStatus, &r.ConversionError); err != nil {
		return nil, err
	}
	r.Tags = []string{}
	return &r, nil
}

// GetSigmaRule returns a rule with its tags.
func (d *DB) GetSigmaRule(ctx context.Context, id int64) (*SigmaRule, error) {
	r, err := scanSigmaRule(d.db.QueryRowContext(ctx,
		`SELECT `+sigmaRuleColumns+` FROM sigma_rules r WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetSigmaRule", "sigma_rules", id)
	}
	if err != nil {
		return nil, wrapQueryError("GetSigmaRule", "sigma_rules", err)
	}
	if r.Tags, err = d.ruleTags(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

// ListSigmaRules returns rules matching the filter, without raw content.
func (d *DB) ListSigmaRules(ctx context.Context, f RuleFilter) ([]SigmaRule, error) {
	var where []string
	var args []any

	if f.LibraryID > 0 {
		where = append(where, "r.library_id = ?")
		args = append(args, f.LibraryID)
	}
	if f.Status != "" {
		where = append(where, "r.conversion_status = ?")
		args = append(args, f.Status)
	}
	if f.Level != "" {
		where = append(where, "lower(r.level) = ?")
		args = append(args, strings.ToLower(f.Level))
	}
	if f.Tag != "" {
		where = append(where, `EXISTS (SELECT 1 FROM sigma_rule_tags rt JOIN tags t ON t.id = rt.tag_id
			WHERE rt.sigma_rule_id = r.id AND lower(t.name) = ?)`)
		args = append(args, strings.ToLower(f.Tag))
	}
	if f.Search != "" {
		term := "%" + strings.ToLower(f.Search) + "%"
		where = append(where, `(lower(r.title) LIKE ? OR lower(r.description) LIKE ?
			OR lower(r.author) LIKE ? OR lower(r.file_path) LIKE ?)`)
		args = append(args, term, term, term, term)
	}
	if len(f.RuleIDs) > 0 {
		where = append(where, "r.id IN ("+placeholders(len(f.RuleIDs))+")")
		for _, id := range f.RuleIDs {
			args = append(args, id)
		}
	}

	query := `SELECT ` + sigmaRuleColumns + ` FROM sigma_rules r`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryError("ListSigmaRules", "sigma_rules", err)
	}
	rules := []SigmaRule{}
	for rows.Next() {
		r, err := scanSigmaRule(rows)
		if err != nil {
			rows.Close()
			return nil, wrapQueryError("ListSigmaRules", "sigma_rules", err)
		}
		r.RawContent = ""
		rules = append(rules, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapQueryError("ListSigmaRules", "sigma_rules", err)
	}

	for i := range rules {
		if rules[i].Tags, err = d.ruleTags(ctx, rules[i].ID); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// CountSigmaRules returns how many of the given ids exist.
func (d *DB) CountSigmaRules(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sigma_rules WHERE id IN (`+placeholders(len(ids))+`)`, args...).Scan(&n)
	if err != nil {
		return 0, wrapQueryError("CountSigmaRules", "sigma_rules", err)
	}
	return n, nil
}

// SetConversionResult records the outcome of converting a rule.
func (d *DB) SetConversionResult(ctx context.Context, id int64, status, errMsg string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sigma_rules SET conversion_status = ?, conversion_error = ? WHERE id = ?`, status, errMsg, id)
	if err != nil {
		return wrapQueryError("SetConversionResult", "sigma_rules", err)
	}
	return nil
}

func (d *DB) ruleTags(ctx context.Context, ruleID int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT t.name FROM tags t JOIN sigma_rule_tags rt ON rt.tag_id = t.id
		WHERE rt.sigma_rule_id = ? ORDER BY t.name`, ruleID)
	if err != nil {
		return nil, wrapQueryError("ruleTags", "tags", err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapQueryError("ruleTags", "tags", err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
