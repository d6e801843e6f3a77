// Package store persists workflow apps and agents and resolves them for the
// proxy. Both SQLite and PostgreSQL are supported through database/sql.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
)

//go:embed schema/schema.sql
var schemaSQL string

// Workflow is a stored workflow app: where it runs and how it is authorized.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
	AppToken    string         `json:"app_token"`
	APIPath     string         `json:"api_path"`
	Deleted     bool           `json:"is_deleted"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// ResolvedAPIPath returns api_path, falling back to params.api_path.
func (w Workflow) ResolvedAPIPath() string {
	if p := strings.TrimSpace(w.APIPath); p != "" {
		return p
	}
	if p, ok := w.Params["api_path"].(string); ok {
		return strings.TrimSpace(p)
	}
	return ""
}

// Agent is a user-facing configuration layered over a base workflow.
type Agent struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	BaseAppID   string         `json:"base_app_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
	// AccessControl nil means public read; see HasAccess.
	AccessControl map[string]any `json:"access_control"`
	Deleted       bool           `json:"is_deleted"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// CanRead reports whether userID may run the agent. Owners always can.
func (a Agent) CanRead(userID string) bool {
	if userID != "" && userID == a.UserID {
		return true
	}
	return HasAccess(userID, "read", a.AccessControl)
}

// HasAccess evaluates an access-control document. A nil document grants read
// to everyone and nothing else. Otherwise access[permission].user_ids must
// list userID.
func HasAccess(userID, permission string, accessControl map[string]any) bool {
	if accessControl == nil {
		return permission == "read"
	}
	entry, _ := accessControl[permission].(map[string]any)
	ids, _ := entry["user_ids"].([]any)
	for _, id := range ids {
		if s, ok := id.(string); ok && s != "" && s == userID {
			return true
		}
	}
	return false
}

// Store reads and writes workflow apps and agents.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := openDB(dialect, dsn)
	if err != nil {
		return nil, err
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("store.open", "dialect", string(dialect))
	return s, nil
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ResolveWorkflow loads a live workflow app by id.
func (s *Store) ResolveWorkflow(ctx context.Context, id string) (Workflow, error) {
	var (
		w      Workflow
		params string
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, name, description, params, app_token, api_path, is_deleted, created_at, updated_at
		FROM workflow_app WHERE id = ? AND is_deleted = ?`), id, false).
		Scan(&w.ID, &w.Name, &w.Description, &params, &w.AppToken, &w.APIPath, &w.Deleted, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, apperr.NotFound("workflow", id)
	}
	if err != nil {
		return Workflow{}, fmt.Errorf("query workflow %s: %w", id, err)
	}
	if w.Params, err = decodeObject(params); err != nil {
		return Workflow{}, fmt.Errorf("decode workflow %s params: %w", id, err)
	}
	return w, nil
}

// ResolveAgent loads a live agent by id.
func (s *Store) ResolveAgent(ctx context.Context, id string) (Agent, error) {
	var (
		a      Agent
		params string
		ac     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, user_id, base_app_id, name, description, params, access_control, is_deleted, created_at, updated_at
		FROM agent WHERE id = ? AND is_deleted = ?`), id, false).
		Scan(&a.ID, &a.UserID, &a.BaseAppID, &a.Name, &a.Description, &params, &ac, &a.Deleted, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, apperr.NotFound("agent", id)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("query agent %s: %w", id, err)
	}
	if a.Params, err = decodeObject(params); err != nil {
		return Agent{}, fmt.Errorf("decode agent %s params: %w", id, err)
	}
	if ac.Valid && strings.TrimSpace(ac.String) != "" && ac.String != "null" {
		if a.AccessControl, err = decodeObject(ac.String); err != nil {
			return Agent{}, fmt.Errorf("decode agent %s access control: %w", id, err)
		}
	}
	return a, nil
}

// UpsertWorkflow inserts or replaces a workflow app. CreatedAt is kept on
// update.
func (s *Store) UpsertWorkflow(ctx context.Context, w Workflow) error {
	if strings.TrimSpace(w.ID) == "" {
		return apperr.New(apperr.CodeValidation, "workflow id is required")
	}
	params, err := encodeObject(w.Params)
	if err != nil {
		return fmt.Errorf("encode workflow %s params: %w", w.ID, err)
	}
	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO workflow_app (id, name, description, params, app_token, api_path, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			params = excluded.params,
			app_token = excluded.app_token,
			api_path = excluded.api_path,
			is_deleted = excluded.is_deleted,
			updated_at = excluded.updated_at`),
		w.ID, w.Name, w.Description, params, w.AppToken, w.APIPath, w.Deleted, now, now)
	if err != nil {
		return fmt.Errorf("upsert workflow %s: %w", w.ID, err)
	}
	return nil
}

// UpsertAgent inserts or replaces an agent. CreatedAt is kept on update.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return apperr.New(apperr.CodeValidation, "agent id is required")
	}
	params, err := encodeObject(a.Params)
	if err != nil {
		return fmt.Errorf("encode agent %s params: %w", a.ID, err)
	}
	var ac sql.NullString
	if a.AccessControl != nil {
		data, err := json.Marshal(a.AccessControl)
		if err != nil {
			return fmt.Errorf("encode agent %s access control: %w", a.ID, err)
		}
		ac = sql.NullString{String: string(data), Valid: true}
	}
	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO agent (id, user_id, base_app_id, name, description, params, access_control, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			base_app_id = excluded.base_app_id,
			name = excluded.name,
			description = excluded.description,
			params = excluded.params,
			access_control = excluded.access_control,
			is_deleted = excluded.is_deleted,
			updated_at = excluded.updated_at`),
		a.ID, a.UserID, a.BaseAppID, a.Name, a.Description, params, ac, a.Deleted, now, now)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func decodeObject(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func encodeObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
