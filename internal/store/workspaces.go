package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cronboxhq/cronbox/internal/model"
)

const workspaceCols = `id, name, retention_days, telegram_chat_id, notify_emails,
	webhook_url, webhook_secret, language, is_active, created_at, updated_at`

// GetWorkspace fetches one workspace with its notification settings.
func (s *Store) GetWorkspace(ctx context.Context, id uuid.UUID) (*model.Workspace, error) {
	var w model.Workspace
	err := s.db.GetContext(ctx, &w,
		`SELECT `+workspaceCols+` FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "get workspace")
	}
	return &w, nil
}

// ListActiveWorkspaces returns all active workspaces, used by the execution
// GC loop to apply per-workspace retention.
func (s *Store) ListActiveWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	var out []model.Workspace
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+workspaceCols+` FROM workspaces WHERE is_active ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active workspaces: %w", err)
	}
	return out, nil
}
