package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"ladder/internal/domain"
)

const apiKeyColumns = `id, agent_id, COALESCE(name,''), key_hash, created_at`

// HashAPIKey returns the SHA-256 hex digest stored in place of a key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a key bound to an agent. KeyHash must already be hashed.
func (r Repo) InsertAPIKey(ctx context.Context, q Querier, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("api key id required")
	case key.AgentID == "":
		return errors.New("api key agent required")
	case key.KeyHash == "":
		return errors.New("api key hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = domain.FormatTime(time.Now())
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO api_keys(id, agent_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.AgentID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func scanAPIKey(s interface{ Scan(...any) error }) (domain.APIKey, error) {
	var key domain.APIKey
	err := s.Scan(&key.ID, &key.AgentID, &key.Name, &key.KeyHash, &key.CreatedAt)
	return key, err
}

// GetAPIKeyByHash finds the key whose digest is hash.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns keys newest first, all agents when agentID is empty.
func (r Repo) ListAPIKeys(ctx context.Context, q Querier, agentID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	rows, err := r.q(q).QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key. agentID, when set, must own it.
func (r Repo) DeleteAPIKey(ctx context.Context, q Querier, id, agentID string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("api key id required")
	}
	query, args := `DELETE FROM api_keys WHERE id=?`, []any{id}
	if agentID != "" {
		query += ` AND agent_id=?`
		args = append(args, agentID)
	}
	res, err := r.q(q).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Kind: "api key", ID: id}
	}
	return nil
}
