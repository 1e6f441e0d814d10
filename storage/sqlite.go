package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"authlink/idp"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite/schema.sql
var sqliteSchema string

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	separator := "?"
	if strings.Contains(dbPath, "?") {
		separator = "&"
	}

	db, err := sql.Open("sqlite", dbPath+separator+"_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	_, err := r.db.Exec(sqliteSchema)
	return err
}

func (r *SQLiteRepository) FindByID(ctx context.Context, id uuid.UUID) (*idp.User, error) {
	userQuery := `
		SELECT id, email, anonymous, display_name, photo_url, phone_number,
		       created_at, updated_at, last_sign_in_at
		FROM users
		WHERE id = ?
	`

	var user idp.User
	var idStr string
	var createdAt, updatedAt, lastSignInAt int64

	err := r.db.QueryRowContext(ctx, userQuery, id.String()).Scan(
		&idStr,
		&user.Email,
		&user.Anonymous,
		&user.DisplayName,
		&user.PhotoURL,
		&user.PhoneNumber,
		&createdAt,
		&updatedAt,
		&lastSignInAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, idp.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	user.ID = uuid.MustParse(idStr)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	user.LastSignInAt = time.Unix(lastSignInAt, 0)

	providersQuery := `
		SELECT provider_id, subject, email
		FROM user_providers
		WHERE user_id = ?
		ORDER BY linked_at, provider_id
	`

	rows, err := r.db.QueryContext(ctx, providersQuery, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	user.Providers = []idp.ProviderLink{}
	for rows.Next() {
		var link idp.ProviderLink
		if err := rows.Scan(&link.ProviderID, &link.Subject, &link.Email); err != nil {
			return nil, err
		}
		user.Providers = append(user.Providers, link)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return &user, nil
}

func (r *SQLiteRepository) FindByProviderID(ctx context.Context, providerID string, subject string) (*idp.User, error) {
	query := `
		SELECT user_id
		FROM user_providers
		WHERE provider_id = ? AND subject = ?
	`

	var userIDStr string
	err := r.db.QueryRowContext(ctx, query, providerID, subject).Scan(&userIDStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idp.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	userID := uuid.MustParse(userIDStr)
	return r.FindByID(ctx, userID)
}

func (r *SQLiteRepository) CreateUser(ctx context.Context, user *idp.User) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	userQuery := `
		INSERT INTO users (id, email, anonymous, display_name, photo_url, phone_number,
		                   created_at, updated_at, last_sign_in_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, userQuery,
		user.ID.String(),
		user.Email,
		user.Anonymous,
		user.DisplayName,
		user.PhotoURL,
		user.PhoneNumber,
		user.CreatedAt.Unix(),
		user.UpdatedAt.Unix(),
		user.LastSignInAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return idp.ErrAlreadyExists
		}
		return err
	}

	for _, link := range user.Providers {
		if err := insertLink(ctx, tx, user.ID, link, user.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) LinkProvider(ctx context.Context, userID uuid.UUID, link idp.ProviderLink) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE users SET anonymous = 0, updated_at = ? WHERE id = ?`,
		now.Unix(), userID.String(),
	)
	if err != nil {
		return err
	}
	if err := requireRow(result); err != nil {
		return err
	}

	if err := insertLink(ctx, tx, userID, link, now); err != nil {
		return err
	}

	// adopt the provider's email when the account has none
	if link.Email != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET email = ? WHERE id = ? AND email = ''`,
			link.Email, userID.String(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) UpdateProfile(ctx context.Context, userID uuid.UUID, update idp.ProfileUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().Unix()}

	if update.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *update.DisplayName)
	}
	if update.PhotoURL != nil {
		sets = append(sets, "photo_url = ?")
		args = append(args, *update.PhotoURL)
	}
	args = append(args, userID.String())

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	return requireRow(result)
}

func (r *SQLiteRepository) TouchLastSignIn(ctx context.Context, userID uuid.UUID, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_sign_in_at = ? WHERE id = ?`,
		at.Unix(), userID.String(),
	)
	if err != nil {
		return err
	}

	return requireRow(result)
}

func (r *SQLiteRepository) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	// provider links and refresh tokens go with it (ON DELETE CASCADE)
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID.String())
	if err != nil {
		return err
	}

	return requireRow(result)
}

func (r *SQLiteRepository) CreateRefreshToken(ctx context.Context, token *idp.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (token_id, token_key_hash, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		token.TokenID,
		token.TokenKeyHash,
		token.UserID.String(),
		token.CreatedAt.Unix(),
		token.ExpiresAt.Unix(),
	)
	if isUniqueConstraintError(err) {
		return idp.ErrAlreadyExists
	}

	return err
}

func (r *SQLiteRepository) FindRefreshTokenByID(ctx context.Context, tokenID string) (*idp.RefreshToken, error) {
	query := `
		SELECT token_id, token_key_hash, user_id, created_at, expires_at
		FROM refresh_tokens
		WHERE token_id = ?
	`

	var refreshToken idp.RefreshToken
	var userIDStr string
	var createdAt, expiresAt int64

	err := r.db.QueryRowContext(ctx, query, tokenID).Scan(
		&refreshToken.TokenID,
		&refreshToken.TokenKeyHash,
		&userIDStr,
		&createdAt,
		&expiresAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, idp.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	refreshToken.UserID = uuid.MustParse(userIDStr)
	refreshToken.CreatedAt = time.Unix(createdAt, 0)
	refreshToken.ExpiresAt = time.Unix(expiresAt, 0)

	return &refreshToken, nil
}

func (r *SQLiteRepository) DeleteRefreshTokenByID(ctx context.Context, tokenID string) error {
	query := `DELETE FROM refresh_tokens WHERE token_id = ?`
	_, err := r.db.ExecContext(ctx, query, tokenID)
	return err
}

func (r *SQLiteRepository) DeleteAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	query := `DELETE FROM refresh_tokens WHERE user_id = ?`
	_, err := r.db.ExecContext(ctx, query, userID.String())
	return err
}

func (r *SQLiteRepository) DeleteExpiredRefreshTokens(ctx context.Context) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at < ?`
	result, err := r.db.ExecContext(ctx, query, time.Now().Unix())
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return count, nil
}

func insertLink(ctx context.Context, tx *sql.Tx, userID uuid.UUID, link idp.ProviderLink, linkedAt time.Time) error {
	query := `
		INSERT INTO user_providers (user_id, provider_id, subject, email, linked_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		userID.String(),
		link.ProviderID,
		link.Subject,
		link.Email,
		linkedAt.Unix(),
	)
	if isUniqueConstraintError(err) {
		return idp.ErrAlreadyExists
	}
	return err
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return idp.ErrNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "UNIQUE") ||
		strings.Contains(errMsg, "unique")
}
