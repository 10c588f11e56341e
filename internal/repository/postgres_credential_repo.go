package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/glassware/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した認可情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Upsert は認可情報とプロフィールスナップショットを保存する。
// 同一ユーザーIDのレコードが存在する場合は全列を上書きする。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, cred *model.Credential, profile *model.Profile) error {
	var (
		email, givenName, familyName, name, picture, timezone sql.NullString
		verified                                              sql.NullBool
	)
	if profile != nil {
		email = nullString(profile.Email)
		givenName = nullString(profile.GivenName)
		familyName = nullString(profile.FamilyName)
		name = nullString(profile.Name)
		picture = nullString(profile.Picture)
		timezone = nullString(profile.Timezone)
		if profile.VerifiedEmail != nil {
			verified = sql.NullBool{Bool: *profile.VerifiedEmail, Valid: true}
		}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (
			user_id, access_token, refresh_token, expiration_time_millis,
			user_email, user_given_name, user_family_name, user_name,
			user_picture, user_timezone, user_verified_email, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		 ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expiration_time_millis = EXCLUDED.expiration_time_millis,
			user_email = EXCLUDED.user_email,
			user_given_name = EXCLUDED.user_given_name,
			user_family_name = EXCLUDED.user_family_name,
			user_name = EXCLUDED.user_name,
			user_picture = EXCLUDED.user_picture,
			user_timezone = EXCLUDED.user_timezone,
			user_verified_email = EXCLUDED.user_verified_email,
			updated_at = now()`,
		cred.UserID, cred.AccessToken, nullString(cred.RefreshToken), cred.ExpirationTimeMillis,
		email, givenName, familyName, name, picture, timezone, verified,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// FindByUserID は指定ユーザーの認可情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByUserID(ctx context.Context, userID string) (*model.Credential, error) {
	cred := &model.Credential{}
	var refreshToken sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, refresh_token, expiration_time_millis
		 FROM credentials WHERE user_id = $1`,
		userID,
	).Scan(&cred.UserID, &cred.AccessToken, &refreshToken, &cred.ExpirationTimeMillis)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	cred.RefreshToken = refreshToken.String

	return cred, nil
}

// FindProfileByUserID は保存済みプロフィールを取得する。
func (r *PostgresCredentialRepo) FindProfileByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	var (
		email, givenName, familyName, name, picture, timezone sql.NullString
		verified                                              sql.NullBool
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT user_email, user_given_name, user_family_name, user_name,
		        user_picture, user_timezone, user_verified_email
		 FROM credentials WHERE user_id = $1`,
		userID,
	).Scan(&email, &givenName, &familyName, &name, &picture, &timezone, &verified)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}

	profile := &model.Profile{
		Email:      email.String,
		GivenName:  givenName.String,
		FamilyName: familyName.String,
		Name:       name.String,
		Picture:    picture.String,
		Timezone:   timezone.String,
	}
	if verified.Valid {
		v := verified.Bool
		profile.VerifiedEmail = &v
	}
	return profile, nil
}

// DeleteByUserID は指定ユーザーの認可情報を削除する。
// 対象が存在しなくてもエラーにしない。
func (r *PostgresCredentialRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// ListUserIDs は認可情報を持つ全ユーザーIDを返す。
func (r *PostgresCredentialRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credential users: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credential users: %w", err)
	}
	return userIDs, nil
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
