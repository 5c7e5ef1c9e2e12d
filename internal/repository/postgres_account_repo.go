package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したソースアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// FindByUsername は指定名のアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByUsername(ctx context.Context, username string) (*model.SourceAccount, error) {
	a := &model.SourceAccount{}
	err := r.db.QueryRowContext(ctx,
		`SELECT username, marked_as_spammer, marked_as_bot, suspended, blocked,
		        actor_url, created_at, updated_at
		 FROM source_accounts WHERE username = $1`,
		username,
	).Scan(
		&a.Username, &a.MarkedAsSpammer, &a.MarkedAsBot, &a.Suspended, &a.Blocked,
		&a.ActorURL, &a.CreatedAt, &a.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースアカウントの取得に失敗しました: %w", err)
	}
	return a, nil
}

// Upsert はアカウントを名前をキーにUPSERTする。
// 戻り値は新規作成されたかどうか（アカウントリンカーのトリガに使用）。
func (r *PostgresAccountRepo) Upsert(ctx context.Context, account *model.SourceAccount) (bool, error) {
	var inserted bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO source_accounts (username, marked_as_spammer, marked_as_bot, suspended, blocked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (username) DO UPDATE SET
		    marked_as_spammer = EXCLUDED.marked_as_spammer,
		    marked_as_bot = EXCLUDED.marked_as_bot,
		    suspended = EXCLUDED.suspended,
		    blocked = EXCLUDED.blocked,
		    updated_at = now()
		 RETURNING (xmax = 0)`,
		account.Username, account.MarkedAsSpammer, account.MarkedAsBot,
		account.Suspended, account.Blocked,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("ソースアカウントのUPSERTに失敗しました: %w", err)
	}
	return inserted, nil
}

// SetActorURL は連合先アクターURLを設定する。
func (r *PostgresAccountRepo) SetActorURL(ctx context.Context, username, actorURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE source_accounts SET actor_url = $2, updated_at = now() WHERE username = $1`,
		username, actorURL,
	)
	if err != nil {
		return fmt.Errorf("アクターURLの更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
