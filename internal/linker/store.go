package linker

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresBotStore は連合先（Lemmy）スキーマへのボットアカウント書き込みを行う。
// エンジン本体のストアとは別のDBハンドルを使う。書き込みはこのリンク経路に限る。
type PostgresBotStore struct {
	db     *sql.DB
	domain string
}

// NewPostgresBotStore はPostgresBotStoreを生成する。
// domainは連合先スキーマ上の自インスタンスのドメイン。
func NewPostgresBotStore(db *sql.DB, domain string) *PostgresBotStore {
	return &PostgresBotStore{db: db, domain: domain}
}

var _ BotStore = (*PostgresBotStore)(nil)

// FindBotActorID はローカルのpersonからボットのアクターIDを検索する。
// 見つからない場合は空文字列を返す。
func (s *PostgresBotStore) FindBotActorID(ctx context.Context, name string) (string, error) {
	var actorID string
	err := s.db.QueryRowContext(ctx,
		`SELECT actor_id FROM person WHERE name = $1 AND local AND bot_account`, name,
	).Scan(&actorID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("personの検索に失敗しました: %w", err)
	}
	return actorID, nil
}

// CreateBot はperson行とlocal_user行を1トランザクションで作成する。
func (s *PostgresBotStore) CreateBot(ctx context.Context, bot *Bot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var instanceID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM instance WHERE domain = $1`, s.domain,
	).Scan(&instanceID)
	if err != nil {
		return fmt.Errorf("instanceの検索に失敗しました: %w", err)
	}

	var personID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO person (
			name, actor_id, inbox_url, shared_inbox_url,
			public_key, private_key,
			bot_account, local, instance_id, published
		)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, TRUE, $7, NOW())
		RETURNING id`,
		bot.Name, bot.ActorID, bot.InboxURL, bot.SharedInboxURL,
		bot.PublicKeyPEM, bot.PrivateKeyPEM, instanceID,
	).Scan(&personID)
	if err != nil {
		return fmt.Errorf("personの作成に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO local_user (person_id, password_encrypted, accepted_application)
		VALUES ($1, $2, TRUE)`,
		personID, bot.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("local_userの作成に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}
