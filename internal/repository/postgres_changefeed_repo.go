package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresChangeFeedRepo はPostgreSQLを使用したチェンジフィードリポジトリ。
// エントリは追記専用で、更新も削除も行わない。
type PostgresChangeFeedRepo struct {
	db *sql.DB
}

// NewPostgresChangeFeedRepo はPostgresChangeFeedRepoを生成する。
func NewPostgresChangeFeedRepo(db *sql.DB) *PostgresChangeFeedRepo {
	return &PostgresChangeFeedRepo{db: db}
}

// PublishLocal はローカルエントリ（peer_id NULL）を追記する。
func (r *PostgresChangeFeedRepo) PublishLocal(ctx context.Context, kind model.EntryKind, payload []byte) (*model.ChangeFeedEntry, error) {
	entry := &model.ChangeFeedEntry{
		ID:      uuid.New().String(),
		Kind:    kind,
		Payload: payload,
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO change_feed_entries (id, peer_id, remote_id, kind, payload, created_at)
		 VALUES ($1, NULL, NULL, $2, $3, now())
		 RETURNING created_at`,
		entry.ID, string(kind), payload,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ローカルエントリの公開に失敗しました: %w", err)
	}
	return entry, nil
}

// InsertRemote はリモートエントリを追記する。
// (peer, remote_id)が既に存在する場合はErrDuplicateを返す（冪等）。
func (r *PostgresChangeFeedRepo) InsertRemote(ctx context.Context, entry *model.ChangeFeedEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO change_feed_entries (id, peer_id, remote_id, kind, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.PeerID, entry.RemoteID, string(entry.Kind), []byte(entry.Payload), entry.CreatedAt,
	)
	if err != nil {
		return mapDuplicate(fmt.Errorf("リモートエントリの保存に失敗しました: %w", err))
	}
	return nil
}

// ListLocalSince はローカルエントリをsinceより後の作成時刻で古い順にページ取得する。
// pageは1始まり。
func (r *PostgresChangeFeedRepo) ListLocalSince(ctx context.Context, since time.Time, page, pageSize int) ([]*model.ChangeFeedEntry, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, payload, created_at
		 FROM change_feed_entries
		 WHERE peer_id IS NULL AND created_at > $1
		 ORDER BY created_at ASC
		 LIMIT $2 OFFSET $3`,
		since, pageSize, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("ローカルエントリの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.ChangeFeedEntry
	for rows.Next() {
		e := &model.ChangeFeedEntry{}
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("エントリの読み取りに失敗しました: %w", err)
		}
		e.Kind = model.EntryKind(kind)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("エントリの走査に失敗しました: %w", err)
	}

	return entries, nil
}

// CreateSyncJob は取り込み1回分の監査レコードを作成する。
func (r *PostgresChangeFeedRepo) CreateSyncJob(ctx context.Context, job *model.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, peer_id, entries_applied, cursor_after, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		job.ID, job.PeerID, job.EntriesApplied, nullTime(job.CursorAfter),
	)
	if err != nil {
		return fmt.Errorf("同期ジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ChangeFeedRepository = (*PostgresChangeFeedRepo)(nil)
