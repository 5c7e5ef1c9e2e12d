package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresCommentRepo はPostgreSQLを使用したソースコメントリポジトリ。
type PostgresCommentRepo struct {
	db *sql.DB
}

// NewPostgresCommentRepo はPostgresCommentRepoを生成する。
func NewPostgresCommentRepo(db *sql.DB) *PostgresCommentRepo {
	return &PostgresCommentRepo{db: db}
}

func scanComment(row interface{ Scan(...any) error }) (*model.SourceComment, error) {
	c := &model.SourceComment{}
	var parentID sql.NullString

	if err := row.Scan(
		&c.ID, &c.SubmissionID, &c.Author, &parentID, &c.Permalink, &c.Body,
		&c.Stickied, &c.Edited, &c.Distinguished, &c.MarkedAsSpam,
		&c.Status, &c.StatusAt, &c.PostedAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.ParentID = nullStringValue(parentID)
	return c, nil
}

const commentColumns = `id, submission_id, author, parent_id, permalink, body,
	        stickied, edited, distinguished, marked_as_spam,
	        status, status_at, posted_at, created_at, updated_at`

// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
func (r *PostgresCommentRepo) FindByID(ctx context.Context, id string) (*model.SourceComment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM source_comments WHERE id = $1`, id,
	)

	c, err := scanComment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースコメントの取得に失敗しました: %w", err)
	}
	return c, nil
}

// Upsert はコメントをIDをキーにUPSERTする。既存行のstatusは変更しない。
func (r *PostgresCommentRepo) Upsert(ctx context.Context, comment *model.SourceComment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO source_comments (id, submission_id, author, parent_id, permalink, body,
		        stickied, edited, distinguished, marked_as_spam,
		        status, status_at, posted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'retrieved', now(), $11, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
		    body = EXCLUDED.body,
		    stickied = EXCLUDED.stickied,
		    edited = EXCLUDED.edited,
		    distinguished = EXCLUDED.distinguished,
		    marked_as_spam = EXCLUDED.marked_as_spam,
		    updated_at = now()`,
		comment.ID, comment.SubmissionID, comment.Author,
		nullString(comment.ParentID), comment.Permalink, comment.Body,
		comment.Stickied, comment.Edited, comment.Distinguished, comment.MarkedAsSpam,
		comment.PostedAt,
	)
	if err != nil {
		return fmt.Errorf("ソースコメントのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// ListReady はミラー可能なコメントを返す。
// 条件: status=retrieved、maxAge以内、属する投稿がMirroredPostを持ち、
// 親が存在しないか親のstatus=mirrored（親先行不変条件のSQL表現）。
// sinceより後の投稿時刻に限定し、古い順に返す。
func (r *PostgresCommentRepo) ListReady(ctx context.Context, community string, since time.Time, maxAge time.Duration) ([]*model.SourceComment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.submission_id, c.author, c.parent_id, c.permalink, c.body,
		        c.stickied, c.edited, c.distinguished, c.marked_as_spam,
		        c.status, c.status_at, c.posted_at, c.created_at, c.updated_at
		 FROM source_comments c
		 INNER JOIN source_submissions s ON s.id = c.submission_id
		 WHERE c.status = 'retrieved'
		   AND s.community = $1
		   AND c.posted_at > $2
		   AND c.posted_at > now() - $3::interval
		   AND EXISTS (SELECT 1 FROM mirrored_posts mp WHERE mp.submission_id = c.submission_id)
		   AND (c.parent_id IS NULL OR EXISTS (
		        SELECT 1 FROM source_comments p
		        WHERE p.id = c.parent_id AND p.status = 'mirrored'))
		 ORDER BY c.posted_at ASC`,
		community, since, fmt.Sprintf("%d seconds", int(maxAge.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("ミラー可能コメントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var comments []*model.SourceComment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("ミラー可能コメントの読み取りに失敗しました: %w", err)
		}
		comments = append(comments, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ミラー可能コメントの走査に失敗しました: %w", err)
	}

	return comments, nil
}

// UpdateStatus はコメントのstatusとstatus_atを更新する。
// mirrored/rejectedは終端状態のため上書きしない。
func (r *PostgresCommentRepo) UpdateStatus(ctx context.Context, id string, status model.ItemStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE source_comments SET status = $2, status_at = now(), updated_at = now()
		 WHERE id = $1 AND status NOT IN ('mirrored', 'rejected')`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("コメントstatusの更新に失敗しました: %w", err)
	}
	return nil
}

// RejectStale はgraceより古いretrievedかつMirroredCommentを持たない
// コメントを一括でrejectedに遷移させる（ジャニター）。戻り値は遷移件数。
func (r *PostgresCommentRepo) RejectStale(ctx context.Context, grace time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE source_comments c SET status = 'rejected', status_at = now(), updated_at = now()
		 WHERE c.status = 'retrieved'
		   AND c.created_at < now() - $1::interval
		   AND NOT EXISTS (SELECT 1 FROM mirrored_comments mc WHERE mc.comment_id = c.id)`,
		fmt.Sprintf("%d seconds", int(grace.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("古いコメントのreject遷移に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reject遷移件数の取得に失敗しました: %w", err)
	}
	return affected, nil
}

// compile-time interface check
var _ CommentRepository = (*PostgresCommentRepo)(nil)
