package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresMirrorRepo はPostgreSQLを使用したミラーリンクリポジトリ。
// リンク行の作成とソースアイテムのstatus遷移を同一トランザクションで行い、
// 連合先への書き込み成功と帳簿の整合を保証する。
type PostgresMirrorRepo struct {
	db *sql.DB
}

// NewPostgresMirrorRepo はPostgresMirrorRepoを生成する。
func NewPostgresMirrorRepo(db *sql.DB) *PostgresMirrorRepo {
	return &PostgresMirrorRepo{db: db}
}

// CreateMirroredPost はMirroredPostを作成し、同一トランザクションで
// 投稿のstatusをmirroredに遷移させる。
// 一意制約違反の場合はErrDuplicateを返す（他ワーカーが勝った）。
func (r *PostgresMirrorRepo) CreateMirroredPost(ctx context.Context, post *model.MirroredPost) error {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO mirrored_posts (id, submission_id, dest_community_id, dest_post_id, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		post.ID, post.SubmissionID, post.DestCommunityID, post.DestPostID,
	)
	if err != nil {
		return mapDuplicate(fmt.Errorf("MirroredPostの作成に失敗しました: %w", err))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE source_submissions SET status = 'mirrored', status_at = now(), updated_at = now() WHERE id = $1`,
		post.SubmissionID,
	)
	if err != nil {
		return fmt.Errorf("投稿statusのmirrored遷移に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// CreateMirroredComment はMirroredCommentを作成し、同一トランザクションで
// コメントのstatusをmirroredに遷移させる。
// 一意制約違反の場合はErrDuplicateを返す。
func (r *PostgresMirrorRepo) CreateMirroredComment(ctx context.Context, comment *model.MirroredComment) error {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO mirrored_comments (id, comment_id, mirrored_post_id, dest_comment_id, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		comment.ID, comment.CommentID, comment.MirroredPostID, comment.DestCommentID,
	)
	if err != nil {
		return mapDuplicate(fmt.Errorf("MirroredCommentの作成に失敗しました: %w", err))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE source_comments SET status = 'mirrored', status_at = now(), updated_at = now() WHERE id = $1`,
		comment.CommentID,
	)
	if err != nil {
		return fmt.Errorf("コメントstatusのmirrored遷移に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListBySubmission は指定投稿の全MirroredPostを返す。
func (r *PostgresMirrorRepo) ListBySubmission(ctx context.Context, submissionID string) ([]*model.MirroredPost, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, submission_id, dest_community_id, dest_post_id, created_at
		 FROM mirrored_posts WHERE submission_id = $1
		 ORDER BY created_at ASC`,
		submissionID,
	)
	if err != nil {
		return nil, fmt.Errorf("MirroredPostの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.MirroredPost
	for rows.Next() {
		p := &model.MirroredPost{}
		if err := rows.Scan(&p.ID, &p.SubmissionID, &p.DestCommunityID, &p.DestPostID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("MirroredPostの読み取りに失敗しました: %w", err)
		}
		posts = append(posts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("MirroredPostの走査に失敗しました: %w", err)
	}

	return posts, nil
}

// ExistsForCommunity は(投稿, 連合先コミュニティ)のMirroredPostが既に存在するかを返す。
func (r *PostgresMirrorRepo) ExistsForCommunity(ctx context.Context, submissionID, destCommunityID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM mirrored_posts WHERE submission_id = $1 AND dest_community_id = $2)`,
		submissionID, destCommunityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("MirroredPostの存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// ExistsURLInCommunity は指定URLの投稿が既に同じ連合先コミュニティへ
// ミラー済みかを返す（重複URLチェック）。
func (r *PostgresMirrorRepo) ExistsURLInCommunity(ctx context.Context, url, destCommunityID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM mirrored_posts mp
		    INNER JOIN source_submissions s ON s.id = mp.submission_id
		    WHERE mp.dest_community_id = $2 AND s.url = $1 AND s.url <> '')`,
		url, destCommunityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("重複URLの確認に失敗しました: %w", err)
	}
	return exists, nil
}

// CountMirroredSince は(ソース, 連合先)の組でsince以降に作成された
// MirroredPost数を返す（日次上限の判定）。
func (r *PostgresMirrorRepo) CountMirroredSince(ctx context.Context, sourceCommunity, destCommunityID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM mirrored_posts mp
		 INNER JOIN source_submissions s ON s.id = mp.submission_id
		 WHERE s.community = $1 AND mp.dest_community_id = $2 AND mp.created_at >= $3`,
		sourceCommunity, destCommunityID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ミラー済み投稿数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// FindMirroredComment は(ソースコメント, MirroredPost)のMirroredCommentを取得する。
// 見つからない場合はnilを返す（親コメントの連合先ID解決に使用）。
func (r *PostgresMirrorRepo) FindMirroredComment(ctx context.Context, commentID, mirroredPostID string) (*model.MirroredComment, error) {
	c := &model.MirroredComment{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, comment_id, mirrored_post_id, dest_comment_id, created_at
		 FROM mirrored_comments WHERE comment_id = $1 AND mirrored_post_id = $2`,
		commentID, mirroredPostID,
	).Scan(&c.ID, &c.CommentID, &c.MirroredPostID, &c.DestCommentID, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("MirroredCommentの取得に失敗しました: %w", err)
	}
	return c, nil
}

// LatestCommentMirroredAt は指定ソースコミュニティで最後にMirroredCommentが
// 作成された時刻を返す。1件もない場合はゼロ値を返す。
func (r *PostgresMirrorRepo) LatestCommentMirroredAt(ctx context.Context, community string) (time.Time, error) {
	var latest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT max(mc.created_at)
		 FROM mirrored_comments mc
		 INNER JOIN source_comments c ON c.id = mc.comment_id
		 INNER JOIN source_submissions s ON s.id = c.submission_id
		 WHERE s.community = $1`,
		community,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("最終コメントミラー時刻の取得に失敗しました: %w", err)
	}

	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

// compile-time interface check
var _ MirrorRepository = (*PostgresMirrorRepo)(nil)
