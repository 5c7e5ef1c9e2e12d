package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresSubmissionRepo はPostgreSQLを使用したソース投稿リポジトリ。
type PostgresSubmissionRepo struct {
	db *sql.DB
}

// NewPostgresSubmissionRepo はPostgresSubmissionRepoを生成する。
func NewPostgresSubmissionRepo(db *sql.DB) *PostgresSubmissionRepo {
	return &PostgresSubmissionRepo{db: db}
}

const submissionColumns = `id, community, author, url, url_host, title, self_text, is_self,
	        over18, has_media, is_video, is_gallery, is_cross_post,
	        archived, locked, quarantined, removed, approved_at, banned_at,
	        status, status_at, posted_at, created_at, updated_at`

func scanSubmission(row interface{ Scan(...any) error }) (*model.SourceSubmission, error) {
	s := &model.SourceSubmission{}
	var approvedAt, bannedAt sql.NullTime

	if err := row.Scan(
		&s.ID, &s.Community, &s.Author, &s.URL, &s.URLHost, &s.Title, &s.SelfText, &s.IsSelf,
		&s.Over18, &s.HasMedia, &s.IsVideo, &s.IsGallery, &s.IsCrossPost,
		&s.Archived, &s.Locked, &s.Quarantined, &s.Removed, &approvedAt, &bannedAt,
		&s.Status, &s.StatusAt, &s.PostedAt, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.ApprovedAt = nullTimeValue(approvedAt)
	s.BannedAt = nullTimeValue(bannedAt)
	return s, nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresSubmissionRepo) FindByID(ctx context.Context, id string) (*model.SourceSubmission, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM source_submissions WHERE id = $1`, id,
	)

	s, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソース投稿の取得に失敗しました: %w", err)
	}
	return s, nil
}

// Upsert は投稿をIDをキーにUPSERTする。
// 既存行のstatusとstatus_atは変更しない（retrieved→retrievedは実質no-op）。
func (r *PostgresSubmissionRepo) Upsert(ctx context.Context, submission *model.SourceSubmission) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO source_submissions (id, community, author, url, url_host, title, self_text, is_self,
		        over18, has_media, is_video, is_gallery, is_cross_post,
		        archived, locked, quarantined, removed, approved_at, banned_at,
		        status, status_at, posted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		         $14, $15, $16, $17, $18, $19, 'retrieved', now(), $20, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
		    title = EXCLUDED.title,
		    self_text = EXCLUDED.self_text,
		    archived = EXCLUDED.archived,
		    locked = EXCLUDED.locked,
		    quarantined = EXCLUDED.quarantined,
		    removed = EXCLUDED.removed,
		    approved_at = EXCLUDED.approved_at,
		    banned_at = EXCLUDED.banned_at,
		    updated_at = now()`,
		submission.ID, submission.Community, submission.Author,
		submission.URL, submission.URLHost, submission.Title, submission.SelfText, submission.IsSelf,
		submission.Over18, submission.HasMedia, submission.IsVideo,
		submission.IsGallery, submission.IsCrossPost,
		submission.Archived, submission.Locked, submission.Quarantined, submission.Removed,
		nullTime(submission.ApprovedAt), nullTime(submission.BannedAt),
		submission.PostedAt,
	)
	if err != nil {
		return fmt.Errorf("ソース投稿のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// listEligibleQuery はミラー候補投稿の選択クエリ。
// 投稿者のアカウント行はLEFT JOINで結合し、未観測の投稿者を除外しない。
const listEligibleQuery = `SELECT s.id, s.community, s.author, s.url, s.url_host, s.title, s.self_text, s.is_self,
        s.over18, s.has_media, s.is_video, s.is_gallery, s.is_cross_post,
        s.archived, s.locked, s.quarantined, s.removed, s.approved_at, s.banned_at,
        s.status, s.status_at, s.posted_at, s.created_at, s.updated_at
 FROM source_submissions s
 LEFT JOIN source_accounts a ON a.username = s.author
 WHERE s.status = 'retrieved'
   AND NOT COALESCE(a.marked_as_bot, FALSE)
   AND NOT COALESCE(a.marked_as_spammer, FALSE)
   AND NOT s.removed AND NOT s.quarantined AND s.banned_at IS NULL
   AND NOT s.over18 AND NOT s.is_cross_post
   AND s.posted_at > now() - $1::interval
   AND NOT EXISTS (SELECT 1 FROM blocked_hosts b WHERE b.host = s.url_host)
   AND EXISTS (
       SELECT 1 FROM mirror_strategies ms
       WHERE ms.source_community = s.community
         AND ms.submission_policy <> 'disabled'
         AND (ms.submission_policy = 'full'
              OR (ms.submission_policy = 'self-only' AND s.is_self)
              OR (ms.submission_policy = 'link-only' AND NOT s.is_self)))
 ORDER BY s.posted_at ASC`

// ListEligible はミラー候補の投稿を返す。
// 条件: status=retrieved、投稿者がbot/spammerでない、removed/quarantined/
// banned/over18でない、クロスポストでない、URLホストがブロックリストにない、
// maxAge以内、かつ種別に合致するsubmission policyを持つ戦略が存在する。
// アカウント行が未観測の投稿者はフラグなしとして扱う。
func (r *PostgresSubmissionRepo) ListEligible(ctx context.Context, maxAge time.Duration) ([]*model.SourceSubmission, error) {
	rows, err := r.db.QueryContext(ctx, listEligibleQuery,
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("ミラー候補投稿の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var submissions []*model.SourceSubmission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("ミラー候補投稿の読み取りに失敗しました: %w", err)
		}
		submissions = append(submissions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ミラー候補投稿の走査に失敗しました: %w", err)
	}

	return submissions, nil
}

// UpdateStatus は投稿のstatusとstatus_atを更新する。
// mirrored/rejectedは終端状態のため上書きしない。
func (r *PostgresSubmissionRepo) UpdateStatus(ctx context.Context, id string, status model.ItemStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE source_submissions SET status = $2, status_at = now(), updated_at = now()
		 WHERE id = $1 AND status NOT IN ('mirrored', 'rejected')`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("投稿statusの更新に失敗しました: %w", err)
	}
	return nil
}

// RejectStale はgraceより古いretrievedかつMirroredPostを持たない投稿を
// 一括でrejectedに遷移させる（ジャニター）。戻り値は遷移件数。
func (r *PostgresSubmissionRepo) RejectStale(ctx context.Context, grace time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE source_submissions s SET status = 'rejected', status_at = now(), updated_at = now()
		 WHERE s.status = 'retrieved'
		   AND s.created_at < now() - $1::interval
		   AND NOT EXISTS (SELECT 1 FROM mirrored_posts mp WHERE mp.submission_id = s.id)`,
		fmt.Sprintf("%d seconds", int(grace.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("古い投稿のreject遷移に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reject遷移件数の取得に失敗しました: %w", err)
	}
	return affected, nil
}

// LatestPostedAt は指定コミュニティに保存済みの最新投稿時刻を返す。
// 1件もない場合はゼロ値を返す。
func (r *PostgresSubmissionRepo) LatestPostedAt(ctx context.Context, community string) (time.Time, error) {
	var latest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT max(posted_at) FROM source_submissions WHERE community = $1`,
		community,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("最新投稿時刻の取得に失敗しました: %w", err)
	}

	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

// compile-time interface check
var _ SubmissionRepository = (*PostgresSubmissionRepo)(nil)
