package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresStrategyRepo はPostgreSQLを使用したミラー戦略リポジトリ。
type PostgresStrategyRepo struct {
	db *sql.DB
}

// NewPostgresStrategyRepo はPostgresStrategyRepoを生成する。
func NewPostgresStrategyRepo(db *sql.DB) *PostgresStrategyRepo {
	return &PostgresStrategyRepo{db: db}
}

// ListBySourceCommunity は指定ソースコミュニティの全戦略を返す。
func (r *PostgresStrategyRepo) ListBySourceCommunity(ctx context.Context, sourceCommunity string) ([]*model.MirrorStrategy, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source_community, dest_community_id, submission_policy,
		        comment_policy, max_daily_posts, created_at, updated_at
		 FROM mirror_strategies WHERE source_community = $1
		 ORDER BY created_at ASC`,
		strings.ToLower(sourceCommunity),
	)
	if err != nil {
		return nil, fmt.Errorf("ミラー戦略の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var strategies []*model.MirrorStrategy
	for rows.Next() {
		s := &model.MirrorStrategy{}
		var maxDaily sql.NullInt64

		if err := rows.Scan(
			&s.ID, &s.SourceCommunity, &s.DestCommunityID,
			&s.SubmissionPolicy, &s.CommentPolicy, &maxDaily,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ミラー戦略の読み取りに失敗しました: %w", err)
		}

		s.MaxDailyPosts = nullIntValue(maxDaily)
		strategies = append(strategies, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ミラー戦略の走査に失敗しました: %w", err)
	}

	return strategies, nil
}

// ListCommentMirroring はコメントポリシーがdisabled以外の戦略を持つ
// ソースコミュニティ名の一覧を返す。
func (r *PostgresStrategyRepo) ListCommentMirroring(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT source_community FROM mirror_strategies
		 WHERE comment_policy <> 'disabled'
		 ORDER BY source_community`,
	)
	if err != nil {
		return nil, fmt.Errorf("コメントミラー対象コミュニティの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("コミュニティ名の読み取りに失敗しました: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("コメントミラー対象コミュニティの走査に失敗しました: %w", err)
	}

	return names, nil
}

// Upsert は戦略を(source, destination)をキーにUPSERTする。
func (r *PostgresStrategyRepo) Upsert(ctx context.Context, strategy *model.MirrorStrategy) error {
	if strategy.ID == "" {
		strategy.ID = uuid.New().String()
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO mirror_strategies (id, source_community, dest_community_id, submission_policy, comment_policy, max_daily_posts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (source_community, dest_community_id) DO UPDATE SET
		    submission_policy = EXCLUDED.submission_policy,
		    comment_policy = EXCLUDED.comment_policy,
		    max_daily_posts = EXCLUDED.max_daily_posts,
		    updated_at = now()
		 RETURNING id`,
		strategy.ID, strings.ToLower(strategy.SourceCommunity), strategy.DestCommunityID,
		strategy.SubmissionPolicy, strategy.CommentPolicy, nullInt(strategy.MaxDailyPosts),
	).Scan(&strategy.ID)
	if err != nil {
		return fmt.Errorf("ミラー戦略のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ StrategyRepository = (*PostgresStrategyRepo)(nil)
