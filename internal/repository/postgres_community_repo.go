package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresCommunityRepo はPostgreSQLを使用したソースコミュニティリポジトリ。
type PostgresCommunityRepo struct {
	db *sql.DB
}

// NewPostgresCommunityRepo はPostgresCommunityRepoを生成する。
func NewPostgresCommunityRepo(db *sql.DB) *PostgresCommunityRepo {
	return &PostgresCommunityRepo{db: db}
}

const communityColumns = `name, category, over18, hidden, locked, metadata,
	        last_synced_at, created_at, updated_at`

func scanCommunity(row interface{ Scan(...any) error }) (*model.SourceCommunity, error) {
	c := &model.SourceCommunity{}
	var metadata []byte
	var lastSynced sql.NullTime

	if err := row.Scan(
		&c.Name, &c.Category, &c.Over18, &c.Hidden, &c.Locked, &metadata,
		&lastSynced, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Metadata = metadata
	c.LastSyncedAt = nullTimeValue(lastSynced)
	return c, nil
}

// FindByName は指定名のコミュニティを取得する。見つからない場合はnilを返す。
func (r *PostgresCommunityRepo) FindByName(ctx context.Context, name string) (*model.SourceCommunity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+communityColumns+` FROM source_communities WHERE name = $1`,
		strings.ToLower(name),
	)

	c, err := scanCommunity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースコミュニティの取得に失敗しました: %w", err)
	}
	return c, nil
}

// Upsert はコミュニティを名前をキーにUPSERTする。
// metadata・フラグ類を上書きし、last_synced_atは変更しない。
func (r *PostgresCommunityRepo) Upsert(ctx context.Context, community *model.SourceCommunity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO source_communities (name, category, over18, hidden, locked, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (name) DO UPDATE SET
		    category = EXCLUDED.category,
		    over18 = EXCLUDED.over18,
		    hidden = EXCLUDED.hidden,
		    locked = EXCLUDED.locked,
		    metadata = EXCLUDED.metadata,
		    updated_at = now()`,
		strings.ToLower(community.Name), community.Category,
		community.Over18, community.Hidden, community.Locked,
		[]byte(community.Metadata),
	)
	if err != nil {
		return fmt.Errorf("ソースコミュニティのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// listDueForSyncQuery は同期対象コミュニティの選択クエリ。
// PostgreSQLはDISTINCTとFOR UPDATEを併用できないため、
// 戦略の存在判定はJOINではなくEXISTSで行う。
const listDueForSyncQuery = `SELECT c.name, c.category, c.over18, c.hidden, c.locked, c.metadata,
        c.last_synced_at, c.created_at, c.updated_at
 FROM source_communities c
 WHERE NOT c.hidden AND NOT c.locked
   AND (c.last_synced_at IS NULL OR c.last_synced_at <= now() - $1::interval)
   AND EXISTS (
     SELECT 1 FROM mirror_strategies ms WHERE ms.source_community = c.name
   )
 ORDER BY c.last_synced_at ASC NULLS FIRST
 LIMIT $2
 FOR UPDATE OF c SKIP LOCKED`

// ListDueForSync はミラー戦略を持ち、last_synced_atがinterval以上前
// （またはNULL）のコミュニティを古い順にlimit件取得する。
// FOR UPDATE SKIP LOCKEDにより複数ワーカー間で排他される。
func (r *PostgresCommunityRepo) ListDueForSync(ctx context.Context, interval time.Duration, limit int) ([]*model.SourceCommunity, error) {
	rows, err := r.db.QueryContext(ctx, listDueForSyncQuery,
		fmt.Sprintf("%d seconds", int(interval.Seconds())), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象コミュニティの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var communities []*model.SourceCommunity
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, fmt.Errorf("同期対象コミュニティの読み取りに失敗しました: %w", err)
		}
		communities = append(communities, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期対象コミュニティの走査に失敗しました: %w", err)
	}

	return communities, nil
}

// ListMapped はミラー戦略を1つ以上持つ全コミュニティ名を返す。
func (r *PostgresCommunityRepo) ListMapped(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT c.name
		 FROM source_communities c
		 INNER JOIN mirror_strategies ms ON ms.source_community = c.name
		 WHERE NOT c.hidden
		 ORDER BY c.name`,
	)
	if err != nil {
		return nil, fmt.Errorf("マッピング済みコミュニティの取得に失敗しました: %w", err)
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
		return nil, fmt.Errorf("マッピング済みコミュニティの走査に失敗しました: %w", err)
	}

	return names, nil
}

// UpdateLastSynced はlast_synced_atを指定時刻に更新する。
func (r *PostgresCommunityRepo) UpdateLastSynced(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE source_communities SET last_synced_at = $2, updated_at = now() WHERE name = $1`,
		strings.ToLower(name), at,
	)
	if err != nil {
		return fmt.Errorf("last_synced_atの更新に失敗しました: %w", err)
	}
	return nil
}

// SetHidden はコミュニティの隠しフラグを設定する。
func (r *PostgresCommunityRepo) SetHidden(ctx context.Context, name string, hidden bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE source_communities SET hidden = $2, updated_at = now() WHERE name = $1`,
		strings.ToLower(name), hidden,
	)
	if err != nil {
		return fmt.Errorf("隠しフラグの更新に失敗しました: %w", err)
	}
	return nil
}

// SetCategory はコミュニティのカテゴリを更新する。
func (r *PostgresCommunityRepo) SetCategory(ctx context.Context, name, category string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE source_communities SET category = $2, updated_at = now() WHERE name = $1`,
		strings.ToLower(name), category,
	)
	if err != nil {
		return fmt.Errorf("カテゴリの更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CommunityRepository = (*PostgresCommunityRepo)(nil)
