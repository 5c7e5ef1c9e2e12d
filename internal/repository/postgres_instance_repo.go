package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresInstanceRepo はPostgreSQLを使用した連合先インスタンス・コミュニティリポジトリ。
type PostgresInstanceRepo struct {
	db *sql.DB
}

// NewPostgresInstanceRepo はPostgresInstanceRepoを生成する。
func NewPostgresInstanceRepo(db *sql.DB) *PostgresInstanceRepo {
	return &PostgresInstanceRepo{db: db}
}

// FindInstance は指定ドメインのインスタンスを取得する。見つからない場合はnilを返す。
func (r *PostgresInstanceRepo) FindInstance(ctx context.Context, domain string) (*model.DestinationInstance, error) {
	i := &model.DestinationInstance{}
	err := r.db.QueryRowContext(ctx,
		`SELECT domain, software, status, category, over18, open_registrations, tags,
		        created_at, updated_at
		 FROM destination_instances WHERE domain = $1`,
		domain,
	).Scan(
		&i.Domain, &i.Software, &i.Status, &i.Category, &i.Over18,
		&i.OpenRegistrations, pq.Array(&i.Tags), &i.CreatedAt, &i.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連合先インスタンスの取得に失敗しました: %w", err)
	}
	return i, nil
}

// UpsertInstance はインスタンスをドメインをキーにUPSERTする。
func (r *PostgresInstanceRepo) UpsertInstance(ctx context.Context, instance *model.DestinationInstance) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO destination_instances (domain, software, status, category, over18, open_registrations, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 ON CONFLICT (domain) DO UPDATE SET
		    software = EXCLUDED.software,
		    status = EXCLUDED.status,
		    category = EXCLUDED.category,
		    over18 = EXCLUDED.over18,
		    open_registrations = EXCLUDED.open_registrations,
		    tags = EXCLUDED.tags,
		    updated_at = now()`,
		instance.Domain, instance.Software, instance.Status, instance.Category,
		instance.Over18, instance.OpenRegistrations, pq.Array(instance.Tags),
	)
	if err != nil {
		return fmt.Errorf("連合先インスタンスのUPSERTに失敗しました: %w", err)
	}
	return nil
}

const destCommunityColumns = `id, instance_domain, name, description, category, languages,
	        created_at, updated_at`

func scanDestCommunity(row interface{ Scan(...any) error }) (*model.DestinationCommunity, error) {
	c := &model.DestinationCommunity{}
	if err := row.Scan(
		&c.ID, &c.InstanceDomain, &c.Name, &c.Description, &c.Category,
		pq.Array(&c.Languages), &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return c, nil
}

// FindCommunity は指定IDの連合先コミュニティを取得する。見つからない場合はnilを返す。
func (r *PostgresInstanceRepo) FindCommunity(ctx context.Context, id string) (*model.DestinationCommunity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+destCommunityColumns+` FROM destination_communities WHERE id = $1`, id,
	)

	c, err := scanDestCommunity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連合先コミュニティの取得に失敗しました: %w", err)
	}
	return c, nil
}

// FindCommunityByFQDN は name@instance 形式で連合先コミュニティを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresInstanceRepo) FindCommunityByFQDN(ctx context.Context, fqdn string) (*model.DestinationCommunity, error) {
	name, domain, ok := strings.Cut(fqdn, "@")
	if !ok {
		return nil, fmt.Errorf("コミュニティFQDNの形式が不正です: %s", fqdn)
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+destCommunityColumns+`
		 FROM destination_communities WHERE instance_domain = $1 AND name = $2`,
		domain, name,
	)

	c, err := scanDestCommunity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連合先コミュニティの検索に失敗しました: %w", err)
	}
	return c, nil
}

// UpsertCommunity はコミュニティを(instance, name)をキーにUPSERTし、確定したIDを書き戻す。
// 参照先のインスタンス行が無い場合はプレースホルダを先に作成する。
func (r *PostgresInstanceRepo) UpsertCommunity(ctx context.Context, community *model.DestinationCommunity) error {
	if community.ID == "" {
		community.ID = uuid.New().String()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO destination_instances (domain, created_at, updated_at)
		 VALUES ($1, now(), now())
		 ON CONFLICT (domain) DO NOTHING`,
		community.InstanceDomain,
	)
	if err != nil {
		return fmt.Errorf("インスタンスプレースホルダの作成に失敗しました: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO destination_communities (id, instance_domain, name, description, category, languages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (instance_domain, name) DO UPDATE SET
		    description = EXCLUDED.description,
		    category = EXCLUDED.category,
		    languages = EXCLUDED.languages,
		    updated_at = now()
		 RETURNING id`,
		community.ID, community.InstanceDomain, community.Name,
		community.Description, community.Category, pq.Array(community.Languages),
	).Scan(&community.ID)
	if err != nil {
		return fmt.Errorf("連合先コミュニティのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ InstanceRepository = (*PostgresInstanceRepo)(nil)
