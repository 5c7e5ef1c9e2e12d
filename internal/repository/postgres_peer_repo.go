package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresPeerRepo はPostgreSQLを使用したPeerレジストリリポジトリ。
type PostgresPeerRepo struct {
	db *sql.DB
}

// NewPostgresPeerRepo はPostgresPeerRepoを生成する。
func NewPostgresPeerRepo(db *sql.DB) *PostgresPeerRepo {
	return &PostgresPeerRepo{db: db}
}

func scanPeer(row interface{ Scan(dest ...any) error }) (*model.Peer, error) {
	p := &model.Peer{}
	var lastSeen sql.NullTime
	err := row.Scan(
		&p.ID, &p.PortalURL,
		&p.AcceptsCommunityRequests, &p.AllowsRedditSignup,
		&p.AllowsMirroredContent, &p.CreatesMirrorBots,
		&p.InstanceDomain, &lastSeen,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.LastEntrySeenAt = nullTimeValue(lastSeen)
	return p, nil
}

const peerColumns = `id, portal_url, accepts_community_requests, allows_reddit_signup,
	allows_mirrored_content, creates_mirror_bots, instance_domain, last_entry_seen_at,
	created_at, updated_at`

// FindByPortalURL はポータルURLでPeerを検索する。見つからない場合はnilを返す。
func (r *PostgresPeerRepo) FindByPortalURL(ctx context.Context, portalURL string) (*model.Peer, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE portal_url = $1`, portalURL)

	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Peerの取得に失敗しました: %w", err)
	}
	return p, nil
}

// Upsert はPeerをポータルURLをキーにUPSERTし、確定したIDを書き戻す。
// last_entry_seen_atは変更しない。
func (r *PostgresPeerRepo) Upsert(ctx context.Context, peer *model.Peer) error {
	if peer.ID == "" {
		peer.ID = uuid.New().String()
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO peers (id, portal_url, accepts_community_requests, allows_reddit_signup,
		                    allows_mirrored_content, creates_mirror_bots, instance_domain,
		                    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 ON CONFLICT (portal_url) DO UPDATE SET
		     accepts_community_requests = EXCLUDED.accepts_community_requests,
		     allows_reddit_signup = EXCLUDED.allows_reddit_signup,
		     allows_mirrored_content = EXCLUDED.allows_mirrored_content,
		     creates_mirror_bots = EXCLUDED.creates_mirror_bots,
		     instance_domain = EXCLUDED.instance_domain,
		     updated_at = now()
		 RETURNING id`,
		peer.ID, peer.PortalURL,
		peer.AcceptsCommunityRequests, peer.AllowsRedditSignup,
		peer.AllowsMirroredContent, peer.CreatesMirrorBots,
		peer.InstanceDomain,
	).Scan(&peer.ID)
	if err != nil {
		return fmt.Errorf("PeerのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// List は全Peerを返す。
func (r *PostgresPeerRepo) List(ctx context.Context) ([]*model.Peer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+peerColumns+` FROM peers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("Peer一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var peers []*model.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("Peerの読み取りに失敗しました: %w", err)
		}
		peers = append(peers, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Peerの走査に失敗しました: %w", err)
	}

	return peers, nil
}

// UpdateCursor はチェンジフィード取り込みの再開カーソルを更新する。
func (r *PostgresPeerRepo) UpdateCursor(ctx context.Context, peerID string, seenAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE peers SET last_entry_seen_at = $2, updated_at = now() WHERE id = $1`,
		peerID, seenAt,
	)
	if err != nil {
		return fmt.Errorf("Peerカーソルの更新に失敗しました: %w", err)
	}
	return nil
}

// CreateEndorsement は推薦エッジを作成する。既存の場合はErrDuplicateを返す。
func (r *PostgresPeerRepo) CreateEndorsement(ctx context.Context, endorsement *model.Endorsement) error {
	if endorsement.ID == "" {
		endorsement.ID = uuid.New().String()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO endorsements (id, endorser_peer_id, endorsed_peer_id, created_at)
		 VALUES ($1, $2, $3, now())`,
		endorsement.ID, endorsement.EndorserPeerID, endorsement.EndorsedPeerID,
	)
	if err != nil {
		return mapDuplicate(fmt.Errorf("推薦エッジの作成に失敗しました: %w", err))
	}
	return nil
}

// compile-time interface check
var _ PeerRepository = (*PostgresPeerRepo)(nil)
