// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// Peer は同じエンジンを運用する協調ポータル（fediversedインスタンス）を表す。
// ポータルURLで一意に識別され、nodeinfoで発見、チェンジフィードで同期される。
type Peer struct {
	ID        string
	PortalURL string

	// 挙動フラグ（nodeinfoで公開される）
	AcceptsCommunityRequests bool
	AllowsRedditSignup       bool
	AllowsMirroredContent    bool
	CreatesMirrorBots        bool

	// InstanceDomain はこのポータルに紐付く連合先インスタンスのドメイン。任意。
	InstanceDomain string

	// チェンジフィード取り込みの再開カーソル。
	LastEntrySeenAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Endorsement はPeer間の有向な推薦エッジを表す。(endorser, endorsed)で一意。
type Endorsement struct {
	ID             string
	EndorserPeerID string
	EndorsedPeerID string
	CreatedAt      time.Time
}

// EntryKind はチェンジフィードエントリの種別タグを表す。
type EntryKind string

const (
	// EntryKindConnection はソースアカウントと連合先アクターの紐付け公開。
	EntryKindConnection EntryKind = "connection:reddit"
	// EntryKindEndorsement はPeer間の推薦公開。
	EntryKindEndorsement EntryKind = "endorsement"
	// EntryKindRecommendation はソースコミュニティと連合先コミュニティの推薦公開。
	EntryKindRecommendation EntryKind = "recommendation:group"
)

// ChangeFeedEntry はPeerが公開する追記専用のイベントを表す。
// PeerIDがnil（空）の場合は自ポータルが公開したローカルエントリ。
// リモートエントリは (peer, remote_id) で一意となり、再適用は冪等。
type ChangeFeedEntry struct {
	ID        string
	PeerID    string // 空文字列はローカル公開分
	RemoteID  string // 公開元でのエントリID。ローカル分は空。
	Kind      EntryKind
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ConnectionPayload はconnection:redditエントリのペイロード。
type ConnectionPayload struct {
	RedditUsername string `json:"reddit_username"`
	ActorURL       string `json:"actor_url"`
}

// EndorsementPayload はendorsementエントリのペイロード。
type EndorsementPayload struct {
	EndorserURL string `json:"endorser_url"`
	EndorsedURL string `json:"endorsed_url"`
}

// RecommendationPayload はrecommendation:groupエントリのペイロード。
type RecommendationPayload struct {
	Subreddit     string `json:"subreddit"`
	CommunityFQDN string `json:"community_fqdn"`
}

// SyncJob はPeerチェンジフィード取り込み1回分の監査レコード。
type SyncJob struct {
	ID             string
	PeerID         string
	EntriesApplied int
	CursorAfter    *time.Time
	CreatedAt      time.Time
}
