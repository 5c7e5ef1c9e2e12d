// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// RequestKind はモデレーション提案の種別タグを表す。
type RequestKind string

const (
	// RequestKindSetCategory はカテゴリ変更の提案。
	RequestKindSetCategory RequestKind = "set-category"
	// RequestKindSetStatus はステータス変更の提案。
	RequestKindSetStatus RequestKind = "set-status"
	// RequestKindSuggestAlternative はソースコミュニティへの代替コミュニティ提案。
	RequestKindSuggestAlternative RequestKind = "suggest-alternative"
	// RequestKindAmbassador はコミュニティアンバサダーへの応募。
	RequestKindAmbassador RequestKind = "ambassador-application"
)

// RequestStatus はモデレーション提案の状態を表す。
type RequestStatus string

const (
	// RequestStatusRequested は審査待ちの状態。
	RequestStatusRequested RequestStatus = "requested"
	// RequestStatusAccepted は受理され変更が適用された終端状態。
	RequestStatusAccepted RequestStatus = "accepted"
	// RequestStatusRejected は却下された終端状態。
	RequestStatusRejected RequestStatus = "rejected"
)

// ChangeRequest はポータル利用者が提出するモデレーション提案を表す。
// 種別タグとJSONペイロードによるタグ付きバリアントとして保持し、
// 受理時にレジストリの対応ハンドラが変更を適用する。
type ChangeRequest struct {
	ID         string
	Requester  string
	Kind       RequestKind
	Payload    json.RawMessage
	Status     RequestStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// SetCategoryPayload はset-category提案のペイロード。
type SetCategoryPayload struct {
	Target   string `json:"target"` // 対象エンティティの識別子
	Category string `json:"category"`
}

// SetStatusPayload はset-status提案のペイロード。
type SetStatusPayload struct {
	Target string `json:"target"`
	Status string `json:"status"`
}

// SuggestAlternativePayload はsuggest-alternative提案のペイロード。
type SuggestAlternativePayload struct {
	Subreddit     string `json:"subreddit"`
	CommunityFQDN string `json:"community_fqdn"`
}

// AmbassadorPayload はambassador-application提案のペイロード。
type AmbassadorPayload struct {
	Subreddit string `json:"subreddit"`
	Message   string `json:"message"`
}
