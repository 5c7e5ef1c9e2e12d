// Package reddit はソースネットワーク（reddit）の読み取り専用クライアントを提供する。
// 新着投稿の一覧、コメントツリー付き投稿の取得、単一コメントの解決、
// コミュニティメタデータとユーザー属性の取得を行う。
package reddit

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
)

// thing はソースAPIの共通エンベロープ。kindが型タグ、dataが中身。
type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// listing はページング付きコンテナ。
type listing struct {
	After    string  `json:"after"`
	Before   string  `json:"before"`
	Children []thing `json:"children"`
}

// submissionData は投稿（kind=t3）のワイヤ表現。
type submissionData struct {
	ID           string  `json:"id"`
	Subreddit    string  `json:"subreddit"`
	Author       string  `json:"author"`
	URL          string  `json:"url"`
	Title        string  `json:"title"`
	Selftext     string  `json:"selftext"`
	IsSelf       bool    `json:"is_self"`
	Over18       bool    `json:"over_18"`
	IsVideo      bool    `json:"is_video"`
	IsGallery    bool    `json:"is_gallery"`
	Media        any     `json:"media"`
	CrosspostIDs []any   `json:"crosspost_parent_list"`
	Archived     bool    `json:"archived"`
	Locked       bool    `json:"locked"`
	Quarantine   bool    `json:"quarantine"`
	RemovedBy    string  `json:"removed_by_category"`
	BannedAtUTC  float64 `json:"banned_at_utc"`
	ApprovedAt   float64 `json:"approved_at_utc"`
	CreatedUTC   float64 `json:"created_utc"`
}

// commentData はコメント（kind=t1）のワイヤ表現。
type commentData struct {
	ID            string          `json:"id"`
	LinkID        string          `json:"link_id"`   // t3_xxx
	ParentID      string          `json:"parent_id"` // t1_xxx または t3_xxx
	Subreddit     string          `json:"subreddit"`
	Author        string          `json:"author"`
	Permalink     string          `json:"permalink"`
	Body          string          `json:"body"`
	Stickied      bool            `json:"stickied"`
	Edited        json.RawMessage `json:"edited"` // false または編集時刻
	Distinguished string          `json:"distinguished"`
	CreatedUTC    float64         `json:"created_utc"`
	Replies       json.RawMessage `json:"replies"` // listing または空文字列
}

// aboutData はコミュニティ・ユーザーのaboutスナップショット。
// そのままJSONとして保存するため型付けは最小限。
type aboutData struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Over18      bool   `json:"over18"`
	IsSuspended bool   `json:"is_suspended"`
}

const (
	fullnamePrefixComment    = "t1_"
	fullnamePrefixSubmission = "t3_"
)

// stripFullname はフルネーム（t1_xxx/t3_xxx）からIDを取り出す。
func stripFullname(fullname string) string {
	if len(fullname) > 3 && fullname[2] == '_' {
		return fullname[3:]
	}
	return fullname
}

// epochTime はcreated_utc（UNIX秒、小数）をtime.Timeに変換する。
func epochTime(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

// epochTimePtr はゼロをnilとして扱う変換。
func epochTimePtr(sec float64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(int64(sec), 0).UTC()
	return &t
}

// urlHost はURLからホスト名を抽出する。パース不能な場合は空文字列。
func urlHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// toSubmission はワイヤ表現をドメインモデルに変換する。
func (d *submissionData) toSubmission() *model.SourceSubmission {
	s := &model.SourceSubmission{
		ID:          d.ID,
		Community:   strings.ToLower(d.Subreddit),
		Author:      d.Author,
		URL:         d.URL,
		URLHost:     urlHost(d.URL),
		Title:       d.Title,
		SelfText:    d.Selftext,
		IsSelf:      d.IsSelf,
		Over18:      d.Over18,
		HasMedia:    d.Media != nil,
		IsVideo:     d.IsVideo,
		IsGallery:   d.IsGallery,
		IsCrossPost: len(d.CrosspostIDs) > 0,
		Archived:    d.Archived,
		Locked:      d.Locked,
		Quarantined: d.Quarantine,
		Removed:     d.RemovedBy != "",
		ApprovedAt:  epochTimePtr(d.ApprovedAt),
		BannedAt:    epochTimePtr(d.BannedAtUTC),
		Status:      model.StatusRetrieved,
		PostedAt:    epochTime(d.CreatedUTC),
	}
	// セルフ投稿のURLは自分自身のパーマリンクなのでリンクとして扱わない
	if s.IsSelf {
		s.URL = ""
		s.URLHost = ""
	}
	return s
}

// toComment はワイヤ表現をドメインモデルに変換する。
func (d *commentData) toComment() *model.SourceComment {
	parentID := ""
	if strings.HasPrefix(d.ParentID, fullnamePrefixComment) {
		parentID = stripFullname(d.ParentID)
	}
	return &model.SourceComment{
		ID:            d.ID,
		SubmissionID:  stripFullname(d.LinkID),
		Author:        d.Author,
		ParentID:      parentID,
		Permalink:     d.Permalink,
		Body:          d.Body,
		Stickied:      d.Stickied,
		Edited:        len(d.Edited) > 0 && string(d.Edited) != "false",
		Distinguished: d.Distinguished != "",
		Status:        model.StatusRetrieved,
		PostedAt:      epochTime(d.CreatedUTC),
	}
}
