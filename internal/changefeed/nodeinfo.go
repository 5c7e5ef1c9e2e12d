// Package changefeed はPeer間のチェンジフィードプロトコルを提供する。
// 各ポータルはポータルURLで自己を識別し、nodeinfoで発見され、
// 追記専用のチェンジフィードでカタログ変更を同期する。
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// NodeInfo はPeerが /api/nodeinfo で公開する自己記述。
type NodeInfo struct {
	PortalURL                string `json:"portal_url"`
	AcceptsCommunityRequests bool   `json:"accepts_community_requests"`
	AllowsRedditSignup       bool   `json:"allows_reddit_signup"`
	AllowsMirroredContent    bool   `json:"allows_mirrored_content"`
	CreatesMirrorBots        bool   `json:"creates_mirror_bots"`
	InstanceDomain           string `json:"instance_domain,omitempty"`
}

// maxNodeInfoSize はnodeinfoレスポンスの読み取り上限。
const maxNodeInfoSize = 64 * 1024

// FetchNodeInfo はPeerのnodeinfoを取得する。httpClientはSSRFガード付きを渡す。
func FetchNodeInfo(ctx context.Context, httpClient *http.Client, portalURL string) (*NodeInfo, error) {
	endpoint := strings.TrimRight(portalURL, "/") + "/api/nodeinfo"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("nodeinfoリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nodeinfoの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nodeinfoの取得がステータス %d で失敗しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxNodeInfoSize))
	if err != nil {
		return nil, fmt.Errorf("nodeinfoの読み取りに失敗しました: %w", err)
	}

	var info NodeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("nodeinfoのパースに失敗しました: %w", err)
	}
	if info.PortalURL == "" {
		return nil, fmt.Errorf("nodeinfoにportal_urlがありません")
	}

	return &info, nil
}
