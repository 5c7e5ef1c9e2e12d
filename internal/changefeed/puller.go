package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/fedimirror/internal/metrics"
	"github.com/hitoshi/fedimirror/internal/model"
	"github.com/hitoshi/fedimirror/internal/repository"
)

// maxChangesPageSize は1ページのレスポンス読み取り上限。
const maxChangesPageSize = 1 << 20

// wireEntry は /api/changes のワイヤ表現。
type wireEntry struct {
	ID        string          `json:"id"`
	Kind      model.EntryKind `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Puller は既知の全Peerのチェンジフィードを巡回して取り込む。
// Peerごとに最後に観測したエントリの時刻から再開する。
type Puller struct {
	peerRepo   repository.PeerRepository
	feedRepo   repository.ChangeFeedRepository
	registry   *Registry
	httpClient *http.Client // SSRFガード付き
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewPuller はPullerの新しいインスタンスを生成する。
func NewPuller(
	peerRepo repository.PeerRepository,
	feedRepo repository.ChangeFeedRepository,
	registry *Registry,
	httpClient *http.Client,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Puller {
	return &Puller{
		peerRepo:   peerRepo,
		feedRepo:   feedRepo,
		registry:   registry,
		httpClient: httpClient,
		metrics:    collector,
		logger:     logger,
	}
}

// Start はチェンジフィード取り込みループをティッカー起動する。
func (p *Puller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("チェンジフィード取り込みループを開始しました",
		slog.Duration("interval", interval),
	)

	if err := p.RunOnce(ctx); err != nil {
		p.logger.Error("チェンジフィード取り込みサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("チェンジフィード取り込みループを停止しました")
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error("チェンジフィード取り込みサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は既知の全Peerを1巡取り込む。1Peerの失敗はログして次へ進み、
// そのPeerは次のティックで再試行される。
func (p *Puller) RunOnce(ctx context.Context) error {
	peers, err := p.peerRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("Peer一覧の取得に失敗しました: %w", err)
	}

	for _, peer := range peers {
		if err := p.syncPeer(ctx, peer); err != nil {
			p.logger.Error("Peerのチェンジフィード取り込みに失敗しました",
				slog.String("portal_url", peer.PortalURL),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// syncPeer は1Peerのフィードを再開カーソルからページ送りで取り込む。
// 取り込めたエントリまでカーソルを進めるため、途中の転送失敗でも
// 次回は続きから再開できる。
func (p *Puller) syncPeer(ctx context.Context, peer *model.Peer) error {
	var since time.Time
	if peer.LastEntrySeenAt != nil {
		since = *peer.LastEntrySeenAt
	}

	applied := 0
	lastSeen := since

	pageURL := p.changesURL(peer.PortalURL, since)
	var transportErr error
	for pageURL != "" {
		entries, next, err := p.fetchPage(ctx, pageURL)
		if err != nil {
			transportErr = err
			break
		}

		for _, wire := range entries {
			if p.applyEntry(ctx, peer, wire) {
				applied++
			}
			if wire.CreatedAt.After(lastSeen) {
				lastSeen = wire.CreatedAt
			}
		}

		pageURL = next
	}

	if lastSeen.After(since) {
		if err := p.peerRepo.UpdateCursor(ctx, peer.ID, lastSeen); err != nil {
			return fmt.Errorf("再開カーソルの更新に失敗しました: %w", err)
		}
	}

	if transportErr != nil {
		return transportErr
	}

	job := &model.SyncJob{
		PeerID:         peer.ID,
		EntriesApplied: applied,
	}
	if lastSeen.After(since) {
		cursor := lastSeen
		job.CursorAfter = &cursor
	}
	if err := p.feedRepo.CreateSyncJob(ctx, job); err != nil {
		return fmt.Errorf("同期ジョブの記録に失敗しました: %w", err)
	}

	p.metrics.RecordChangeFeedEntriesApplied(applied)
	if applied > 0 {
		p.logger.Info("Peerのチェンジフィードを取り込みました",
			slog.String("portal_url", peer.PortalURL),
			slog.Int("entries_applied", applied),
		)
	}

	return nil
}

// applyEntry は1エントリを保存して適用する。戻り値は適用されたかどうか。
// 既知のエントリはスキップし、パース失敗はログして読み飛ばす。
func (p *Puller) applyEntry(ctx context.Context, peer *model.Peer, wire wireEntry) bool {
	entry := &model.ChangeFeedEntry{
		PeerID:    peer.ID,
		RemoteID:  wire.ID,
		Kind:      wire.Kind,
		Payload:   wire.Payload,
		CreatedAt: wire.CreatedAt,
	}

	if err := p.feedRepo.InsertRemote(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return false
		}
		p.logger.Error("チェンジフィードエントリの保存に失敗しました",
			slog.String("portal_url", peer.PortalURL),
			slog.String("remote_id", wire.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := p.registry.Apply(ctx, entry); err != nil {
		p.logger.Warn("チェンジフィードエントリの適用に失敗したため読み飛ばします",
			slog.String("portal_url", peer.PortalURL),
			slog.String("remote_id", wire.ID),
			slog.String("kind", string(wire.Kind)),
			slog.String("error", err.Error()),
		)
		return false
	}

	return true
}

// changesURL は最初のページのURLを組み立てる。
func (p *Puller) changesURL(portalURL string, since time.Time) string {
	q := url.Values{}
	q.Set("page", "1")
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(portalURL, "/") + "/api/changes?" + q.Encode()
}

// fetchPage は1ページ分のエントリと、次ページのURL（Link rel="next"）を返す。
func (p *Puller) fetchPage(ctx context.Context, pageURL string) ([]wireEntry, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("チェンジフィードリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("チェンジフィードの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("チェンジフィードの取得がステータス %d で失敗しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChangesPageSize))
	if err != nil {
		return nil, "", fmt.Errorf("チェンジフィードの読み取りに失敗しました: %w", err)
	}

	var entries []wireEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, "", fmt.Errorf("チェンジフィードのパースに失敗しました: %w", err)
	}

	return entries, nextLink(resp.Header.Get("Link")), nil
}

// nextLink はLinkヘッダからrel="next"のURLを取り出す。なければ空文字列。
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(segments[0]), "<>")
		for _, attr := range segments[1:] {
			if strings.TrimSpace(attr) == `rel="next"` {
				return target
			}
		}
	}
	return ""
}
