package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fedimirror/internal/model"
	"github.com/hitoshi/fedimirror/internal/repository"
	"github.com/hitoshi/fedimirror/internal/security"
)

// Service はPeerの登録とローカルエントリの公開を担う。
// ローカルエントリはピアが /api/changes で読み取る追記専用の列になる。
type Service struct {
	peerRepo   repository.PeerRepository
	feedRepo   repository.ChangeFeedRepository
	guard      security.SSRFGuardService
	httpClient *http.Client
	logger     *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	peerRepo repository.PeerRepository,
	feedRepo repository.ChangeFeedRepository,
	guard security.SSRFGuardService,
	httpClient *http.Client,
	logger *slog.Logger,
) *Service {
	return &Service{
		peerRepo:   peerRepo,
		feedRepo:   feedRepo,
		guard:      guard,
		httpClient: httpClient,
		logger:     logger,
	}
}

// RegisterPeer はポータルURLのnodeinfoを取得してPeerとして登録する。
// 既知のPeerは挙動フラグが更新される。
func (s *Service) RegisterPeer(ctx context.Context, portalURL string) (*model.Peer, error) {
	if err := s.guard.ValidateURL(portalURL); err != nil {
		return nil, fmt.Errorf("ポータルURLの検証に失敗しました: %w", err)
	}

	info, err := FetchNodeInfo(ctx, s.httpClient, portalURL)
	if err != nil {
		return nil, err
	}

	peer := &model.Peer{
		PortalURL:                portalURL,
		AcceptsCommunityRequests: info.AcceptsCommunityRequests,
		AllowsRedditSignup:       info.AllowsRedditSignup,
		AllowsMirroredContent:    info.AllowsMirroredContent,
		CreatesMirrorBots:        info.CreatesMirrorBots,
		InstanceDomain:           info.InstanceDomain,
	}
	if err := s.peerRepo.Upsert(ctx, peer); err != nil {
		return nil, err
	}

	s.logger.Info("Peerを登録しました",
		slog.String("portal_url", portalURL),
	)
	return peer, nil
}

// PublishConnection はソースアカウントと連合先アクターの紐付けを公開する。
func (s *Service) PublishConnection(ctx context.Context, redditUsername, actorURL string) (*model.ChangeFeedEntry, error) {
	return s.publish(ctx, model.EntryKindConnection, model.ConnectionPayload{
		RedditUsername: redditUsername,
		ActorURL:       actorURL,
	})
}

// PublishEndorsement はPeer間の推薦を公開する。
func (s *Service) PublishEndorsement(ctx context.Context, endorserURL, endorsedURL string) (*model.ChangeFeedEntry, error) {
	return s.publish(ctx, model.EntryKindEndorsement, model.EndorsementPayload{
		EndorserURL: endorserURL,
		EndorsedURL: endorsedURL,
	})
}

// PublishRecommendation はソースコミュニティと連合先コミュニティの
// 推薦マッピングを公開する。
func (s *Service) PublishRecommendation(ctx context.Context, subreddit, communityFQDN string) (*model.ChangeFeedEntry, error) {
	return s.publish(ctx, model.EntryKindRecommendation, model.RecommendationPayload{
		Subreddit:     subreddit,
		CommunityFQDN: communityFQDN,
	})
}

func (s *Service) publish(ctx context.Context, kind model.EntryKind, payload any) (*model.ChangeFeedEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗しました: %w", err)
	}

	entry, err := s.feedRepo.PublishLocal(ctx, kind, raw)
	if err != nil {
		return nil, err
	}

	s.logger.Info("チェンジフィードエントリを公開しました",
		slog.String("kind", string(kind)),
		slog.String("entry_id", entry.ID),
	)
	return entry, nil
}
