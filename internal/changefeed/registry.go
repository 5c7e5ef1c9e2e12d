package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/fedimirror/internal/model"
	"github.com/hitoshi/fedimirror/internal/repository"
)

// SourceLookup はエントリ適用時のプレースホルダ作成に使うソースAPIの
// 読み取り操作。
type SourceLookup interface {
	FetchCommunityMetadata(ctx context.Context, name string) (json.RawMessage, error)
	FetchUser(ctx context.Context, name string) (*model.SourceAccount, error)
}

// Handler はチェンジフィードエントリ1種別の適用ロジック。
type Handler interface {
	// Describe は種別の人間可読な説明を返す。
	Describe() string
	// Apply はエントリをローカルのストアへ反映する。
	Apply(ctx context.Context, entry *model.ChangeFeedEntry) error
}

// Registry は種別タグからハンドラへのディスパッチ表。
type Registry struct {
	handlers map[model.EntryKind]Handler
}

// RegistryDeps はRegistryの構築に必要な依存をまとめる。
type RegistryDeps struct {
	AccountRepo   repository.AccountRepository
	CommunityRepo repository.CommunityRepository
	InstanceRepo  repository.InstanceRepository
	PeerRepo      repository.PeerRepository
	Source        SourceLookup
	HTTPClient    *http.Client // nodeinfo取得用。SSRFガード付きを渡す。
	Logger        *slog.Logger
}

// NewRegistry は既定の3種別を登録したRegistryを生成する。
func NewRegistry(deps RegistryDeps) *Registry {
	return &Registry{
		handlers: map[model.EntryKind]Handler{
			model.EntryKindConnection: &connectionHandler{
				accounts: deps.AccountRepo,
				source:   deps.Source,
				logger:   deps.Logger,
			},
			model.EntryKindEndorsement: &endorsementHandler{
				peers:      deps.PeerRepo,
				httpClient: deps.HTTPClient,
				logger:     deps.Logger,
			},
			model.EntryKindRecommendation: &recommendationHandler{
				communities: deps.CommunityRepo,
				instances:   deps.InstanceRepo,
				source:      deps.Source,
				logger:      deps.Logger,
			},
		},
	}
}

// Apply はエントリを種別に応じたハンドラへディスパッチする。
func (r *Registry) Apply(ctx context.Context, entry *model.ChangeFeedEntry) error {
	handler, ok := r.handlers[entry.Kind]
	if !ok {
		return fmt.Errorf("未知のエントリ種別です: %s", entry.Kind)
	}
	return handler.Apply(ctx, entry)
}

// Describe は種別の説明を返す。未知の種別は空文字列。
func (r *Registry) Describe(kind model.EntryKind) string {
	if handler, ok := r.handlers[kind]; ok {
		return handler.Describe()
	}
	return ""
}

// connectionHandler はソースアカウントと連合先アクターの紐付けを反映する。
type connectionHandler struct {
	accounts repository.AccountRepository
	source   SourceLookup
	logger   *slog.Logger
}

func (h *connectionHandler) Describe() string {
	return "ソースアカウントと連合先アクターの紐付け"
}

func (h *connectionHandler) Apply(ctx context.Context, entry *model.ChangeFeedEntry) error {
	var payload model.ConnectionPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("connectionペイロードのパースに失敗しました: %w", err)
	}
	if payload.RedditUsername == "" || payload.ActorURL == "" {
		return fmt.Errorf("connectionペイロードのフィールドが不足しています")
	}

	existing, err := h.accounts.FindByUsername(ctx, payload.RedditUsername)
	if err != nil {
		return err
	}
	if existing == nil {
		// 未知のアカウント。ソースAPIからプレースホルダを作る。
		account := &model.SourceAccount{Username: payload.RedditUsername}
		if fetched, err := h.source.FetchUser(ctx, payload.RedditUsername); err != nil {
			h.logger.Warn("ソースアカウントの取得に失敗したため最小限の行を作成します",
				slog.String("username", payload.RedditUsername),
				slog.String("error", err.Error()),
			)
		} else {
			account = fetched
		}
		if _, err := h.accounts.Upsert(ctx, account); err != nil {
			return err
		}
	}

	return h.accounts.SetActorURL(ctx, payload.RedditUsername, payload.ActorURL)
}

// endorsementHandler はPeer間の推薦エッジを反映する。
type endorsementHandler struct {
	peers      repository.PeerRepository
	httpClient *http.Client
	logger     *slog.Logger
}

func (h *endorsementHandler) Describe() string {
	return "Peer間の推薦"
}

func (h *endorsementHandler) Apply(ctx context.Context, entry *model.ChangeFeedEntry) error {
	var payload model.EndorsementPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("endorsementペイロードのパースに失敗しました: %w", err)
	}
	if payload.EndorserURL == "" || payload.EndorsedURL == "" {
		return fmt.Errorf("endorsementペイロードのフィールドが不足しています")
	}

	endorser, err := h.ensurePeer(ctx, payload.EndorserURL)
	if err != nil {
		return err
	}
	endorsed, err := h.ensurePeer(ctx, payload.EndorsedURL)
	if err != nil {
		return err
	}

	err = h.peers.CreateEndorsement(ctx, &model.Endorsement{
		EndorserPeerID: endorser.ID,
		EndorsedPeerID: endorsed.ID,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil
	}
	return err
}

// ensurePeer はポータルURLのPeer行を返す。未知の場合はnodeinfoを取得して
// 登録する。nodeinfoの取得に失敗してもURLのみのプレースホルダを作る。
func (h *endorsementHandler) ensurePeer(ctx context.Context, portalURL string) (*model.Peer, error) {
	existing, err := h.peers.FindByPortalURL(ctx, portalURL)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	peer := &model.Peer{PortalURL: portalURL}
	if info, err := FetchNodeInfo(ctx, h.httpClient, portalURL); err != nil {
		h.logger.Warn("nodeinfoの取得に失敗したためプレースホルダPeerを作成します",
			slog.String("portal_url", portalURL),
			slog.String("error", err.Error()),
		)
	} else {
		peer.AcceptsCommunityRequests = info.AcceptsCommunityRequests
		peer.AllowsRedditSignup = info.AllowsRedditSignup
		peer.AllowsMirroredContent = info.AllowsMirroredContent
		peer.CreatesMirrorBots = info.CreatesMirrorBots
		peer.InstanceDomain = info.InstanceDomain
	}

	if err := h.peers.Upsert(ctx, peer); err != nil {
		return nil, err
	}
	return peer, nil
}

// recommendationHandler はソースコミュニティと連合先コミュニティの
// 推薦マッピングを反映する。両エンティティのプレースホルダを確保する。
type recommendationHandler struct {
	communities repository.CommunityRepository
	instances   repository.InstanceRepository
	source      SourceLookup
	logger      *slog.Logger
}

func (h *recommendationHandler) Describe() string {
	return "ソースコミュニティと連合先コミュニティの推薦"
}

func (h *recommendationHandler) Apply(ctx context.Context, entry *model.ChangeFeedEntry) error {
	var payload model.RecommendationPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("recommendationペイロードのパースに失敗しました: %w", err)
	}
	if payload.Subreddit == "" || payload.CommunityFQDN == "" {
		return fmt.Errorf("recommendationペイロードのフィールドが不足しています")
	}

	if err := h.ensureSourceCommunity(ctx, payload.Subreddit); err != nil {
		return err
	}
	return h.ensureDestCommunity(ctx, payload.CommunityFQDN)
}

func (h *recommendationHandler) ensureSourceCommunity(ctx context.Context, name string) error {
	existing, err := h.communities.FindByName(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	community := &model.SourceCommunity{Name: name}
	if raw, err := h.source.FetchCommunityMetadata(ctx, name); err != nil {
		h.logger.Warn("コミュニティメタデータの取得に失敗したため最小限の行を作成します",
			slog.String("community", name),
			slog.String("error", err.Error()),
		)
	} else {
		community.Metadata = raw
	}

	return h.communities.Upsert(ctx, community)
}

func (h *recommendationHandler) ensureDestCommunity(ctx context.Context, fqdn string) error {
	existing, err := h.instances.FindCommunityByFQDN(ctx, fqdn)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	name, domain, ok := strings.Cut(fqdn, "@")
	if !ok || name == "" || domain == "" {
		return fmt.Errorf("コミュニティFQDNの形式が不正です: %s", fqdn)
	}

	if err := h.instances.UpsertInstance(ctx, &model.DestinationInstance{
		Domain:   domain,
		Software: model.SoftwareLemmy,
		Status:   model.InstanceStatusActive,
	}); err != nil {
		return err
	}

	return h.instances.UpsertCommunity(ctx, &model.DestinationCommunity{
		InstanceDomain: domain,
		Name:           name,
	})
}
