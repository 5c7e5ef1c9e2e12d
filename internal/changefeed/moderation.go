package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
	"github.com/hitoshi/fedimirror/internal/repository"
)

// Moderation はポータル利用者からのモデレーション提案を管理する。
// 提案は種別タグ付きのバリアントとして保存され、受理時に対応する
// 変更がストアへ適用される。却下は終端状態への遷移のみを行う。
type Moderation struct {
	requests    repository.ChangeRequestRepository
	communities repository.CommunityRepository
	instances   repository.InstanceRepository
	publisher   *Service
	logger      *slog.Logger

	now func() time.Time
}

// NewModeration はModerationの新しいインスタンスを生成する。
func NewModeration(
	requests repository.ChangeRequestRepository,
	communities repository.CommunityRepository,
	instances repository.InstanceRepository,
	publisher *Service,
	logger *slog.Logger,
) *Moderation {
	return &Moderation{
		requests:    requests,
		communities: communities,
		instances:   instances,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
	}
}

// Submit は提案をrequested状態で受け付ける。
func (m *Moderation) Submit(ctx context.Context, requester string, kind model.RequestKind, payload any) (*model.ChangeRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("提案ペイロードのシリアライズに失敗しました: %w", err)
	}

	request := &model.ChangeRequest{
		Requester: requester,
		Kind:      kind,
		Payload:   raw,
	}
	if err := m.requests.Create(ctx, request); err != nil {
		return nil, err
	}

	m.logger.Info("モデレーション提案を受け付けました",
		slog.String("request_id", request.ID),
		slog.String("kind", string(kind)),
		slog.String("requester", requester),
	)
	return request, nil
}

// ListPending は審査待ちの提案を古い順に返す。
func (m *Moderation) ListPending(ctx context.Context) ([]*model.ChangeRequest, error) {
	return m.requests.ListByStatus(ctx, model.RequestStatusRequested)
}

// Accept は提案を受理し、種別に応じた変更をストアへ適用する。
// 適用に失敗した場合、提案はrequestedのまま残る。
func (m *Moderation) Accept(ctx context.Context, id string) error {
	request, err := m.requests.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if request == nil {
		return fmt.Errorf("提案が存在しません: %s", id)
	}
	if request.Status != model.RequestStatusRequested {
		return fmt.Errorf("提案は既に解決済みです: %s", id)
	}

	if err := m.apply(ctx, request); err != nil {
		return fmt.Errorf("提案の適用に失敗しました: %w", err)
	}

	if err := m.requests.Resolve(ctx, id, model.RequestStatusAccepted, m.now()); err != nil {
		return err
	}

	m.logger.Info("モデレーション提案を受理しました",
		slog.String("request_id", id),
		slog.String("kind", string(request.Kind)),
	)
	return nil
}

// Reject は提案を却下する。ストアへの変更は行わない。
func (m *Moderation) Reject(ctx context.Context, id string) error {
	if err := m.requests.Resolve(ctx, id, model.RequestStatusRejected, m.now()); err != nil {
		return err
	}

	m.logger.Info("モデレーション提案を却下しました",
		slog.String("request_id", id),
	)
	return nil
}

// AcceptAll は審査待ちの全提案を順に受理する。行単位で分離し、
// 1件の失敗は記録して次の提案へ進む。戻り値は受理件数。
func (m *Moderation) AcceptAll(ctx context.Context) (int, error) {
	pending, err := m.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	accepted := 0
	for _, request := range pending {
		if err := m.Accept(ctx, request.ID); err != nil {
			m.logger.Error("提案の受理に失敗しました",
				slog.String("request_id", request.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		accepted++
	}

	return accepted, nil
}

// apply は提案の種別ごとの変更を実行する。
func (m *Moderation) apply(ctx context.Context, request *model.ChangeRequest) error {
	switch request.Kind {
	case model.RequestKindSetCategory:
		var payload model.SetCategoryPayload
		if err := json.Unmarshal(request.Payload, &payload); err != nil {
			return fmt.Errorf("set-categoryペイロードのパースに失敗しました: %w", err)
		}
		return m.communities.SetCategory(ctx, payload.Target, payload.Category)

	case model.RequestKindSetStatus:
		var payload model.SetStatusPayload
		if err := json.Unmarshal(request.Payload, &payload); err != nil {
			return fmt.Errorf("set-statusペイロードのパースに失敗しました: %w", err)
		}
		instance, err := m.instances.FindInstance(ctx, payload.Target)
		if err != nil {
			return err
		}
		if instance == nil {
			return fmt.Errorf("連合先インスタンスが存在しません: %s", payload.Target)
		}
		instance.Status = model.InstanceStatus(payload.Status)
		return m.instances.UpsertInstance(ctx, instance)

	case model.RequestKindSuggestAlternative:
		var payload model.SuggestAlternativePayload
		if err := json.Unmarshal(request.Payload, &payload); err != nil {
			return fmt.Errorf("suggest-alternativeペイロードのパースに失敗しました: %w", err)
		}
		// 受理された代替提案は推薦としてチェンジフィードに公開する
		_, err := m.publisher.PublishRecommendation(ctx, payload.Subreddit, payload.CommunityFQDN)
		return err

	case model.RequestKindAmbassador:
		// 応募の受理は状態遷移のみ。外部への変更はない。
		return nil

	default:
		return fmt.Errorf("未知の提案種別です: %s", request.Kind)
	}
}
