package changefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/fedimirror/internal/model"
)

// --- モック定義 ---

type mockPeerRepo struct {
	findByPortalURLFunc   func(ctx context.Context, portalURL string) (*model.Peer, error)
	upsertFunc            func(ctx context.Context, peer *model.Peer) error
	listFunc              func(ctx context.Context) ([]*model.Peer, error)
	updateCursorFunc      func(ctx context.Context, peerID string, seenAt time.Time) error
	createEndorsementFunc func(ctx context.Context, endorsement *model.Endorsement) error
}

func (m *mockPeerRepo) FindByPortalURL(ctx context.Context, portalURL string) (*model.Peer, error) {
	if m.findByPortalURLFunc != nil {
		return m.findByPortalURLFunc(ctx, portalURL)
	}
	return nil, nil
}

func (m *mockPeerRepo) Upsert(ctx context.Context, peer *model.Peer) error {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, peer)
	}
	if peer.ID == "" {
		peer.ID = uuid.New().String()
	}
	return nil
}

func (m *mockPeerRepo) List(ctx context.Context) ([]*model.Peer, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx)
	}
	return nil, nil
}

func (m *mockPeerRepo) UpdateCursor(ctx context.Context, peerID string, seenAt time.Time) error {
	if m.updateCursorFunc != nil {
		return m.updateCursorFunc(ctx, peerID, seenAt)
	}
	return nil
}

func (m *mockPeerRepo) CreateEndorsement(ctx context.Context, endorsement *model.Endorsement) error {
	if m.createEndorsementFunc != nil {
		return m.createEndorsementFunc(ctx, endorsement)
	}
	return nil
}

type mockChangeFeedRepo struct {
	publishLocalFunc  func(ctx context.Context, kind model.EntryKind, payload []byte) (*model.ChangeFeedEntry, error)
	insertRemoteFunc  func(ctx context.Context, entry *model.ChangeFeedEntry) error
	listLocalFunc     func(ctx context.Context, since time.Time, page, pageSize int) ([]*model.ChangeFeedEntry, error)
	createSyncJobFunc func(ctx context.Context, job *model.SyncJob) error
}

func (m *mockChangeFeedRepo) PublishLocal(ctx context.Context, kind model.EntryKind, payload []byte) (*model.ChangeFeedEntry, error) {
	if m.publishLocalFunc != nil {
		return m.publishLocalFunc(ctx, kind, payload)
	}
	return &model.ChangeFeedEntry{ID: uuid.New().String(), Kind: kind, Payload: payload, CreatedAt: time.Now()}, nil
}

func (m *mockChangeFeedRepo) InsertRemote(ctx context.Context, entry *model.ChangeFeedEntry) error {
	if m.insertRemoteFunc != nil {
		return m.insertRemoteFunc(ctx, entry)
	}
	return nil
}

func (m *mockChangeFeedRepo) ListLocalSince(ctx context.Context, since time.Time, page, pageSize int) ([]*model.ChangeFeedEntry, error) {
	if m.listLocalFunc != nil {
		return m.listLocalFunc(ctx, since, page, pageSize)
	}
	return nil, nil
}

func (m *mockChangeFeedRepo) CreateSyncJob(ctx context.Context, job *model.SyncJob) error {
	if m.createSyncJobFunc != nil {
		return m.createSyncJobFunc(ctx, job)
	}
	return nil
}

type mockAccountRepo struct {
	findByUsernameFunc func(ctx context.Context, username string) (*model.SourceAccount, error)
	upsertFunc         func(ctx context.Context, account *model.SourceAccount) (bool, error)
	setActorURLFunc    func(ctx context.Context, username, actorURL string) error
}

func (m *mockAccountRepo) FindByUsername(ctx context.Context, username string) (*model.SourceAccount, error) {
	if m.findByUsernameFunc != nil {
		return m.findByUsernameFunc(ctx, username)
	}
	return nil, nil
}

func (m *mockAccountRepo) Upsert(ctx context.Context, account *model.SourceAccount) (bool, error) {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, account)
	}
	return true, nil
}

func (m *mockAccountRepo) SetActorURL(ctx context.Context, username, actorURL string) error {
	if m.setActorURLFunc != nil {
		return m.setActorURLFunc(ctx, username, actorURL)
	}
	return nil
}

type mockCommunityRepo struct {
	findByNameFunc  func(ctx context.Context, name string) (*model.SourceCommunity, error)
	upsertFunc      func(ctx context.Context, community *model.SourceCommunity) error
	setCategoryFunc func(ctx context.Context, name, category string) error
}

func (m *mockCommunityRepo) FindByName(ctx context.Context, name string) (*model.SourceCommunity, error) {
	if m.findByNameFunc != nil {
		return m.findByNameFunc(ctx, name)
	}
	return nil, nil
}

func (m *mockCommunityRepo) Upsert(ctx context.Context, community *model.SourceCommunity) error {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, community)
	}
	return nil
}

func (m *mockCommunityRepo) ListDueForSync(ctx context.Context, interval time.Duration, limit int) ([]*model.SourceCommunity, error) {
	return nil, nil
}

func (m *mockCommunityRepo) ListMapped(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (m *mockCommunityRepo) UpdateLastSynced(ctx context.Context, name string, at time.Time) error {
	return nil
}

func (m *mockCommunityRepo) SetHidden(ctx context.Context, name string, hidden bool) error {
	return nil
}

func (m *mockCommunityRepo) SetCategory(ctx context.Context, name, category string) error {
	if m.setCategoryFunc != nil {
		return m.setCategoryFunc(ctx, name, category)
	}
	return nil
}

type mockInstanceRepo struct {
	findInstanceFunc        func(ctx context.Context, domain string) (*model.DestinationInstance, error)
	upsertInstanceFunc      func(ctx context.Context, instance *model.DestinationInstance) error
	findCommunityByFQDNFunc func(ctx context.Context, fqdn string) (*model.DestinationCommunity, error)
	upsertCommunityFunc     func(ctx context.Context, community *model.DestinationCommunity) error
}

func (m *mockInstanceRepo) FindInstance(ctx context.Context, domain string) (*model.DestinationInstance, error) {
	if m.findInstanceFunc != nil {
		return m.findInstanceFunc(ctx, domain)
	}
	return nil, nil
}

func (m *mockInstanceRepo) UpsertInstance(ctx context.Context, instance *model.DestinationInstance) error {
	if m.upsertInstanceFunc != nil {
		return m.upsertInstanceFunc(ctx, instance)
	}
	return nil
}

func (m *mockInstanceRepo) FindCommunity(ctx context.Context, id string) (*model.DestinationCommunity, error) {
	return nil, nil
}

func (m *mockInstanceRepo) FindCommunityByFQDN(ctx context.Context, fqdn string) (*model.DestinationCommunity, error) {
	if m.findCommunityByFQDNFunc != nil {
		return m.findCommunityByFQDNFunc(ctx, fqdn)
	}
	return nil, nil
}

func (m *mockInstanceRepo) UpsertCommunity(ctx context.Context, community *model.DestinationCommunity) error {
	if m.upsertCommunityFunc != nil {
		return m.upsertCommunityFunc(ctx, community)
	}
	return nil
}

type mockChangeRequestRepo struct {
	createFunc       func(ctx context.Context, request *model.ChangeRequest) error
	findByIDFunc     func(ctx context.Context, id string) (*model.ChangeRequest, error)
	listByStatusFunc func(ctx context.Context, status model.RequestStatus) ([]*model.ChangeRequest, error)
	resolveFunc      func(ctx context.Context, id string, status model.RequestStatus, at time.Time) error
}

func (m *mockChangeRequestRepo) Create(ctx context.Context, request *model.ChangeRequest) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, request)
	}
	if request.ID == "" {
		request.ID = uuid.New().String()
	}
	request.Status = model.RequestStatusRequested
	return nil
}

func (m *mockChangeRequestRepo) FindByID(ctx context.Context, id string) (*model.ChangeRequest, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockChangeRequestRepo) ListByStatus(ctx context.Context, status model.RequestStatus) ([]*model.ChangeRequest, error) {
	if m.listByStatusFunc != nil {
		return m.listByStatusFunc(ctx, status)
	}
	return nil, nil
}

func (m *mockChangeRequestRepo) Resolve(ctx context.Context, id string, status model.RequestStatus, at time.Time) error {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, id, status, at)
	}
	return nil
}

type mockSourceLookup struct {
	fetchCommunityMetadataFunc func(ctx context.Context, name string) (json.RawMessage, error)
	fetchUserFunc              func(ctx context.Context, name string) (*model.SourceAccount, error)
}

func (m *mockSourceLookup) FetchCommunityMetadata(ctx context.Context, name string) (json.RawMessage, error) {
	if m.fetchCommunityMetadataFunc != nil {
		return m.fetchCommunityMetadataFunc(ctx, name)
	}
	return json.RawMessage(`{}`), nil
}

func (m *mockSourceLookup) FetchUser(ctx context.Context, name string) (*model.SourceAccount, error) {
	if m.fetchUserFunc != nil {
		return m.fetchUserFunc(ctx, name)
	}
	return &model.SourceAccount{Username: name}, nil
}

type mockGuard struct {
	validateURLFunc func(rawURL string) error
}

func (m *mockGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	return http.DefaultClient
}

func (m *mockGuard) ValidateURL(rawURL string) error {
	if m.validateURLFunc != nil {
		return m.validateURLFunc(rawURL)
	}
	return nil
}

type noopMetrics struct{}

func (noopMetrics) RecordSubmissionsIngested(count int) {}

func (noopMetrics) RecordCommentsIngested(count int) {}

func (noopMetrics) RecordPostMirrored(community string) {}

func (noopMetrics) RecordCommentMirrored(community string) {}

func (noopMetrics) RecordRejection(kind string) {}

func (noopMetrics) RecordMirrorFailure(kind string) {}

func (noopMetrics) RecordRateLimitHit() {}

func (noopMetrics) RecordChangeFeedEntriesApplied(count int) {}

func (noopMetrics) RecordSourceCallLatency(op string, duration time.Duration) {}

func (noopMetrics) RecordDestCallLatency(op string, duration time.Duration) {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
