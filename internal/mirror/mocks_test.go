package mirror

import (
	"context"
	"time"

	"github.com/hitoshi/fedimirror/internal/lemmy"
	"github.com/hitoshi/fedimirror/internal/model"
)

// --- モック定義 ---

// mockSubmissionRepo はSubmissionRepositoryのテスト用モック。
type mockSubmissionRepo struct {
	findByIDFunc       func(ctx context.Context, id string) (*model.SourceSubmission, error)
	upsertFunc         func(ctx context.Context, submission *model.SourceSubmission) error
	listEligibleFunc   func(ctx context.Context, maxAge time.Duration) ([]*model.SourceSubmission, error)
	updateStatusFunc   func(ctx context.Context, id string, status model.ItemStatus) error
	rejectStaleFunc    func(ctx context.Context, grace time.Duration) (int64, error)
	latestPostedAtFunc func(ctx context.Context, community string) (time.Time, error)
}

func (m *mockSubmissionRepo) FindByID(ctx context.Context, id string) (*model.SourceSubmission, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockSubmissionRepo) Upsert(ctx context.Context, submission *model.SourceSubmission) error {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, submission)
	}
	return nil
}

func (m *mockSubmissionRepo) ListEligible(ctx context.Context, maxAge time.Duration) ([]*model.SourceSubmission, error) {
	if m.listEligibleFunc != nil {
		return m.listEligibleFunc(ctx, maxAge)
	}
	return nil, nil
}

func (m *mockSubmissionRepo) UpdateStatus(ctx context.Context, id string, status model.ItemStatus) error {
	if m.updateStatusFunc != nil {
		return m.updateStatusFunc(ctx, id, status)
	}
	return nil
}

func (m *mockSubmissionRepo) RejectStale(ctx context.Context, grace time.Duration) (int64, error) {
	if m.rejectStaleFunc != nil {
		return m.rejectStaleFunc(ctx, grace)
	}
	return 0, nil
}

func (m *mockSubmissionRepo) LatestPostedAt(ctx context.Context, community string) (time.Time, error) {
	if m.latestPostedAtFunc != nil {
		return m.latestPostedAtFunc(ctx, community)
	}
	return time.Time{}, nil
}

// mockCommentRepo はCommentRepositoryのテスト用モック。
type mockCommentRepo struct {
	findByIDFunc     func(ctx context.Context, id string) (*model.SourceComment, error)
	upsertFunc       func(ctx context.Context, comment *model.SourceComment) error
	listReadyFunc    func(ctx context.Context, community string, since time.Time, maxAge time.Duration) ([]*model.SourceComment, error)
	updateStatusFunc func(ctx context.Context, id string, status model.ItemStatus) error
	rejectStaleFunc  func(ctx context.Context, grace time.Duration) (int64, error)
}

func (m *mockCommentRepo) FindByID(ctx context.Context, id string) (*model.SourceComment, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockCommentRepo) Upsert(ctx context.Context, comment *model.SourceComment) error {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, comment)
	}
	return nil
}

func (m *mockCommentRepo) ListReady(ctx context.Context, community string, since time.Time, maxAge time.Duration) ([]*model.SourceComment, error) {
	if m.listReadyFunc != nil {
		return m.listReadyFunc(ctx, community, since, maxAge)
	}
	return nil, nil
}

func (m *mockCommentRepo) UpdateStatus(ctx context.Context, id string, status model.ItemStatus) error {
	if m.updateStatusFunc != nil {
		return m.updateStatusFunc(ctx, id, status)
	}
	return nil
}

func (m *mockCommentRepo) RejectStale(ctx context.Context, grace time.Duration) (int64, error) {
	if m.rejectStaleFunc != nil {
		return m.rejectStaleFunc(ctx, grace)
	}
	return 0, nil
}

// mockStrategyRepo はStrategyRepositoryのテスト用モック。
type mockStrategyRepo struct {
	listBySourceCommunityFunc func(ctx context.Context, sourceCommunity string) ([]*model.MirrorStrategy, error)
	listCommentMirroringFunc  func(ctx context.Context) ([]string, error)
	upsertFunc                func(ctx context.Context, strategy *model.MirrorStrategy) error
}

func (m *mockStrategyRepo) ListBySourceCommunity(ctx context.Context, sourceCommunity string) ([]*model.MirrorStrategy, error) {
	if m.listBySourceCommunityFunc != nil {
		return m.listBySourceCommunityFunc(ctx, sourceCommunity)
	}
	return nil, nil
}

func (m *mockStrategyRepo) ListCommentMirroring(ctx context.Context) ([]string, error) {
	if m.listCommentMirroringFunc != nil {
		return m.listCommentMirroringFunc(ctx)
	}
	return nil, nil
}

func (m *mockStrategyRepo) Upsert(ctx context.Context, strategy *model.MirrorStrategy) error {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, strategy)
	}
	return nil
}

// mockInstanceRepo はInstanceRepositoryのテスト用モック。
type mockInstanceRepo struct {
	findInstanceFunc        func(ctx context.Context, domain string) (*model.DestinationInstance, error)
	upsertInstanceFunc      func(ctx context.Context, instance *model.DestinationInstance) error
	findCommunityFunc       func(ctx context.Context, id string) (*model.DestinationCommunity, error)
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
	if m.findCommunityFunc != nil {
		return m.findCommunityFunc(ctx, id)
	}
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

// mockAccountRepo はAccountRepositoryのテスト用モック。
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
	return false, nil
}

func (m *mockAccountRepo) SetActorURL(ctx context.Context, username, actorURL string) error {
	if m.setActorURLFunc != nil {
		return m.setActorURLFunc(ctx, username, actorURL)
	}
	return nil
}

// mockMirrorRepo はMirrorRepositoryのテスト用モック。
type mockMirrorRepo struct {
	createMirroredPostFunc      func(ctx context.Context, post *model.MirroredPost) error
	createMirroredCommentFunc   func(ctx context.Context, comment *model.MirroredComment) error
	listBySubmissionFunc        func(ctx context.Context, submissionID string) ([]*model.MirroredPost, error)
	existsForCommunityFunc      func(ctx context.Context, submissionID, destCommunityID string) (bool, error)
	existsURLInCommunityFunc    func(ctx context.Context, url, destCommunityID string) (bool, error)
	countMirroredSinceFunc      func(ctx context.Context, sourceCommunity, destCommunityID string, since time.Time) (int, error)
	findMirroredCommentFunc     func(ctx context.Context, commentID, mirroredPostID string) (*model.MirroredComment, error)
	latestCommentMirroredAtFunc func(ctx context.Context, community string) (time.Time, error)
}

func (m *mockMirrorRepo) CreateMirroredPost(ctx context.Context, post *model.MirroredPost) error {
	if m.createMirroredPostFunc != nil {
		return m.createMirroredPostFunc(ctx, post)
	}
	return nil
}

func (m *mockMirrorRepo) CreateMirroredComment(ctx context.Context, comment *model.MirroredComment) error {
	if m.createMirroredCommentFunc != nil {
		return m.createMirroredCommentFunc(ctx, comment)
	}
	return nil
}

func (m *mockMirrorRepo) ListBySubmission(ctx context.Context, submissionID string) ([]*model.MirroredPost, error) {
	if m.listBySubmissionFunc != nil {
		return m.listBySubmissionFunc(ctx, submissionID)
	}
	return nil, nil
}

func (m *mockMirrorRepo) ExistsForCommunity(ctx context.Context, submissionID, destCommunityID string) (bool, error) {
	if m.existsForCommunityFunc != nil {
		return m.existsForCommunityFunc(ctx, submissionID, destCommunityID)
	}
	return false, nil
}

func (m *mockMirrorRepo) ExistsURLInCommunity(ctx context.Context, url, destCommunityID string) (bool, error) {
	if m.existsURLInCommunityFunc != nil {
		return m.existsURLInCommunityFunc(ctx, url, destCommunityID)
	}
	return false, nil
}

func (m *mockMirrorRepo) CountMirroredSince(ctx context.Context, sourceCommunity, destCommunityID string, since time.Time) (int, error) {
	if m.countMirroredSinceFunc != nil {
		return m.countMirroredSinceFunc(ctx, sourceCommunity, destCommunityID, since)
	}
	return 0, nil
}

func (m *mockMirrorRepo) FindMirroredComment(ctx context.Context, commentID, mirroredPostID string) (*model.MirroredComment, error) {
	if m.findMirroredCommentFunc != nil {
		return m.findMirroredCommentFunc(ctx, commentID, mirroredPostID)
	}
	return nil, nil
}

func (m *mockMirrorRepo) LatestCommentMirroredAt(ctx context.Context, community string) (time.Time, error) {
	if m.latestCommentMirroredAtFunc != nil {
		return m.latestCommentMirroredAtFunc(ctx, community)
	}
	return time.Time{}, nil
}

// mockDestClient はDestinationClientのテスト用モック。
type mockDestClient struct {
	createPostFunc        func(ctx context.Context, creds lemmy.Credentials, req lemmy.PostRequest) (int64, error)
	createCommentFunc     func(ctx context.Context, creds lemmy.Credentials, req lemmy.CommentRequest) (int64, error)
	uploadImageFunc       func(ctx context.Context, creds lemmy.Credentials, data []byte, filename string) (string, error)
	discoverCommunityFunc func(ctx context.Context, fqdn string) (int64, error)
}

func (m *mockDestClient) CreatePost(ctx context.Context, creds lemmy.Credentials, req lemmy.PostRequest) (int64, error) {
	if m.createPostFunc != nil {
		return m.createPostFunc(ctx, creds, req)
	}
	return 1, nil
}

func (m *mockDestClient) CreateComment(ctx context.Context, creds lemmy.Credentials, req lemmy.CommentRequest) (int64, error) {
	if m.createCommentFunc != nil {
		return m.createCommentFunc(ctx, creds, req)
	}
	return 1, nil
}

func (m *mockDestClient) UploadImage(ctx context.Context, creds lemmy.Credentials, data []byte, filename string) (string, error) {
	if m.uploadImageFunc != nil {
		return m.uploadImageFunc(ctx, creds, data, filename)
	}
	return "https://dest.example.org/pictrs/image/x.jpg", nil
}

func (m *mockDestClient) DiscoverCommunity(ctx context.Context, fqdn string) (int64, error) {
	if m.discoverCommunityFunc != nil {
		return m.discoverCommunityFunc(ctx, fqdn)
	}
	return 7, nil
}

// mockSanitizer は入力をそのまま通すContentSanitizerServiceのテスト用モック。
type mockSanitizer struct{}

func (mockSanitizer) Sanitize(rawHTML string) string { return rawHTML }

// mockMetrics はMetricsCollectorのテスト用モック。記録回数だけ数える。
type mockMetrics struct {
	rejections     int
	failures       int
	rateLimitHits  int
	postsMirrored  int
	commentsMirror int
}

func (m *mockMetrics) RecordSubmissionsIngested(count int) {}

func (m *mockMetrics) RecordCommentsIngested(count int) {}

func (m *mockMetrics) RecordPostMirrored(community string) { m.postsMirrored++ }

func (m *mockMetrics) RecordCommentMirrored(community string) { m.commentsMirror++ }

func (m *mockMetrics) RecordRejection(kind string) { m.rejections++ }

func (m *mockMetrics) RecordMirrorFailure(kind string) { m.failures++ }

func (m *mockMetrics) RecordRateLimitHit() { m.rateLimitHits++ }

func (m *mockMetrics) RecordChangeFeedEntriesApplied(count int) {}

func (m *mockMetrics) RecordSourceCallLatency(op string, duration time.Duration) {}

func (m *mockMetrics) RecordDestCallLatency(op string, duration time.Duration) {}
