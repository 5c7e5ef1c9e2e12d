package changefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
	"github.com/hitoshi/fedimirror/internal/repository"
)

func testRegistry(logger *bytes.Buffer) *Registry {
	return NewRegistry(RegistryDeps{
		AccountRepo:   &mockAccountRepo{},
		CommunityRepo: &mockCommunityRepo{},
		InstanceRepo:  &mockInstanceRepo{},
		PeerRepo:      &mockPeerRepo{},
		Source:        &mockSourceLookup{},
		HTTPClient:    http.DefaultClient,
		Logger:        newTestLogger(logger),
	})
}

func TestNextLink(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{
			name:   "nextあり",
			header: `<https://peer.example.org/api/changes?page=2>; rel="next"`,
			want:   "https://peer.example.org/api/changes?page=2",
		},
		{
			name:   "複数リンクからnextを選ぶ",
			header: `<https://a/first>; rel="first", <https://a/next>; rel="next"`,
			want:   "https://a/next",
		},
		{
			name:   "nextなし",
			header: `<https://a/prev>; rel="prev"`,
			want:   "",
		},
		{
			name:   "空ヘッダ",
			header: "",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextLink(tt.header); got != tt.want {
				t.Errorf("nextLink(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestPuller_RunOnce_AppliesEntriesAndRecordsSyncJob(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	entries := []wireEntry{
		{
			ID:        "e1",
			Kind:      model.EntryKindEndorsement,
			Payload:   json.RawMessage(`{"endorser_url":"https://b.example.org","endorsed_url":"https://a.example.org"}`),
			CreatedAt: now.Add(-2 * time.Minute),
		},
		{
			ID:        "e2",
			Kind:      model.EntryKindRecommendation,
			Payload:   json.RawMessage(`{"subreddit":"x","community_fqdn":"x@b.example.org"}`),
			CreatedAt: now.Add(-time.Minute),
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/changes" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(entries)
	}))
	defer srv.Close()

	peer := &model.Peer{ID: "peer-1", PortalURL: srv.URL}
	peerRepo := &mockPeerRepo{
		listFunc: func(ctx context.Context) ([]*model.Peer, error) {
			return []*model.Peer{peer}, nil
		},
	}

	var cursorAt time.Time
	peerRepo.updateCursorFunc = func(ctx context.Context, peerID string, seenAt time.Time) error {
		if peerID != "peer-1" {
			t.Errorf("peerID = %q", peerID)
		}
		cursorAt = seenAt
		return nil
	}

	var inserted []string
	var job *model.SyncJob
	feedRepo := &mockChangeFeedRepo{
		insertRemoteFunc: func(ctx context.Context, entry *model.ChangeFeedEntry) error {
			inserted = append(inserted, entry.RemoteID)
			return nil
		},
		createSyncJobFunc: func(ctx context.Context, j *model.SyncJob) error {
			job = j
			return nil
		},
	}

	var buf bytes.Buffer
	p := NewPuller(peerRepo, feedRepo, testRegistry(&buf), http.DefaultClient, noopMetrics{}, newTestLogger(&buf))

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(inserted) != 2 || inserted[0] != "e1" || inserted[1] != "e2" {
		t.Errorf("保存されたエントリ = %v, want [e1 e2]", inserted)
	}
	if !cursorAt.Equal(entries[1].CreatedAt) {
		t.Errorf("カーソル = %v, want %v", cursorAt, entries[1].CreatedAt)
	}
	if job == nil {
		t.Fatal("SyncJobが記録されていない")
	}
	if job.PeerID != "peer-1" || job.EntriesApplied != 2 {
		t.Errorf("SyncJob = %+v", job)
	}
}

func TestPuller_RunOnce_ResumeYieldsNoDuplicates(t *testing.T) {
	cursor := time.Now().UTC().Truncate(time.Second)

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if got := r.URL.Query().Get("since"); got != cursor.Format(time.RFC3339) {
			t.Errorf("since = %q, want %q", got, cursor.Format(time.RFC3339))
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	peer := &model.Peer{ID: "peer-1", PortalURL: srv.URL, LastEntrySeenAt: &cursor}
	peerRepo := &mockPeerRepo{
		listFunc: func(ctx context.Context) ([]*model.Peer, error) {
			return []*model.Peer{peer}, nil
		},
		updateCursorFunc: func(ctx context.Context, peerID string, seenAt time.Time) error {
			t.Error("新規エントリなしでカーソルが更新された")
			return nil
		},
	}

	inserts := 0
	feedRepo := &mockChangeFeedRepo{
		insertRemoteFunc: func(ctx context.Context, entry *model.ChangeFeedEntry) error {
			inserts++
			return nil
		},
	}

	var buf bytes.Buffer
	p := NewPuller(peerRepo, feedRepo, testRegistry(&buf), http.DefaultClient, noopMetrics{}, newTestLogger(&buf))

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if requests != 1 || inserts != 0 {
		t.Errorf("requests = %d, inserts = %d", requests, inserts)
	}
}

func TestPuller_RunOnce_DuplicateEntriesAreIdempotent(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]wireEntry{{
			ID:        "e1",
			Kind:      model.EntryKindRecommendation,
			Payload:   json.RawMessage(`{"subreddit":"x","community_fqdn":"x@b.example.org"}`),
			CreatedAt: now,
		}})
	}))
	defer srv.Close()

	peerRepo := &mockPeerRepo{
		listFunc: func(ctx context.Context) ([]*model.Peer, error) {
			return []*model.Peer{{ID: "peer-1", PortalURL: srv.URL}}, nil
		},
	}

	var job *model.SyncJob
	feedRepo := &mockChangeFeedRepo{
		insertRemoteFunc: func(ctx context.Context, entry *model.ChangeFeedEntry) error {
			return repository.ErrDuplicate
		},
		createSyncJobFunc: func(ctx context.Context, j *model.SyncJob) error {
			job = j
			return nil
		},
	}

	var buf bytes.Buffer
	p := NewPuller(peerRepo, feedRepo, testRegistry(&buf), http.DefaultClient, noopMetrics{}, newTestLogger(&buf))

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if job == nil {
		t.Fatal("SyncJobが記録されていない")
	}
	if job.EntriesApplied != 0 {
		t.Errorf("EntriesApplied = %d, want 0", job.EntriesApplied)
	}
}

func TestPuller_RunOnce_FollowsLinkHeader(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch page {
		case "1", "":
			w.Header().Set("Link", fmt.Sprintf("<%s/api/changes?page=2>; rel=%q", srv.URL, "next"))
			json.NewEncoder(w).Encode([]wireEntry{{
				ID: "e1", Kind: model.EntryKindRecommendation,
				Payload:   json.RawMessage(`{"subreddit":"x","community_fqdn":"x@b.example.org"}`),
				CreatedAt: now.Add(-time.Minute),
			}})
		case "2":
			json.NewEncoder(w).Encode([]wireEntry{{
				ID: "e2", Kind: model.EntryKindRecommendation,
				Payload:   json.RawMessage(`{"subreddit":"y","community_fqdn":"y@b.example.org"}`),
				CreatedAt: now,
			}})
		}
	}))
	defer srv.Close()

	peerRepo := &mockPeerRepo{
		listFunc: func(ctx context.Context) ([]*model.Peer, error) {
			return []*model.Peer{{ID: "peer-1", PortalURL: srv.URL}}, nil
		},
	}

	var inserted []string
	feedRepo := &mockChangeFeedRepo{
		insertRemoteFunc: func(ctx context.Context, entry *model.ChangeFeedEntry) error {
			inserted = append(inserted, entry.RemoteID)
			return nil
		},
	}

	var buf bytes.Buffer
	p := NewPuller(peerRepo, feedRepo, testRegistry(&buf), http.DefaultClient, noopMetrics{}, newTestLogger(&buf))

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(inserted) != 2 || inserted[0] != "e1" || inserted[1] != "e2" {
		t.Errorf("保存されたエントリ = %v, want [e1 e2]", inserted)
	}
}

func TestPuller_RunOnce_TransportFailureKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	peerRepo := &mockPeerRepo{
		listFunc: func(ctx context.Context) ([]*model.Peer, error) {
			return []*model.Peer{{ID: "peer-1", PortalURL: srv.URL}}, nil
		},
	}
	jobRecorded := false
	feedRepo := &mockChangeFeedRepo{
		createSyncJobFunc: func(ctx context.Context, job *model.SyncJob) error {
			jobRecorded = true
			return nil
		},
	}

	var buf bytes.Buffer
	p := NewPuller(peerRepo, feedRepo, testRegistry(&buf), http.DefaultClient, noopMetrics{}, newTestLogger(&buf))

	// Peer単位の失敗はRunOnce全体を失敗させない
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if jobRecorded {
		t.Error("転送失敗なのにSyncJobが記録された")
	}
	if !bytes.Contains(buf.Bytes(), []byte("取り込みに失敗しました")) {
		t.Error("失敗ログが出力されていない")
	}
}
