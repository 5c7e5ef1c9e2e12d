package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/fedimirror/internal/changefeed"
	"github.com/hitoshi/fedimirror/internal/model"
)

// changesPageSize は/api/changesの1ページあたりのエントリ数。
const changesPageSize = 20

// maxRegisterBodySize はピア登録リクエストボディの上限サイズ。
const maxRegisterBodySize = 4 * 1024

// ChangeFeedLister はチェンジフィードエントリの読み取りインターフェース。
type ChangeFeedLister interface {
	// ListLocalSince はローカルエントリをsinceより後の作成時刻で古い順に返す。
	ListLocalSince(ctx context.Context, since time.Time, page, pageSize int) ([]*model.ChangeFeedEntry, error)
}

// PeerRegistrar はピア登録のインターフェース。
type PeerRegistrar interface {
	// RegisterPeer はポータルURLのnodeinfoを取得してPeerとして登録する。
	RegisterPeer(ctx context.Context, portalURL string) (*model.Peer, error)
}

// PeerHandlerConfig はピアAPIハンドラーの設定。
type PeerHandlerConfig struct {
	// PortalURL は自身の外部公開URL。Linkヘッダの絶対URL生成に使う。
	PortalURL string
	// NodeInfo は/api/nodeinfoで公開する自己記述。
	NodeInfo changefeed.NodeInfo
}

// PeerHandler はピア間連携APIのHTTPハンドラー。
type PeerHandler struct {
	feed      ChangeFeedLister
	registrar PeerRegistrar
	config    PeerHandlerConfig
	logger    *slog.Logger
}

// NewPeerHandler はPeerHandlerを生成する。
func NewPeerHandler(feed ChangeFeedLister, registrar PeerRegistrar, config PeerHandlerConfig, logger *slog.Logger) *PeerHandler {
	return &PeerHandler{
		feed:      feed,
		registrar: registrar,
		config:    config,
		logger:    logger,
	}
}

// changeEntryResponse は/api/changesのエントリのワイヤ表現。
type changeEntryResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// registerPeerRequest はピア登録リクエストのボディ。
type registerPeerRequest struct {
	PortalURL string `json:"portal_url"`
}

// errorResponse はピアAPIのエラーレスポンス。
type errorResponse struct {
	Error string `json:"error"`
}

// NodeInfo は自身のピア記述を返す。
// GET /api/nodeinfo
func (h *PeerHandler) NodeInfo(w http.ResponseWriter, r *http.Request) {
	info := h.config.NodeInfo
	info.PortalURL = h.config.PortalURL
	writeJSON(w, http.StatusOK, info)
}

// ListChanges はローカルのチェンジフィードエントリをページ単位で返す。
// 満杯のページを返すときは次ページへのLinkヘッダを付ける。
// GET /api/changes?page=N&since=RFC3339
func (h *PeerHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "pageは1以上の整数を指定してください"})
			return
		}
		page = parsed
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sinceはRFC3339形式で指定してください"})
			return
		}
		since = parsed
	}

	entries, err := h.feed.ListLocalSince(r.Context(), since, page, changesPageSize)
	if err != nil {
		h.logger.Error("チェンジフィードの読み取りに失敗しました",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	body := make([]changeEntryResponse, 0, len(entries))
	for _, entry := range entries {
		body = append(body, changeEntryResponse{
			ID:        entry.ID,
			Kind:      string(entry.Kind),
			Payload:   entry.Payload,
			CreatedAt: entry.CreatedAt,
		})
	}

	if len(entries) == changesPageSize {
		w.Header().Set("Link", h.nextPageLink(page+1, since))
	}
	writeJSON(w, http.StatusOK, body)
}

// nextPageLink は次ページへの絶対URLのLinkヘッダ値を組み立てる。
func (h *PeerHandler) nextPageLink(page int, since time.Time) string {
	base := strings.TrimRight(h.config.PortalURL, "/")
	next := fmt.Sprintf("%s/api/changes?page=%d", base, page)
	if !since.IsZero() {
		next += "&since=" + since.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("<%s>; rel=%q", next, "next")
}

// RegisterInstance はピアの登録申請を処理する。
// POST /api/fediverser-instances
func (h *PeerHandler) RegisterInstance(w http.ResponseWriter, r *http.Request) {
	var req registerPeerRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBodySize))
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "リクエストボディのパースに失敗しました"})
		return
	}
	if req.PortalURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "portal_urlは必須です"})
		return
	}

	peer, err := h.registrar.RegisterPeer(r.Context(), req.PortalURL)
	if err != nil {
		h.logger.Warn("ピア登録に失敗しました",
			slog.String("portal_url", req.PortalURL),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "ピア登録に失敗しました"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":         peer.ID,
		"portal_url": peer.PortalURL,
	})
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
