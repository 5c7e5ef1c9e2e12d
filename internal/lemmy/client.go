// Package lemmy は連合先ネットワーク（Lemmy）の書き込みクライアントを提供する。
// 投稿・コメントの作成、画像アップロード、コミュニティ解決、ミラーボット登録を行い、
// スロットリング通知をErrRateLimitedとして区別して伝搬する。
package lemmy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hitoshi/fedimirror/internal/model"
)

// rateLimitMarker は連合先のエラーペイロードに含まれるスロットリングの目印。
const rateLimitMarker = "rate_limit"

// ErrMalformedUpload は画像アップロードのレスポンスにファイル名が
// 含まれていなかったことを表す。呼び出し元は対象の投稿を拒否する。
var ErrMalformedUpload = errors.New("アップロードレスポンスが不正です")

// Credentials は連合先アクターの認証情報。
type Credentials struct {
	Username string
	Password string
}

// Client は連合先APIのクライアント。
// アクターごとにログインで得たJWTをキャッシュし、Authorizationヘッダで送る。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string // 例: https://lemmy.example.org

	mu       sync.Mutex
	sessions map[string]string // username → JWT
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		sessions:   make(map[string]string),
	}
}

// classify はHTTPステータスとボディからエラーを分類する。
// 429またはrate_limitマーカーはErrRateLimited、それ以外はDestError。
func classify(op string, statusCode int, body []byte) error {
	if statusCode == http.StatusTooManyRequests || strings.Contains(string(body), rateLimitMarker) {
		return fmt.Errorf("%s: %w", op, model.ErrRateLimited)
	}

	// Lemmyのエラーレスポンスは {"error": "..."} 形式
	var errBody struct {
		Error string `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(body, &errBody); err == nil {
		message = errBody.Error
	}
	if message == "" {
		message = fmt.Sprintf("ステータス %d", statusCode)
	}
	return &model.DestError{Op: op, Message: message}
}

// login は指定アクターでログインしJWTを取得する。
func (c *Client) login(ctx context.Context, creds Credentials) (string, error) {
	const op = "login"

	payload, err := json.Marshal(map[string]string{
		"username_or_email": creds.Username,
		"password":          creds.Password,
	})
	if err != nil {
		return "", fmt.Errorf("ログインペイロードの作成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/user/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ログインリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &model.DestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &model.DestError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", classify(op, resp.StatusCode, body)
	}

	var result struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &model.DestError{Op: op, Err: fmt.Errorf("ログインレスポンスのパースに失敗しました: %w", err)}
	}
	if result.JWT == "" {
		return "", &model.DestError{Op: op, Message: "ログインレスポンスにjwtが含まれていません"}
	}

	return result.JWT, nil
}

// session はアクターのJWTをキャッシュから返す。なければログインする。
func (c *Client) session(ctx context.Context, creds Credentials) (string, error) {
	c.mu.Lock()
	jwt, ok := c.sessions[creds.Username]
	c.mu.Unlock()
	if ok {
		return jwt, nil
	}

	jwt, err := c.login(ctx, creds)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessions[creds.Username] = jwt
	c.mu.Unlock()

	return jwt, nil
}

// dropSession はアクターのキャッシュ済みJWTを破棄する。
// 認証エラー時に次回の呼び出しで再ログインさせる。
func (c *Client) dropSession(username string) {
	c.mu.Lock()
	delete(c.sessions, username)
	c.mu.Unlock()
}

// postJSON は認証付きPOSTを実行し、成功時のボディを返す。
func (c *Client) postJSON(ctx context.Context, op, path string, creds Credentials, payload any) ([]byte, error) {
	jwt, err := c.session(ctx, creds)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ペイロードの作成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &model.DestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.DestError{Op: op, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.dropSession(creds.Username)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classify(op, resp.StatusCode, body)
	}

	return body, nil
}

// PostRequest はcreate_postの入力。
type PostRequest struct {
	CommunityID int64
	Title       string
	Body        string
	URL         string
	NSFW        bool
	LanguageID  int
}

// CreatePost は連合先コミュニティに投稿を作成し、発行されたpost_idを返す。
func (c *Client) CreatePost(ctx context.Context, creds Credentials, req PostRequest) (int64, error) {
	const op = "create_post"

	payload := map[string]any{
		"community_id": req.CommunityID,
		"name":         req.Title,
		"nsfw":         req.NSFW,
		"language_id":  req.LanguageID,
	}
	if req.Body != "" {
		payload["body"] = req.Body
	}
	if req.URL != "" {
		payload["url"] = req.URL
	}

	body, err := c.postJSON(ctx, op, "/api/v3/post", creds, payload)
	if err != nil {
		return 0, err
	}

	var result struct {
		PostView struct {
			Post struct {
				ID int64 `json:"id"`
			} `json:"post"`
		} `json:"post_view"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, &model.DestError{Op: op, Err: fmt.Errorf("レスポンスのパースに失敗しました: %w", err)}
	}
	if result.PostView.Post.ID == 0 {
		return 0, &model.DestError{Op: op, Message: "レスポンスにpost idが含まれていません"}
	}

	return result.PostView.Post.ID, nil
}

// CommentRequest はcreate_commentの入力。ParentIDが0の場合はトップレベル。
type CommentRequest struct {
	PostID     int64
	Content    string
	LanguageID int
	ParentID   int64
}

// CreateComment は連合先の投稿にコメントを作成し、発行されたcomment_idを返す。
func (c *Client) CreateComment(ctx context.Context, creds Credentials, req CommentRequest) (int64, error) {
	const op = "create_comment"

	payload := map[string]any{
		"post_id":     req.PostID,
		"content":     req.Content,
		"language_id": req.LanguageID,
	}
	if req.ParentID != 0 {
		payload["parent_id"] = req.ParentID
	}

	body, err := c.postJSON(ctx, op, "/api/v3/comment", creds, payload)
	if err != nil {
		return 0, err
	}

	var result struct {
		CommentView struct {
			Comment struct {
				ID int64 `json:"id"`
			} `json:"comment"`
		} `json:"comment_view"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, &model.DestError{Op: op, Err: fmt.Errorf("レスポンスのパースに失敗しました: %w", err)}
	}
	if result.CommentView.Comment.ID == 0 {
		return 0, &model.DestError{Op: op, Message: "レスポンスにcomment idが含まれていません"}
	}

	return result.CommentView.Comment.ID, nil
}

// UploadImage は画像をpictrsにアップロードし、ホスト済みURLを返す。
// レスポンスのfiles[0].fileが空の場合はエラーとなる（呼び出し元は投稿を拒否する）。
func (c *Client) UploadImage(ctx context.Context, creds Credentials, data []byte, filename string) (string, error) {
	const op = "upload_image"

	jwt, err := c.session(ctx, creds)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("images[]", filename)
	if err != nil {
		return "", fmt.Errorf("マルチパートの作成に失敗しました: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("画像データの書き込みに失敗しました: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("マルチパートのクローズに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pictrs/image", &buf)
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &model.DestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &model.DestError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classify(op, resp.StatusCode, body)
	}

	var result struct {
		Files []struct {
			File string `json:"file"`
		} `json:"files"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &model.DestError{Op: op, Err: fmt.Errorf("レスポンスのパースに失敗しました: %w", err)}
	}
	if len(result.Files) == 0 || result.Files[0].File == "" {
		return "", fmt.Errorf("%s: %w", op, ErrMalformedUpload)
	}

	return c.baseURL + "/pictrs/image/" + result.Files[0].File, nil
}

// DiscoverCommunity はname@host形式のFQDNからコミュニティIDを解決する。
func (c *Client) DiscoverCommunity(ctx context.Context, fqdn string) (int64, error) {
	const op = "discover_community"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v3/community?name="+url.QueryEscape(fqdn), nil)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &model.DestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &model.DestError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, classify(op, resp.StatusCode, body)
	}

	var result struct {
		CommunityView struct {
			Community struct {
				ID int64 `json:"id"`
			} `json:"community"`
		} `json:"community_view"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, &model.DestError{Op: op, Err: fmt.Errorf("レスポンスのパースに失敗しました: %w", err)}
	}
	if result.CommunityView.Community.ID == 0 {
		return 0, &model.DestError{Op: op, Message: fmt.Sprintf("コミュニティ %s が見つかりません", fqdn)}
	}

	return result.CommunityView.Community.ID, nil
}

// RegisterUser はミラーボット用のローカルユーザーを登録する。
func (c *Client) RegisterUser(ctx context.Context, username, password string, isBot bool) error {
	const op = "register_user"

	payload, err := json.Marshal(map[string]any{
		"username":        username,
		"password":        password,
		"password_verify": password,
		"show_nsfw":       false,
		"bot_account":     isBot,
	})
	if err != nil {
		return fmt.Errorf("ペイロードの作成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/user/register", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &model.DestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.DestError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return classify(op, resp.StatusCode, body)
	}

	return nil
}
