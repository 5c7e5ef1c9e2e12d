package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/fedimirror/internal/model"
)

const (
	// defaultAuthEndpoint はOAuth2トークン発行エンドポイント。
	defaultAuthEndpoint = "https://www.reddit.com/api/v1/access_token"
	// defaultAPIEndpoint は認証済みAPIのベースURL。
	defaultAPIEndpoint = "https://oauth.reddit.com"
	// listLimit は1リクエストあたりの最大取得件数。
	listLimit = 100
	// tokenExpiryMargin はトークン失効の手前で再取得するマージン。
	tokenExpiryMargin = 60 * time.Second
)

// Client はソースネットワークAPIのクライアント。
// client credentialsグラントで取得したトークンをキャッシュし、
// 失効マージンを切ったら自動的に再取得する。
type Client struct {
	httpClient   *http.Client
	logger       *slog.Logger
	clientID     string
	clientSecret string
	userAgent    string
	refreshToken string

	authEndpoint string // テスト用にエンドポイントを差し替え可能
	apiEndpoint  string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, clientID, clientSecret, userAgent, refreshToken string) *Client {
	return &Client{
		httpClient:   httpClient,
		logger:       logger,
		clientID:     clientID,
		clientSecret: clientSecret,
		userAgent:    userAgent,
		refreshToken: refreshToken,
		authEndpoint: defaultAuthEndpoint,
		apiEndpoint:  defaultAPIEndpoint,
	}
}

// tokenResponse はOAuth2トークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// token はキャッシュ済みトークンを返す。失効間近の場合は再取得する。
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > tokenExpiryMargin {
		return c.accessToken, nil
	}

	form := url.Values{}
	if c.refreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", c.refreshToken)
	} else {
		form.Set("grant_type", "client_credentials")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("トークンリクエストの作成に失敗しました: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("トークンの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("トークンエンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("トークンレスポンスのパースに失敗しました: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("トークンレスポンスにaccess_tokenが含まれていません")
	}

	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	return c.accessToken, nil
}

// get は認証ヘッダ付きGETを実行し、HTTPステータスを失敗分類に変換する。
// 成功時は呼び出し元がクローズすべきボディを返す。
func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, err)
	}

	reqURL := c.apiEndpoint + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, model.NewSourceError(model.SourceErrNotFound, op, fmt.Errorf("ステータス %d", resp.StatusCode))
	case http.StatusForbidden:
		return nil, model.NewSourceError(model.SourceErrForbidden, op, fmt.Errorf("ステータス %d", resp.StatusCode))
	case http.StatusUnavailableForLegalReasons:
		return nil, model.NewSourceError(model.SourceErrLegallyUnavailable, op, fmt.Errorf("ステータス %d", resp.StatusCode))
	default:
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("ステータス %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}
	return body, nil
}

// ListNew はコミュニティの新着投稿を新しい順に取得する。
// beforeにフルネーム（t3_xxx）を渡すとそれより新しい投稿に限定する。
func (c *Client) ListNew(ctx context.Context, community, before string) ([]*model.SourceSubmission, error) {
	const op = "list_new"

	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", listLimit))
	if before != "" {
		q.Set("before", before)
	}

	body, err := c.get(ctx, op, "/r/"+url.PathEscape(community)+"/new.json", q)
	if err != nil {
		return nil, err
	}

	var envelope thing
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}

	var lst listing
	if err := json.Unmarshal(envelope.Data, &lst); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("リスティングのパースに失敗しました: %w", err))
	}

	var submissions []*model.SourceSubmission
	for _, child := range lst.Children {
		if child.Kind != "t3" {
			continue
		}
		var d submissionData
		if err := json.Unmarshal(child.Data, &d); err != nil {
			c.logger.Warn("投稿のパースに失敗したためスキップします",
				slog.String("community", community),
				slog.String("error", err.Error()),
			)
			continue
		}
		submissions = append(submissions, d.toSubmission())
	}

	return submissions, nil
}

// SubmissionTree は投稿と、その配下のコメントをフラット化したもの。
// コメントは親が先に現れる順序で並ぶ。
type SubmissionTree struct {
	Submission *model.SourceSubmission
	Comments   []*model.SourceComment
}

// FetchSubmission は投稿とコメントツリーを取得する。
// 各ノードのリプライは最大1ページで、"load more"プレース
// ホルダ（kind=more）は降りずに畳む。深いスレッドの取りこぼしは
// 新着コメントストリームの取り込みが部分的に癒す。
func (c *Client) FetchSubmission(ctx context.Context, id string) (*SubmissionTree, error) {
	const op = "fetch_submission"

	body, err := c.get(ctx, op, "/comments/"+url.PathEscape(id)+".json", nil)
	if err != nil {
		return nil, err
	}

	// レスポンスは [投稿リスティング, コメントリスティング] の2要素配列
	var pages []thing
	if err := json.Unmarshal(body, &pages); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}
	if len(pages) < 2 {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("レスポンスの要素数が不足しています: %d", len(pages)))
	}

	var postListing listing
	if err := json.Unmarshal(pages[0].Data, &postListing); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("投稿リスティングのパースに失敗しました: %w", err))
	}
	if len(postListing.Children) == 0 {
		return nil, model.NewSourceError(model.SourceErrNotFound, op, fmt.Errorf("投稿 %s が存在しません", id))
	}

	var sd submissionData
	if err := json.Unmarshal(postListing.Children[0].Data, &sd); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("投稿のパースに失敗しました: %w", err))
	}

	tree := &SubmissionTree{Submission: sd.toSubmission()}

	var commentListing listing
	if err := json.Unmarshal(pages[1].Data, &commentListing); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("コメントリスティングのパースに失敗しました: %w", err))
	}

	tree.Comments = flattenComments(commentListing.Children, c.logger)

	return tree, nil
}

// flattenComments はコメントツリーを親が先に現れる順序でフラット化する。
// kind=moreのプレースホルダは無視する。
func flattenComments(children []thing, logger *slog.Logger) []*model.SourceComment {
	var comments []*model.SourceComment
	for _, child := range children {
		if child.Kind != "t1" {
			continue
		}
		var d commentData
		if err := json.Unmarshal(child.Data, &d); err != nil {
			logger.Warn("コメントのパースに失敗したためスキップします",
				slog.String("error", err.Error()),
			)
			continue
		}
		comments = append(comments, d.toComment())

		// リプライは空文字列の場合がある
		if len(d.Replies) > 0 && d.Replies[0] == '{' {
			var replyEnvelope thing
			if err := json.Unmarshal(d.Replies, &replyEnvelope); err != nil {
				continue
			}
			var replyListing listing
			if err := json.Unmarshal(replyEnvelope.Data, &replyListing); err != nil {
				continue
			}
			comments = append(comments, flattenComments(replyListing.Children, logger)...)
		}
	}
	return comments
}

// FetchComment は単一コメントをIDで解決する。
func (c *Client) FetchComment(ctx context.Context, id string) (*model.SourceComment, error) {
	const op = "fetch_comment"

	q := url.Values{}
	q.Set("id", fullnamePrefixComment+id)

	body, err := c.get(ctx, op, "/api/info.json", q)
	if err != nil {
		return nil, err
	}

	var envelope thing
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}
	var lst listing
	if err := json.Unmarshal(envelope.Data, &lst); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("リスティングのパースに失敗しました: %w", err))
	}
	if len(lst.Children) == 0 {
		return nil, model.NewSourceError(model.SourceErrNotFound, op, fmt.Errorf("コメント %s が存在しません", id))
	}

	var d commentData
	if err := json.Unmarshal(lst.Children[0].Data, &d); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("コメントのパースに失敗しました: %w", err))
	}

	return d.toComment(), nil
}

// ListRecentComments は複数コミュニティを横断する新着コメントストリームを取得する。
// communitiesは "+" で結合されて1リクエストになる。
func (c *Client) ListRecentComments(ctx context.Context, communities []string) ([]*model.SourceComment, error) {
	const op = "list_recent_comments"

	if len(communities) == 0 {
		return nil, nil
	}

	joined := strings.Join(communities, "+")
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", listLimit))

	body, err := c.get(ctx, op, "/r/"+joined+"/comments.json", q)
	if err != nil {
		return nil, err
	}

	var envelope thing
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}
	var lst listing
	if err := json.Unmarshal(envelope.Data, &lst); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("リスティングのパースに失敗しました: %w", err))
	}

	var comments []*model.SourceComment
	for _, child := range lst.Children {
		if child.Kind != "t1" {
			continue
		}
		var d commentData
		if err := json.Unmarshal(child.Data, &d); err != nil {
			c.logger.Warn("コメントのパースに失敗したためスキップします",
				slog.String("error", err.Error()),
			)
			continue
		}
		comments = append(comments, d.toComment())
	}

	return comments, nil
}

// FetchCommunityMetadata はコミュニティのaboutスナップショットを取得する。
// スナップショットは生JSONのまま返し、カタログがそのまま保存する。
func (c *Client) FetchCommunityMetadata(ctx context.Context, name string) (json.RawMessage, error) {
	const op = "fetch_community_metadata"

	body, err := c.get(ctx, op, "/r/"+url.PathEscape(name)+"/about.json", nil)
	if err != nil {
		return nil, err
	}

	var envelope thing
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}

	return envelope.Data, nil
}

// FetchUser はユーザーのアカウント属性を取得する。
func (c *Client) FetchUser(ctx context.Context, name string) (*model.SourceAccount, error) {
	const op = "fetch_user"

	body, err := c.get(ctx, op, "/user/"+url.PathEscape(name)+"/about.json", nil)
	if err != nil {
		return nil, err
	}

	var envelope thing
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}

	var d aboutData
	if err := json.Unmarshal(envelope.Data, &d); err != nil {
		return nil, model.NewSourceError(model.SourceErrTransient, op, fmt.Errorf("ユーザー属性のパースに失敗しました: %w", err))
	}

	return &model.SourceAccount{
		Username:  name,
		Suspended: d.IsSuspended,
	}, nil
}
