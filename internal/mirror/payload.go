package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/hitoshi/fedimirror/internal/lemmy"
	"github.com/hitoshi/fedimirror/internal/model"
	"github.com/hitoshi/fedimirror/internal/security"
)

// DestinationClient は連合先への書き込み操作のインターフェース。
type DestinationClient interface {
	CreatePost(ctx context.Context, creds lemmy.Credentials, req lemmy.PostRequest) (int64, error)
	CreateComment(ctx context.Context, creds lemmy.Credentials, req lemmy.CommentRequest) (int64, error)
	UploadImage(ctx context.Context, creds lemmy.Credentials, data []byte, filename string) (string, error)
	DiscoverCommunity(ctx context.Context, fqdn string) (int64, error)
}

// imageHosts はソース側の画像ホスティングドメイン。
// ここでホストされる画像は連合先へ再アップロードしてURLを差し替える。
var imageHosts = map[string]bool{
	"i.redd.it":       true,
	"preview.redd.it": true,
	"i.imgur.com":     true,
}

// imageExtensions は拡張子による画像判定。
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// isSourceImage はURLがソース側でホストされる画像かを判定する。
func isSourceImage(rawURL, host string) bool {
	if imageHosts[host] {
		return true
	}
	ext := strings.ToLower(path.Ext(rawURL))
	return imageExtensions[ext]
}

// PayloadBuilder はミラーペイロードを構築する。
// セルフ投稿は本文、リンク投稿はURLを運び、ソースホストの画像は
// ダウンロードして連合先へ再アップロードする。
type PayloadBuilder struct {
	dest        DestinationClient
	creds       lemmy.Credentials
	fetchClient *http.Client // SSRFガード付き
	sanitizer   security.ContentSanitizerService
	maxSize     int64
}

// NewPayloadBuilder はPayloadBuilderの新しいインスタンスを生成する。
func NewPayloadBuilder(dest DestinationClient, creds lemmy.Credentials, fetchClient *http.Client, sanitizer security.ContentSanitizerService, maxSize int64) *PayloadBuilder {
	return &PayloadBuilder{
		dest:        dest,
		creds:       creds,
		fetchClient: fetchClient,
		sanitizer:   sanitizer,
		maxSize:     maxSize,
	}
}

// BuildPost は投稿のミラーペイロードを構築する。
// 画像の再ホストに失敗した場合、アップロード結果が不正ならRejectionError、
// レート制限ならErrRateLimitedを返す。
func (b *PayloadBuilder) BuildPost(ctx context.Context, s *model.SourceSubmission, communityID int64, languageID int) (lemmy.PostRequest, error) {
	req := lemmy.PostRequest{
		CommunityID: communityID,
		Title:       s.Title,
		NSFW:        s.Over18,
		LanguageID:  languageID,
	}

	if s.IsSelf {
		req.Body = b.sanitizer.Sanitize(s.SelfText)
		return req, nil
	}

	req.URL = s.URL
	if isSourceImage(s.URL, s.URLHost) {
		hostedURL, err := b.rehostImage(ctx, s.URL)
		if err != nil {
			return lemmy.PostRequest{}, err
		}
		req.URL = hostedURL
	}

	return req, nil
}

// rehostImage はソース画像をダウンロードして連合先へアップロードし、
// ホスト済みURLを返す。
func (b *PayloadBuilder) rehostImage(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("画像リクエストの作成に失敗しました: %w", err)
	}

	resp, err := b.fetchClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("画像のダウンロードに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("画像の取得がステータス %d で失敗しました", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, b.maxSize))
	if err != nil {
		return "", fmt.Errorf("画像データの読み取りに失敗しました: %w", err)
	}

	filename := path.Base(imageURL)
	hostedURL, err := b.dest.UploadImage(ctx, b.creds, data, filename)
	if err != nil {
		if errors.Is(err, lemmy.ErrMalformedUpload) {
			return "", &model.RejectionError{Reason: "画像アップロードの結果が不正です"}
		}
		return "", err
	}

	return hostedURL, nil
}
