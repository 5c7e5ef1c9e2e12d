// Package linker は新規に観測されたソースアカウントに対応する
// ミラーボットを連合先インスタンスに作成する。
package linker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/fedimirror/internal/model"
	"github.com/hitoshi/fedimirror/internal/repository"
)

// rsaKeyBits はアクター鍵ペアの鍵長。
const rsaKeyBits = 2048

// Bot は連合先に作成するミラーボットのアクター情報。
type Bot struct {
	Name           string
	ActorID        string
	InboxURL       string
	SharedInboxURL string
	PublicKeyPEM   string
	PrivateKeyPEM  string
	PasswordHash   string
}

// BotStore は連合先スキーマへのボットアカウント書き込みインターフェース。
type BotStore interface {
	// FindBotActorID はローカルに存在するボットのアクターIDを返す。
	// 存在しない場合は空文字列を返す。
	FindBotActorID(ctx context.Context, name string) (string, error)
	// CreateBot はボットアカウントを作成する。
	CreateBot(ctx context.Context, bot *Bot) error
}

// ConnectionPublisher はアカウント紐付けのチェンジフィード公開インターフェース。
type ConnectionPublisher interface {
	PublishConnection(ctx context.Context, redditUsername, actorURL string) (*model.ChangeFeedEntry, error)
}

// Linker はソースアカウントとミラーボットの紐付けを管理する。
// ミラードメインごとに1つのボットをソースユーザー名から決定的に導出する。
type Linker struct {
	store        BotStore
	accounts     repository.AccountRepository
	publisher    ConnectionPublisher // nilの場合は公開しない
	mirrorDomain string
	logger       *slog.Logger
}

// NewLinker はLinkerの新しいインスタンスを生成する。
func NewLinker(
	store BotStore,
	accounts repository.AccountRepository,
	publisher ConnectionPublisher,
	mirrorDomain string,
	logger *slog.Logger,
) *Linker {
	return &Linker{
		store:        store,
		accounts:     accounts,
		publisher:    publisher,
		mirrorDomain: mirrorDomain,
		logger:       logger,
	}
}

// LinkAccount はソースユーザー名に対応するミラーボットを作成し、
// アクターURLをソースアカウントへ記録する。既存のボットは再利用する。
func (l *Linker) LinkAccount(ctx context.Context, username string) error {
	existing, err := l.store.FindBotActorID(ctx, username)
	if err != nil {
		return fmt.Errorf("ボットアカウントの検索に失敗しました: %w", err)
	}
	if existing != "" {
		return l.recordLink(ctx, username, existing)
	}

	bot, err := l.buildBot(username)
	if err != nil {
		return err
	}

	if err := l.store.CreateBot(ctx, bot); err != nil {
		return fmt.Errorf("ボットアカウントの作成に失敗しました: %w", err)
	}

	l.logger.Info("ミラーボットを作成しました",
		slog.String("username", username),
		slog.String("actor_id", bot.ActorID),
	)

	if l.publisher != nil {
		if _, err := l.publisher.PublishConnection(ctx, username, bot.ActorID); err != nil {
			// 公開の失敗は紐付け自体を巻き戻さない
			l.logger.Warn("アカウント紐付けの公開に失敗しました",
				slog.String("username", username),
				slog.String("error", err.Error()),
			)
		}
	}

	return l.recordLink(ctx, username, bot.ActorID)
}

// recordLink はソースアカウントにアクターURLを記録する。
func (l *Linker) recordLink(ctx context.Context, username, actorID string) error {
	if err := l.accounts.SetActorURL(ctx, username, actorID); err != nil {
		return fmt.Errorf("アクターURLの記録に失敗しました: %w", err)
	}
	return nil
}

// buildBot は鍵ペアとパスワードハッシュを含むボット情報を組み立てる。
func (l *Linker) buildBot(name string) (*Bot, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("鍵ペアの生成に失敗しました: %w", err)
	}

	privateDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵のエンコードに失敗しました: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("公開鍵のエンコードに失敗しました: %w", err)
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})

	// ボットはAPIログインに使わないため、パスワードはランダム値で封印する
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("パスワードハッシュの生成に失敗しました: %w", err)
	}

	return &Bot{
		Name:           name,
		ActorID:        fmt.Sprintf("https://%s/u/%s", l.mirrorDomain, name),
		InboxURL:       fmt.Sprintf("https://%s/u/%s/inbox", l.mirrorDomain, name),
		SharedInboxURL: fmt.Sprintf("https://%s/inbox", l.mirrorDomain),
		PublicKeyPEM:   string(publicPEM),
		PrivateKeyPEM:  string(privatePEM),
		PasswordHash:   string(passwordHash),
	}, nil
}
