package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string
	// LemmyDatabaseURL はアカウントリンカー専用の連合先DB接続URL。
	// 未設定の場合、ミラーボット作成機能は無効となる。
	LemmyDatabaseURL string

	// Source (reddit) API
	RedditClientID     string
	RedditClientSecret string
	RedditUserAgent    string
	RedditRefreshToken string

	// Destination (lemmy) API
	LemmyMirrorDomain    string
	ServiceActorUsername string
	ServiceActorPassword string

	// Portal
	PortalURL                string
	AcceptsCommunityRequests bool
	AllowsRedditSignup       bool
	AllowsMirroredContent    bool
	CreatesMirrorBots        bool

	// Scheduling
	PollInterval        time.Duration
	PollBatchSize       int
	RateLimitCoolDown   time.Duration
	ChangeFeedInterval  time.Duration
	MirrorInterval      time.Duration
	CommentLookbehind   time.Duration
	MaxSubmissionAge    time.Duration
	MaxCommentAge       time.Duration
	SubmissionGraceTime time.Duration
	CommentGraceTime    time.Duration

	// HTTP client
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Rate Limit (peer API)
	RateLimitGeneral int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.RedditClientID = os.Getenv("REDDIT_CLIENT_ID")
	if cfg.RedditClientID == "" {
		missing = append(missing, "REDDIT_CLIENT_ID")
	}

	cfg.RedditClientSecret = os.Getenv("REDDIT_CLIENT_SECRET")
	if cfg.RedditClientSecret == "" {
		missing = append(missing, "REDDIT_CLIENT_SECRET")
	}

	cfg.PortalURL = os.Getenv("PORTAL_URL")
	if cfg.PortalURL == "" {
		missing = append(missing, "PORTAL_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.PortalURL = strings.TrimRight(cfg.PortalURL, "/")

	// Optional fields with defaults
	cfg.LemmyDatabaseURL = getEnvString("LEMMY_DATABASE_URL", "")
	cfg.RedditUserAgent = getEnvString("REDDIT_USER_AGENT", "fedimirror/1.0")
	cfg.RedditRefreshToken = getEnvString("REDDIT_REFRESH_TOKEN", "")
	cfg.LemmyMirrorDomain = getEnvString("LEMMY_MIRROR_DOMAIN", "")
	cfg.ServiceActorUsername = getEnvString("SERVICE_ACTOR_USERNAME", "")
	cfg.ServiceActorPassword = getEnvString("SERVICE_ACTOR_PASSWORD", "")

	cfg.AcceptsCommunityRequests = getEnvBool("ACCEPTS_COMMUNITY_REQUESTS", false)
	cfg.AllowsRedditSignup = getEnvBool("ALLOWS_REDDIT_SIGNUP", true)
	cfg.AllowsMirroredContent = getEnvBool("ALLOWS_MIRRORED_CONTENT", false)
	cfg.CreatesMirrorBots = getEnvBool("CREATES_MIRROR_BOTS", false)

	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 3*time.Minute)
	cfg.PollBatchSize = getEnvInt("POLL_BATCH_SIZE", 10)
	cfg.RateLimitCoolDown = getEnvDuration("RATE_LIMIT_COOL_DOWN", 30*time.Second)
	cfg.ChangeFeedInterval = getEnvDuration("CHANGE_FEED_INTERVAL", 5*time.Minute)
	cfg.MirrorInterval = getEnvDuration("MIRROR_INTERVAL", 1*time.Minute)
	cfg.CommentLookbehind = getEnvDuration("COMMENT_LOOKBEHIND", 10*time.Minute)
	cfg.MaxSubmissionAge = getEnvDuration("MAX_SUBMISSION_AGE", 24*time.Hour)
	cfg.MaxCommentAge = getEnvDuration("MAX_COMMENT_AGE", 24*time.Hour)
	cfg.SubmissionGraceTime = getEnvDuration("SUBMISSION_GRACE_TIME", 30*time.Minute)
	cfg.CommentGraceTime = getEnvDuration("COMMENT_GRACE_TIME", 12*time.Hour)

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 10485760)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
