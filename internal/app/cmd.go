package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はピアAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandIngestSubmissions は投稿取り込みワーカーを起動することを示す。
	CommandIngestSubmissions Command = "ingest-submissions"
	// CommandIngestComments はコメント取り込みワーカーを起動することを示す。
	CommandIngestComments Command = "ingest-comments"
	// CommandMirrorSubmissions は投稿ミラーワーカーを起動することを示す。
	CommandMirrorSubmissions Command = "mirror-submissions"
	// CommandMirrorComments はコメントミラーワーカーを起動することを示す。
	CommandMirrorComments Command = "mirror-comments"
	// CommandMirrorAll は両ミラーループと棚卸しジョブをまとめて起動することを示す。
	CommandMirrorAll Command = "mirror-all"
	// CommandPullChangeFeeds はピアのチェンジフィード取り込みワーカーを起動することを示す。
	CommandPullChangeFeeds Command = "pull-changefeeds"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "ingest-submissions":
		return CommandIngestSubmissions
	case "ingest-comments":
		return CommandIngestComments
	case "mirror-submissions":
		return CommandMirrorSubmissions
	case "mirror-comments":
		return CommandMirrorComments
	case "mirror-all":
		return CommandMirrorAll
	case "pull-changefeeds":
		return CommandPullChangeFeeds
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
