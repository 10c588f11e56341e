package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。通知受信・管理画面・コマンド実行を担う。
	CommandServe Command = "serve"
	// CommandWorker は監査レコードと期限切れセッションの日次クリーンアップを常駐実行する。
	CommandWorker Command = "worker"
	// CommandCleanup はクリーンアップを1回だけ実行して終了する。
	CommandCleanup Command = "cleanup"
	// CommandMigrate は未適用のマイグレーションをすべて適用する。
	CommandMigrate Command = "migrate"
	// CommandRollback は直近のマイグレーションを1件巻き戻す。
	CommandRollback Command = "rollback"
	// CommandHealthcheck は稼働中サーバーの/healthを叩く。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandCleanup):     CommandCleanup,
	string(CommandMigrate):     CommandMigrate,
	string(CommandRollback):    CommandRollback,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
