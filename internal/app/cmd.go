package app

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandAuth は認証サービスを起動することを示す。
	CommandAuth Command = "auth"
	// CommandProductAPI はリソースサービスを起動することを示す。
	CommandProductAPI Command = "product-api"
	// CommandFrontend はフロントエンドサーバーを起動することを示す。
	CommandFrontend Command = "frontend"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewRootCmd はauthrelayのルートコマンドを生成する。
// wはログとコマンド出力の書き込み先。
func NewRootCmd(w io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authrelay",
		Short: "Session verification relay",
		Long: `authrelay runs the authentication service, the protected product API
and the front-end server that relays sign-in cookies between them.`,
		SilenceUsage: true,
	}
	cmd.SetOut(w)
	cmd.SetErr(w)

	cmd.AddCommand(newServerCmd(w, CommandAuth, "Start the authentication service", runAuth))
	cmd.AddCommand(newServerCmd(w, CommandProductAPI, "Start the product API behind the access gate", runProductAPI))
	cmd.AddCommand(newServerCmd(w, CommandFrontend, "Start the front-end server", runFrontend))
	cmd.AddCommand(newMigrateCmd(w))
	cmd.AddCommand(newHealthcheckCmd())

	return cmd
}

// newServerCmd はHTTPサーバーを起動するサブコマンドを生成する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func newServerCmd(w io.Writer, name Command, short string, run serverFunc) *cobra.Command {
	return &cobra.Command{
		Use:   string(name),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}
}

func newMigrateCmd(w io.Writer) *cobra.Command {
	var down int
	var showVersion bool

	cmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Run database migrations",
		Long: `Apply all pending migrations of the authentication store.
With --down N, roll back the N most recent migrations instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}

			switch {
			case showVersion:
				return runMigrateVersion(cmd, cfg)
			case cmd.Flags().Changed("down"):
				return runRollback(cfg, down)
			default:
				return runMigrate(cfg)
			}
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back the given number of migrations")
	cmd.Flags().BoolVar(&showVersion, "version", false, "print the current migration version")
	cmd.MarkFlagsMutuallyExclusive("down", "version")

	return cmd
}

func newHealthcheckCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe /health of a local server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runHealthcheck(port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "3001", "port of the local server to probe")

	return cmd
}
