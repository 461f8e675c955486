package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/silenceper/wechat/v2/officialaccount/message"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/johnqing-424/WeChat-Middleware/internal/config"
	"github.com/johnqing-424/WeChat-Middleware/internal/janitor"
	"github.com/johnqing-424/WeChat-Middleware/internal/logger"
	"github.com/johnqing-424/WeChat-Middleware/internal/metrics"
	"github.com/johnqing-424/WeChat-Middleware/internal/models"
	"github.com/johnqing-424/WeChat-Middleware/internal/server"
	"github.com/johnqing-424/WeChat-Middleware/internal/session"
	"github.com/johnqing-424/WeChat-Middleware/internal/store"
	"github.com/johnqing-424/WeChat-Middleware/internal/wechat"
	"github.com/johnqing-424/WeChat-Middleware/internal/wework"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "wechat-middleware",
	Short:        "公众号与企业微信的消息回调和网页授权中间件",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 服务",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "清理一次过期的令牌文件",
	RunE:  runSweep,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径, 默认依次查找 ./config.yml ../config.yml ~/config.yml")
	rootCmd.AddCommand(serveCmd, sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.Init(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(cfg.Store, cfg.Janitor.Interval, log)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	signer := session.NewSigner(cfg.Session.Keys)
	binder := session.NewBinder(session.NewManager(st, cfg.Session.TTL), signer, cfg.Session.Secure)
	if !signer.Enabled() {
		log.Warn("未配置 session.keys, 会话 cookie 不签名")
	}

	wc, err := wechat.New(wechatAccounts(cfg),
		wechat.WithStore(st),
		wechat.WithSessions(binder),
		wechat.WithCookie(cfg.Session.OpenIDCookie),
		wechat.WithRedirectHosts(cfg.Session.RedirectHosts),
		wechat.WithLogger(log),
		wechat.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer wc.Close()

	ww, err := wework.New(weworkCorps(cfg),
		wework.WithStore(st),
		wework.WithSessions(binder),
		wework.WithCookie(cfg.Session.UserIDCookie),
		wework.WithRedirectHosts(cfg.Session.RedirectHosts),
		wework.WithLogger(log),
		wework.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer ww.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sweeper, ok := st.(store.Sweeper); ok && cfg.Store.Driver == config.StoreFile {
		j, err := janitor.New(sweeper, cfg.Janitor, log, m)
		if err != nil {
			return err
		}
		j.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := j.Stop(stopCtx); err != nil {
				log.Warn("等待清理任务结束超时", zap.Error(err))
			}
		}()
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(cfg.Server, server.Options{
		Store:   st,
		Wechat:  wc,
		Wework:  ww,
		Metrics: m,
		Logger:  log,
	})
	return srv.Run(ctx)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Store.Driver != config.StoreFile {
		return fmt.Errorf("store.driver 为 %s, 只有 file 存储需要清理", cfg.Store.Driver)
	}
	fs, err := store.NewFile(cfg.Store.Dir, log)
	if err != nil {
		return err
	}
	j, err := janitor.New(fs, cfg.Janitor, log, nil)
	if err != nil {
		return err
	}
	n, err := j.Sweep(cmd.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d token files from %s\n", n, fs.Dir())
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func wechatAccounts(cfg *config.Config) []wechat.Account {
	var accounts []wechat.Account
	for _, name := range sortedKeys(cfg.Wechat) {
		accounts = append(accounts, wechat.Account{
			Name:          name,
			WechatAccount: cfg.Wechat[name],
			Handler:       echoOpenID,
		})
	}
	return accounts
}

func weworkCorps(cfg *config.Config) []wework.Corp {
	var corps []wework.Corp
	for _, name := range sortedKeys(cfg.Wework) {
		c := cfg.Wework[name]
		corp := wework.Corp{Name: name, AppID: c.AppID}
		for _, a := range c.Agents {
			corp.Agents = append(corp.Agents, wework.Agent{WeworkAgent: a, Handler: echoUserID})
		}
		corps = append(corps, corp)
	}
	return corps
}

// echoOpenID 默认回复发送者的 openid
func echoOpenID(_ *gin.Context, msg *message.MixMessage) *message.Reply {
	return wechat.TextReply("Your OPENID Is " + string(msg.FromUserName))
}

func echoUserID(_ *gin.Context, msg *models.Message) *models.Reply {
	return models.TextReply("Your USERID Is " + msg.FromUserName)
}
