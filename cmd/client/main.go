package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"e2e_vault/internal/config"
	"e2e_vault/internal/repository/local"
	"e2e_vault/internal/service/app"
	redisSvc "e2e_vault/internal/service/redis"
	"e2e_vault/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML config file",
	},
	&cli.StringFlag{
		Name:  "server-url",
		Usage: "vault server base URL (overrides client.serverURL)",
	},
	&cli.StringFlag{
		Name:  "redis-addr",
		Usage: "device-local redis for pinned keys and the session id (overrides client.redis.addr)",
	},
	&cli.BoolFlag{
		Name:  "ephemeral",
		Usage: "keep pinned keys in memory only",
	},
	&cli.StringFlag{
		Name:  "log-file",
		Value: "vault-client.log",
		Usage: "file the client logs to; the terminal belongs to the UI",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Usage: "log debug messages",
	},
}

func main() {
	cliApp := &cli.App{
		Name:   "vault",
		Usage:  "Terminal client for the end-to-end encrypted vault",
		Flags:  flags,
		Action: run,
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}
	if cCtx.IsSet("server-url") {
		cfg.Client.ServerURL = cCtx.String("server-url")
	}
	if cCtx.IsSet("redis-addr") {
		cfg.Client.Redis.Addr = cCtx.String("redis-addr")
	}

	if err := log.Init(cfg.Log.Debug || cCtx.Bool("log-debug"), cfg.Log.JSON, cCtx.String("log-file")); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var kv local.Store
	if cCtx.Bool("ephemeral") {
		kv = local.NewMemoryStore()
	} else {
		svc := redisSvc.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Client.Redis.Addr,
			Password: cfg.Client.Redis.Password,
			DB:       cfg.Client.Redis.DB,
		}))
		defer svc.Close()
		if err := svc.Ping(ctx); err != nil {
			return fmt.Errorf("connect to local redis at %s: %w", cfg.Client.Redis.Addr, err)
		}
		kv = local.NewRedisStore(svc, cfg.Client.KeyPrefix)
	}

	deriver, err := cfg.Deriver()
	if err != nil {
		return err
	}
	api, err := app.NewAPI(cfg.Client.ServerURL, cfg.Client.HTTPTimeout)
	if err != nil {
		return err
	}
	vault, err := app.NewVault(ctx, api, deriver, kv, cfg.Client.BlinkDelay)
	if err != nil {
		return err
	}

	ui := app.NewApp(vault)
	go func() {
		<-ctx.Done()
		ui.Stop()
	}()

	log.Info("client started", zap.String("server", cfg.Client.ServerURL))
	return ui.Run(ctx)
}
