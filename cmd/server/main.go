package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_vault/internal/config"
	"e2e_vault/internal/repository/account"
	"e2e_vault/internal/repository/group"
	"e2e_vault/internal/repository/memory"
	"e2e_vault/internal/repository/secret"
	redisSvc "e2e_vault/internal/service/redis"
	"e2e_vault/internal/service/server"
	"e2e_vault/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML config file",
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Usage: "address to listen on (overrides server.addr)",
	},
	&cli.StringFlag{
		Name:  "mongo-uri",
		Usage: "MongoDB connection string (overrides server.mongoURI)",
	},
	&cli.StringFlag{
		Name:  "redis-addr",
		Usage: "redis address (overrides server.redis.addr)",
	},
	&cli.BoolFlag{
		Name:  "in-memory",
		Usage: "keep accounts, secrets, groups and single-use values in process memory",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Usage: "log debug messages",
	},
}

func main() {
	app := &cli.App{
		Name:   "vault-server",
		Usage:  "Store end-to-end encrypted secrets and groups",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}
	if cCtx.IsSet("listen-addr") {
		cfg.Server.Addr = cCtx.String("listen-addr")
	}
	if cCtx.IsSet("mongo-uri") {
		cfg.Server.MongoURI = cCtx.String("mongo-uri")
	}
	if cCtx.IsSet("redis-addr") {
		cfg.Server.Redis.Addr = cCtx.String("redis-addr")
	}

	if err := log.Init(cfg.Log.Debug || cCtx.Bool("log-debug"), cfg.Log.JSON || cCtx.Bool("log-json")); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := server.Options{
		Addr:          cfg.Server.Addr,
		ChallengeTTL:  cfg.Server.ChallengeTTL,
		CodeTTL:       cfg.Server.CodeTTL,
		SessionTTL:    cfg.Server.SessionTTL,
		TokenTTL:      cfg.Server.TokenTTL,
		ReturnTokens:  cfg.Server.ReturnTokens,
		ShutdownGrace: cfg.Server.ShutdownGrace,
	}

	if cCtx.Bool("in-memory") {
		log.Warn("running with in-memory stores, nothing survives a restart")
		srv := server.NewHttpServer(opts, memory.NewAccountRepo(), memory.NewSecretRepo(), memory.NewGroupRepo(), memory.NewCache())
		return srv.Run(ctx)
	}

	mongoClient, err := initMongo(ctx, cfg.Server.MongoURI)
	if err != nil {
		log.Error("connect to mongo failed", zap.String("uri", cfg.Server.MongoURI), zap.Error(err))
		return err
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Error("disconnect mongo failed", zap.Error(err))
		}
	}()
	db := mongoClient.Database(cfg.Server.Database)

	cache := redisSvc.NewRedis(redis.NewClient(&redis.Options{
		Addr:     cfg.Server.Redis.Addr,
		Password: cfg.Server.Redis.Password,
		DB:       cfg.Server.Redis.DB,
	}))
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		log.Error("connect to redis failed", zap.String("addr", cfg.Server.Redis.Addr), zap.Error(err))
		return err
	}

	srv := server.NewHttpServer(opts, account.NewAccountRepo(db), secret.NewSecretRepo(db), group.NewGroupRepo(db), cache)
	return srv.Run(ctx)
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
