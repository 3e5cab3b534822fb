package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_mediator/internal/config"
	"e2e_mediator/internal/repository/identity"
	redisSvc "e2e_mediator/internal/service/redis"
	"e2e_mediator/internal/service/server"
	"e2e_mediator/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	var (
		cfgPath         string
		listen          string
		memoryDirectory bool
	)

	cmd := &cobra.Command{
		Use:          "e2em-server",
		Short:        "Development mediator and identity directory",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if _, err := log.Setup(cfg.Log); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, memoryDirectory)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./e2e_mediator.yaml)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides server.listen")
	cmd.Flags().BoolVar(&memoryDirectory, "memory-directory", false, "keep the identity directory in memory instead of mongo")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, memoryDirectory bool) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisService := redisSvc.NewRedis(rdb)
	defer redisService.Close()
	if err := redisService.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	var directory server.IdentityStore
	if memoryDirectory {
		directory = identity.NewMemoryRepo()
	} else {
		client, err := initMongo(ctx, cfg.Mongo)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Warn("mongo disconnect failed", zap.Error(err))
			}
		}()
		directory = identity.NewDirectoryRepo(client.Database(cfg.Mongo.Database))
	}

	return server.NewMediatorServer(cfg.Server, directory, redisService).Run(ctx)
}

func initMongo(ctx context.Context, c config.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
