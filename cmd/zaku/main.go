// Copyright 2024 The zaku Authors
// This file is part of the zaku library.
//
// The zaku library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The zaku library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the zaku library. If not, see <http://www.gnu.org/licenses/>.

// zaku is the task-queue server. It binds a websocket endpoint over a
// redis backing store and runs the claim reaper until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/geyang/zaku/blob"
	"github.com/geyang/zaku/pubsub"
	"github.com/geyang/zaku/queue"
	"github.com/geyang/zaku/rpc"
	"github.com/geyang/zaku/store"
)

const shutdownGrace = 5 * time.Second

func main() {
	// Missing .env is the common case, not an error.
	godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Error("exiting")
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "zaku",
		Usage: "task queue server for distributed ML workloads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "0.0.0.0",
				Usage:   "interface to bind",
				EnvVars: []string{"ZAKU_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   9000,
				Usage:   "port to bind",
				EnvVars: []string{"ZAKU_PORT"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "free-port",
				Usage: "kill whatever process is listening on the port before binding",
			},
			&cli.StringFlag{
				Name:  "prefix",
				Value: "zaku",
				Usage: "key namespace in the backing store",
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "require this user on client AUTH",
				EnvVars: []string{"ZAKU_USER"},
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "require this key on client AUTH",
				EnvVars: []string{"ZAKU_KEY"},
			},
			&cli.StringFlag{
				Name:    "redis.addr",
				Value:   "localhost:6379",
				Usage:   "redis host:port",
				EnvVars: []string{"REDIS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "redis.password",
				EnvVars: []string{"REDIS_PASSWORD"},
			},
			&cli.IntFlag{
				Name:    "redis.db",
				EnvVars: []string{"REDIS_DB"},
			},
			&cli.StringFlag{
				Name:    "mongo.uri",
				Usage:   "enable blob spillover to this mongodb",
				EnvVars: []string{"MONGO_URI"},
			},
			&cli.IntFlag{
				Name:  "blob-threshold",
				Value: 1 << 20,
				Usage: "payloads above this many bytes spill to the blob store",
			},
		},
		Action: run,
	}
}

func setupLogging(verbose bool) {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		color.NoColor = false
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

func run(c *cli.Context) error {
	setupLogging(c.Bool("verbose"))
	log := logrus.WithField("component", "main")

	addr := net.JoinHostPort(c.String("host"), fmt.Sprint(c.Int("port")))
	if c.Bool("free-port") {
		if err := freePort(uint32(c.Int("port")), log); err != nil {
			return fmt.Errorf("free port: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewRedis(ctx, store.RedisConfig{
		Addr:     c.String("redis.addr"),
		Password: c.String("redis.password"),
		DB:       c.Int("redis.db"),
	})
	if err != nil {
		return fmt.Errorf("redis at %s: %w", c.String("redis.addr"), err)
	}
	defer db.Close()

	var blobs blob.Store
	if uri := c.String("mongo.uri"); uri != "" {
		blobs, err = blob.NewMongo(ctx, uri, "zaku", "payloads")
		if err != nil {
			return fmt.Errorf("mongo at %s: %w", uri, err)
		}
		defer blobs.Close(context.Background())
		log.WithField("threshold", c.Int("blob-threshold")).Info("blob spillover enabled")
	}

	prefix := c.String("prefix")
	engine := queue.New(queue.Config{
		Store:         db,
		Prefix:        prefix,
		Blobs:         blobs,
		BlobThreshold: c.Int("blob-threshold"),
	})
	fabric := pubsub.New(db, prefix)

	var creds *rpc.Credentials
	if c.String("user") != "" || c.String("key") != "" {
		creds = &rpc.Credentials{User: c.String("user"), Key: c.String("key")}
		log.WithField("user", creds.User).Info("authentication required")
	}
	srv := rpc.NewServer(engine, fabric, creds)

	reaper := queue.NewReaper(engine)
	go reaper.Run(ctx)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	hs := &http.Server{Handler: srv.WebsocketHandler()}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	log.WithField("addr", addr).Info("serving")

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Warn("http shutdown")
	}
	srv.Stop()
	fabric.Close()
	return nil
}
