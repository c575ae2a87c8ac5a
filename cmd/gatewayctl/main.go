package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	resilientgateway "github.com/opengovern/resilient-gateway"
	"github.com/opengovern/resilient-gateway/adapters"
)

const usage = `usage: gatewayctl [flags] <command> [args]

commands:
  get <path>                 send an authenticated GET and print the body
  login <phone> <password>   sign in and store the session token
  logout                     drop the stored session token
  tail <category>            stream realtime events for <category>/<identity>
`

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "YAML config path")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config")
	identity := flag.String("identity", "", "identity used for realtime topics")
	redisAddr := flag.String("redis", os.Getenv("GATEWAY_REDIS_ADDR"), "Redis address for shared rate limit windows (empty = in memory)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := resilientgateway.LoadDotEnv(*envFile); err != nil {
		logger.WithError(err).Fatal("failed to load env file")
	}
	cfg, err := resilientgateway.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}
	if *debug {
		cfg.Debug = true
	}
	if cfg.BaseURL == "" {
		logger.Fatal("base_url is required (config file or GATEWAY_BASE_URL)")
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts := []resilientgateway.Option{resilientgateway.WithLogger(logger)}

	persister, closePersister, err := openPersister(cfg.Token)
	if err != nil {
		logger.WithError(err).Fatal("failed to open token store")
	}
	defer closePersister()
	if persister != nil {
		opts = append(opts, resilientgateway.WithTokenPersister(persister))
	}

	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		opts = append(opts, resilientgateway.WithWindowStore(resilientgateway.NewRedisWindowStore(client, "")))
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, resilientgateway.WithMetrics(reg))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	gw := resilientgateway.NewResilientGateway(adapters.NewHTTPAdapter(cfg.BaseURL, cfg.RequestsPerSecond), cfg, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, gw, *identity, args); err != nil {
		var gerr *resilientgateway.Error
		if errors.As(err, &gerr) {
			fmt.Fprintln(os.Stderr, gerr.UserMessage())
		}
		logger.WithError(err).Error("command failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, gw *resilientgateway.ResilientGateway, identity string, args []string) error {
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return errors.New("get takes exactly one path")
		}
		resp, err := gw.Send(ctx, resilientgateway.Get(args[1], nil))
		if err != nil {
			return err
		}
		fmt.Println(string(resp.Data))
		return nil

	case "login":
		if len(args) != 3 {
			return errors.New("login takes a phone number and a password")
		}
		desc, err := resilientgateway.Write(http.MethodPost, "/auth/login", map[string]string{
			"phone":    args[1],
			"password": args[2],
		})
		if err != nil {
			return err
		}
		desc.RequiresAuth = false
		desc.RateLimitPolicy = resilientgateway.PolicyLogin
		desc.RateLimitKey = args[1]
		if _, err := gw.SignIn(ctx, desc, "data.token"); err != nil {
			return err
		}
		fmt.Println("signed in")
		return nil

	case "logout":
		return gw.SignOut(ctx)

	case "tail":
		if len(args) != 2 || identity == "" {
			return errors.New("tail takes a category and requires -identity")
		}
		return tail(ctx, gw, identity, args[1])

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func tail(ctx context.Context, gw *resilientgateway.ResilientGateway, identity, category string) error {
	failed := make(chan error, 1)
	cfg := gw.Config().Realtime
	ch := resilientgateway.NewRealtimeChannel(adapters.NewWebSocketDialer(cfg), cfg, resilientgateway.RealtimeOptions{
		Tokens: gw.Tokens(),
		Log:    gw.Logger().WithField("component", "realtime"),
		OnFailure: func(err error) {
			failed <- err
		},
	})
	defer ch.Disconnect()

	topic := resilientgateway.Topic(category, identity)
	if _, err := ch.Subscribe(topic, func(_ context.Context, ev *resilientgateway.RealtimeEvent) error {
		fmt.Printf("%s %s %s\n", ev.Topic, ev.Event, ev.Payload)
		return nil
	}); err != nil {
		return err
	}

	if err := ch.Connect(ctx, identity); err != nil && !resilientgateway.IsTransport(err) {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

func openPersister(cfg resilientgateway.TokenConfig) (resilientgateway.TokenPersister, func(), error) {
	switch {
	case cfg.SQLitePath != "":
		p, err := resilientgateway.NewSQLitePersister(cfg.SQLitePath)
		if err != nil {
			return nil, func() {}, err
		}
		return p, func() { p.Close() }, nil
	case cfg.FilePath != "":
		key, err := cfg.KeyBytes()
		if err != nil {
			return nil, func() {}, err
		}
		p, err := resilientgateway.NewFilePersister(cfg.FilePath, key)
		if err != nil {
			return nil, func() {}, err
		}
		return p, func() {}, nil
	default:
		return nil, func() {}, nil
	}
}
