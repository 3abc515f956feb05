// Package main runs an STS node: the PIN credential store, trusted-client
// bindings, the logon operations and the cluster-wide monitors behind one
// HTTP API.
//
// Every node is identical. Nodes sharing a REDIS_URL form one cluster; the
// oldest live member is the leader and the only node that reports. Without
// REDIS_URL the node runs standalone on an in-process grid.
//
// Configuration is read from the environment, an optional .env file and
// flags (see internal/config). Example:
//
//	REDIS_URL=redis://localhost:6379/0 \
//	NOTIFY_BACKEND=slack SLACK_WEBHOOK_URL=https://hooks.slack.com/... \
//	./sts --port 8081
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/dreamware/sts/internal/api"
	"github.com/dreamware/sts/internal/auth"
	"github.com/dreamware/sts/internal/cluster"
	"github.com/dreamware/sts/internal/config"
	"github.com/dreamware/sts/internal/directory"
	"github.com/dreamware/sts/internal/escalation"
	"github.com/dreamware/sts/internal/monitor"
	"github.com/dreamware/sts/internal/notify"
	"github.com/dreamware/sts/internal/pin"
	"github.com/dreamware/sts/internal/session"
	"github.com/dreamware/sts/internal/sms"
	"github.com/dreamware/sts/internal/storage"
)

// logFatal is a variable so tests can intercept fatal errors
var logFatal = log.Fatalf

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		logFatal("sts: %v", err)
	}
}

// run starts a node and blocks until ctx is done or the server fails
func run(ctx context.Context, args []string, logOut io.Writer) error {
	fs := pflag.NewFlagSet("sts", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.BindFlags(fs); err != nil {
		return err
	}
	path, _ := fs.GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, logOut)
	slog.SetDefault(logger)

	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           n.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("sts node listening", "node_id", cfg.NodeID, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown failed", "error", serr)
	}
	n.shutdown(shutdownCtx)
	logger.Info("sts node stopped", "node_id", cfg.NodeID)
	return err
}

func newLogger(cfg config.Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// node holds the running components of one STS process
type node struct {
	cfg    config.Config
	logger *slog.Logger

	grid       storage.Grid
	membership *cluster.RedisMembership
	db         *pgxpool.Pool
	notifier   notify.Notifier
	escalation *escalation.Engine
	deliveries *monitor.DeliveryMonitor
	scheduler  *monitor.Scheduler
	handler    http.Handler

	stopSweeper context.CancelFunc
}

// newNode wires every component. On error, whatever was opened is closed.
func newNode(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *node, err error) {
	n := &node{cfg: cfg, logger: logger, stopSweeper: func() {}}
	defer func() {
		if err != nil {
			n.shutdown(context.Background())
		}
	}()

	resolver, err := n.openGrid(ctx)
	if err != nil {
		return nil, err
	}
	n.notifier = n.openNotifier()

	var sender sms.Sender
	if cfg.SMSGatewayURL != "" {
		sender = sms.NewGatewayClient(sms.GatewayConfig{
			URL:               cfg.SMSGatewayURL,
			APIKey:            cfg.SMSGatewayAPIKey,
			Sender:            cfg.SMSSender,
			DefaultTag:        cfg.SMSTag,
			DeliveryReportURL: cfg.SMSDeliveryReport,
			Timeout:           cfg.SMSTimeout,
		})
	} else {
		logger.Warn("SMS_GATEWAY_URL not set, pins will not be delivered")
	}

	var bindings pin.BindingStore
	if cfg.DatabaseURL != "" {
		if bindings, err = n.openBindings(ctx); err != nil {
			return nil, err
		}
	}

	pins, err := pin.NewRepository(n.grid, bindings, pin.Config{
		TTL:             cfg.PinTTL,
		StoreTimeout:    cfg.StoreTimeout,
		MessageTemplate: cfg.PinMessageTemplate,
		SMSTag:          cfg.SMSTag,
		MaxEntries:      cfg.PinMaxEntries,
	}, logger)
	if err != nil {
		return nil, err
	}
	if sender != nil {
		pins.SetSender(sender)
	}

	n.escalation, err = escalation.New(escalation.Config{
		Enabled:   cfg.UsageAlertEnabled,
		Threshold: cfg.UsageAlertThreshold,
		Template:  cfg.UsageAlertTemplate,
		SMSTag:    cfg.SMSTag,
	}, sender, n.notifier, logger)
	if err != nil {
		return nil, err
	}
	pins.SetEscalator(n.escalation)

	sessions := session.NewRepository(n.grid, cfg.SessionLifespan, logger)
	dir := directory.NewClient(directory.Config{
		URL:     cfg.UserAdminURL,
		APIKey:  cfg.UserAdminAPIKey,
		Timeout: cfg.UserAdminTimeout,
	})
	authn := auth.New(pins, dir, sessions, n.notifier, auth.Config{
		ListAttempts: cfg.DirectoryRetryAttempts,
		ListBackoff:  cfg.DirectoryRetryBackoff,
		SharedSecret: cfg.SharedSecret,
	}, logger)

	n.deliveries = monitor.NewDeliveryMonitor(n.grid, resolver, n.notifier, monitor.DeliveryConfig{
		Interval:         cfg.SMSMonitorInterval,
		ReportingEnabled: cfg.SMSMonitorNotificationsEnabled,
		InfoChannel:      cfg.SlackInfoChannel,
		NodeID:           cfg.NodeID,
	}, logger)
	sessionMonitor := monitor.NewSessionMonitor(sessions, resolver, n.notifier, monitor.SessionConfig{
		Interval:             cfg.SessionMonitorInterval,
		ReportThreshold:      cfg.SessionMonitorReportThreshold,
		SizeChangeThreshold:  cfg.SessionMonitorSizeChangeThreshold,
		NotificationsEnabled: cfg.SessionMonitorNotificationsEnabled,
		Channel:              cfg.SlackInfoChannel,
	}, logger)
	if err := sessionMonitor.Prime(ctx); err != nil {
		logger.Warn("session monitor starts from zero", "error", err)
	}

	n.scheduler = monitor.NewScheduler(logger)
	if err := n.scheduler.Every("sms-delivery-report", cfg.SMSMonitorInterval, n.deliveries.Report); err != nil {
		return nil, err
	}
	if err := n.scheduler.Every("session-size-check", cfg.SessionMonitorInterval, sessionMonitor.Check); err != nil {
		return nil, err
	}
	n.scheduler.Start()

	var signer *session.Signer
	if cfg.SessionSigningKey != "" {
		if signer, err = session.NewSigner(cfg.SessionSigningKey, "sts"); err != nil {
			return nil, err
		}
	}

	n.handler = api.NewRouter(api.NewHandlers(api.Handlers{
		NodeID:     cfg.NodeID,
		Pins:       pins,
		Auth:       authn,
		Deliveries: n.deliveries,
		Leader:     resolver,
		Signer:     signer,

		DiagnosticsKey: cfg.DiagnosticsAPIKey,
	}, logger))
	return n, nil
}

// openGrid connects the shared grid and joins the cluster. A node without
// REDIS_URL is a cluster of one on an in-process grid.
func (n *node) openGrid(ctx context.Context) (*cluster.Resolver, error) {
	cfg := n.cfg
	addr := cfg.NodeAddr
	if addr == "" {
		addr = "http://127.0.0.1:" + cfg.ServerPort
	}

	if cfg.RedisURL == "" {
		mem := storage.NewMemoryGrid()
		sweepCtx, cancel := context.WithCancel(context.Background())
		mem.StartSweeper(sweepCtx, cfg.GridSweepInterval, n.logger)
		n.grid, n.stopSweeper = mem, cancel
		n.logger.Info("running standalone on an in-process grid")

		local := cluster.Member{ID: cfg.NodeID, Addr: addr, JoinedAt: time.Now().UTC()}
		return cluster.NewResolver(cluster.NewStaticMembership(local), n.logger), nil
	}

	grid, err := storage.DialRedisGrid(ctx, cfg.RedisURL, cfg.GridPrefix, n.logger)
	if err != nil {
		return nil, err
	}
	n.grid = grid

	n.membership = cluster.NewRedisMembership(grid.Client(), cfg.NodeID, addr, cluster.RedisMembershipConfig{
		Prefix:    cfg.GridPrefix,
		Heartbeat: cfg.MembershipHeartbeat,
		TTL:       cfg.MembershipTTL,
	}, n.logger)
	if err := n.membership.Join(ctx); err != nil {
		return nil, fmt.Errorf("join cluster: %w", err)
	}
	go n.membership.Start(context.Background())
	return cluster.NewResolver(n.membership, n.logger), nil
}

func (n *node) openNotifier() notify.Notifier {
	cfg := n.cfg
	switch cfg.NotifyBackend {
	case config.NotifySlack:
		return notify.NewSlackNotifier(notify.SlackConfig{
			WebhookURL:   cfg.SlackWebhookURL,
			AlarmChannel: cfg.SlackAlarmChannel,
			InfoChannel:  cfg.SlackInfoChannel,
			Source:       cfg.NodeID,
			Timeout:      5 * time.Second,
		})
	case config.NotifyAMQP:
		amqpNotifier, err := notify.DialAMQPNotifier(notify.AMQPConfig{
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.NotifyExchange,
			Source:   cfg.NodeID,
		})
		if err != nil {
			n.logger.Warn("rabbitmq unavailable, continuing without notifications", "error", err)
			return notify.NoOp{}
		}
		return amqpNotifier
	default:
		return notify.NoOp{}
	}
}

func (n *node) openBindings(ctx context.Context) (pin.BindingStore, error) {
	poolCfg, err := pgxpool.ParseConfig(n.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	n.db, err = pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	store := pin.NewPostgresBindingStore(n.db)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	n.logger.Info("trusted client bindings kept in postgres")
	return store, nil
}

// shutdown flushes the monitors, leaves the cluster and closes connections.
// It tolerates a partially built node.
func (n *node) shutdown(ctx context.Context) {
	if n.deliveries != nil {
		n.deliveries.Stop(ctx)
	}
	if n.scheduler != nil {
		select {
		case <-n.scheduler.Stop().Done():
		case <-ctx.Done():
			n.logger.Warn("scheduled jobs still running at shutdown")
		}
	}
	if n.membership != nil {
		n.membership.Stop()
		if err := n.membership.Leave(ctx); err != nil {
			n.logger.Warn("failed to leave cluster", "error", err)
		}
	}
	if n.escalation != nil {
		n.escalation.Wait()
	}
	if c, ok := n.notifier.(io.Closer); ok {
		if err := c.Close(); err != nil {
			n.logger.Warn("failed to close notifier", "error", err)
		}
	}
	if n.db != nil {
		n.db.Close()
	}
	n.stopSweeper()
	if n.grid != nil {
		if err := n.grid.Close(); err != nil {
			n.logger.Warn("failed to close grid", "error", err)
		}
	}
}
