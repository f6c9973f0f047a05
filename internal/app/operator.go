package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/linedesk/internal/apiclient"
	"github.com/hitoshi/linedesk/internal/config"
	"github.com/hitoshi/linedesk/internal/metrics"
	"github.com/hitoshi/linedesk/internal/notify"
	"github.com/hitoshi/linedesk/internal/security"
	"github.com/hitoshi/linedesk/internal/worker/casesync"
)

// runOperator はオペレーター端末として起動する。
// 担当テナントごとに同期ループを起動し、inから読んだコマンドをループへ振り分ける。
// コンテキストのキャンセルまたはquitコマンドで全ループを停止して戻る。
func runOperator(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	log := slog.Default()

	// 1. APIクライアント
	client := apiclient.NewClient(apiclient.Config{
		BaseURL:    cfg.OperatorAPIURL,
		OperatorID: cfg.OperatorID,
		Timeout:    cfg.RequestTimeout,
	}, nil)

	// 2. アラート通知先
	alerter, err := newOperatorAlerter(cfg, out)
	if err != nil {
		return err
	}

	// 3. メトリクス（METRICS_PORT指定時のみ公開）
	var collector metrics.MetricsCollector = metrics.Nop{}
	var metricsServer *http.Server
	if cfg.MetricsPort != "" {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metrics.SetupMetricsRoute(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// 4. テナントごとの同期ループ
	publisher := casesync.NewConsolePublisher(out, nil)
	loops := make([]*casesync.Loop, 0, len(cfg.OperatorTenants))
	for _, tenantID := range cfg.OperatorTenants {
		loops = append(loops, casesync.NewLoop(
			casesync.Config{
				TenantID:      tenantID,
				OperatorID:    cfg.OperatorID,
				Interval:      cfg.PollInterval,
				AlertCooldown: cfg.AlertCooldown,
			},
			casesync.Deps{
				Source:    client,
				Actions:   client,
				Alerter:   alerter,
				Publisher: publisher,
				Metrics:   collector,
				Logger:    log,
			},
		))
	}

	log.Info("operator starting",
		slog.String("operator_id", cfg.OperatorID),
		slog.String("api_url", cfg.OperatorAPIURL),
		slog.Int("tenants", len(loops)),
		slog.Duration("poll_interval", cfg.PollInterval),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error {
			if err := l.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			l.Stop()
			return nil
		})
	}

	if metricsServer != nil {
		g.Go(func() error {
			log.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server listen error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	// 標準入力の読み取りはキャンセルできないため、errgroupの外で実行する。
	// 入力の終端では同期を続け、quitでのみ終了する。
	fmt.Fprint(out, consoleUsage)
	go func() {
		err := newConsole(loops, out).Run(gctx, in)
		switch {
		case errors.Is(err, errConsoleQuit):
			cancel()
		case err != nil:
			log.Warn("コンソール入力の読み取りに失敗しました", slog.String("error", err.Error()))
		}
	}()

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("operator stopped gracefully")
	return nil
}

// newOperatorAlerter は端末ベルと、設定されていればWebhookへ通知するAlerterを構成する。
func newOperatorAlerter(cfg *config.Config, out io.Writer) (notify.Alerter, error) {
	alerters := notify.MultiAlerter{notify.NewBellAlerter(out)}
	if cfg.AlertWebhookURL == "" {
		return alerters, nil
	}

	guard := security.NewWebhookGuard()
	if err := guard.ValidateURL(cfg.AlertWebhookURL); err != nil {
		return nil, fmt.Errorf("invalid ALERT_WEBHOOK_URL: %w", err)
	}
	return append(alerters, notify.NewWebhookAlerter(cfg.AlertWebhookURL, guard.NewClient(cfg.RequestTimeout))), nil
}
