package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"securedocs/internal/ratelimit"
	"securedocs/internal/util"
	"securedocs/pkg/emailverify"
	"securedocs/pkg/otp"
	"securedocs/pkg/storage"
	"securedocs/services/custody/internal/app"
	"securedocs/services/custody/internal/config"
	"securedocs/services/custody/internal/security"
	"securedocs/services/custody/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	blobs, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	var mailer emailverify.Sender
	if cfg.SMTPHost != "" {
		mailer, err = emailverify.NewSMTPSender(emailverify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			log.Fatalf("failed to init smtp sender: %v", err)
		}
	} else {
		mailer = &emailverify.LogSender{Logger: logger}
	}

	var sms otp.Sender
	if cfg.SMSProvider == "aliyun" {
		sms, err = otp.NewAliyunSender(otp.AliyunConfig{
			AccessKeyID:     cfg.SMSAccessKeyID,
			AccessKeySecret: cfg.SMSAccessKeySecret,
			Endpoint:        cfg.SMSEndpoint,
			SignName:        cfg.SMSSignName,
			TemplateCode:    cfg.SMSTemplateCode,
		})
		if err != nil {
			log.Fatalf("failed to init sms sender: %v", err)
		}
	} else {
		sms = &otp.LogSender{Logger: logger}
	}

	var auditPublisher security.Publisher
	if cfg.AMQPURL != "" {
		publisher, err := security.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to init audit publisher: %v", err)
		}
		defer publisher.Close()
		auditPublisher = publisher
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		SessionTTL:     sessionTTL,
		JWTSecret:      cfg.JWTSecret,
		PublicBaseURL:  cfg.PublicBaseURL,
		Blobs:          blobs,
		Mailer:         mailer,
		SMS:            sms,
		AuditPublisher: auditPublisher,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer := server.New(server.Config{
		App:             appCore,
		CORSOrigin:      cfg.CORSOrigin,
		RegisterLimiter: limiter(cfg, "register", cfg.RegisterRateLimitPerMinute),
		LoginLimiter:    limiter(cfg, "login", cfg.LoginRateLimitPerMinute),
		ResendLimiter:   limiter(cfg, "resend", cfg.ResendRateLimitPerMinute),
	})

	addr := ":" + cfg.Port
	// No WriteTimeout: the watch endpoints hold event streams open.
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	appCore.StartEmailPolling(ctx)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		if cfg.MaxConnections > 0 {
			listener = netutil.LimitListener(listener, cfg.MaxConnections)
		}
		slog.Info("custody server listening", "addr", addr)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func limiter(cfg config.FileConfig, name string, perMinute int) *ratelimit.FixedWindowLimiter {
	if perMinute <= 0 {
		return nil
	}
	l, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "securedocs:ratelimit:"+name, perMinute, time.Minute)
	if err != nil {
		log.Fatalf("failed to init %s rate limiter: %v", name, err)
	}
	return l
}
