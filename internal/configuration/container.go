package configuration

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/valsssa/TutorHub-sub003/internal/channel"
	"github.com/valsssa/TutorHub-sub003/internal/rest"
	"github.com/valsssa/TutorHub-sub003/internal/session"
)

type Container struct {
	Config  *Config
	Logger  *zap.Logger
	Session *session.Coordinator
}

// BuildContainer wires the gateway client, the live channel and the session
// for one authenticated user. The channel starts dialing immediately; call
// Session.Start to begin synchronization.
func BuildContainer(cfg *Config) (*Container, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	svc, err := rest.NewClient(rest.Options{
		BaseURL: cfg.Gateway.BaseURL,
		Token:   cfg.Gateway.Token,
		Timeout: cfg.GatewayTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build gateway client: %w", err)
	}

	ch, err := channel.New(channel.Options{
		URL:         cfg.Gateway.SocketURL,
		Token:       cfg.Gateway.Token,
		DialTimeout: cfg.DialTimeout,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open live channel: %w", err)
	}

	sess, err := session.New(svc, ch, session.Options{
		TypingTTL:        cfg.TypingTTL,
		TypingSweepEvery: cfg.TypingSweep,
		TypingThrottle:   cfg.TypingThrottle,
	}, logger)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("build session: %w", err)
	}

	return &Container{
		Config:  cfg,
		Logger:  logger,
		Session: sess,
	}, nil
}

func newLogger(cfg LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// Close shuts the session down, which closes its transport, then flushes the
// logger.
func (c *Container) Close() error {
	var err error
	if c.Session != nil {
		err = c.Session.Close()
	}
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	return err
}
