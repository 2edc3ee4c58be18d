package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/qkdops/groundsync/internal/ingest"
	"github.com/qkdops/groundsync/internal/store"
)

// Header names on unit messages.
const (
	natsHeaderName = "Unit-Name"
	natsHeaderKind = "Unit-Kind"
)

// NATSConfig locates the broker and names the subscription.
type NATSConfig struct {
	URL           string // broker URL, e.g. nats://localhost:4222
	SubjectPrefix string // units arrive on {prefix}.logs and {prefix}.packages
	QueueGroup    string // queue group shared by daemon replicas
	Durable       string // JetStream durable consumer base name; empty uses core subscriptions
}

// NATSSubscriber consumes units published by sites and stations. With a
// durable name configured it subscribes through JetStream with explicit
// acks, so units deferred under queue pressure are redelivered; without one
// it falls back to core queue subscriptions. Unit name and kind travel as
// message headers; the subject names the stream a message belongs to.
type NATSSubscriber struct {
	cfg    NATSConfig
	sub    Submitter
	rec    AnomalyRecorder
	logger *slog.Logger
}

func NewNATSSubscriber(cfg NATSConfig, sub Submitter, rec AnomalyRecorder, logger *slog.Logger) *NATSSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "groundsync"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "groundsync-ingest"
	}
	return &NATSSubscriber{cfg: cfg, sub: sub, rec: rec, logger: logger.With("component", "nats")}
}

// Run connects, subscribes both streams, and blocks until ctx is
// cancelled, then drains the connection so in-flight handlers finish.
func (s *NATSSubscriber) Run(ctx context.Context) error {
	closed := make(chan struct{})
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("groundsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.URL, err)
	}

	logSubject := s.cfg.SubjectPrefix + ".logs"
	pkgSubject := s.cfg.SubjectPrefix + ".packages"
	durable := s.cfg.Durable != ""

	if durable {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return fmt.Errorf("open jetstream: %w", err)
		}
		if _, err := js.QueueSubscribe(logSubject, s.cfg.QueueGroup, s.handler(ctx, ingest.KindLog, true),
			nats.Durable(s.cfg.Durable+"-logs"), nats.ManualAck()); err != nil {
			nc.Close()
			return fmt.Errorf("subscribe %s: %w", logSubject, err)
		}
		if _, err := js.QueueSubscribe(pkgSubject, s.cfg.QueueGroup, s.handler(ctx, ingest.KindPackage, true),
			nats.Durable(s.cfg.Durable+"-packages"), nats.ManualAck()); err != nil {
			nc.Close()
			return fmt.Errorf("subscribe %s: %w", pkgSubject, err)
		}
	} else {
		if _, err := nc.QueueSubscribe(logSubject, s.cfg.QueueGroup, s.handler(ctx, ingest.KindLog, false)); err != nil {
			nc.Close()
			return fmt.Errorf("subscribe %s: %w", logSubject, err)
		}
		if _, err := nc.QueueSubscribe(pkgSubject, s.cfg.QueueGroup, s.handler(ctx, ingest.KindPackage, false)); err != nil {
			nc.Close()
			return fmt.Errorf("subscribe %s: %w", pkgSubject, err)
		}
	}

	s.logger.Info("nats subscriber started",
		"url", s.cfg.URL, "queueGroup", s.cfg.QueueGroup, "prefix", s.cfg.SubjectPrefix, "durable", durable)
	<-ctx.Done()

	if err := nc.Drain(); err != nil {
		s.logger.Warn("nats drain failed", "error", err)
		nc.Close()
		return nil
	}
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		nc.Close()
	}
	s.logger.Info("nats subscriber stopped")
	return nil
}

// handler builds the message callback for one stream. Under JetStream,
// handled units ack and deferred ones nak for redelivery; core
// subscriptions carry no acks.
func (s *NATSSubscriber) handler(ctx context.Context, kind ingest.Kind, ack bool) nats.MsgHandler {
	return func(msg *nats.Msg) {
		done := s.process(ctx, kind, msg)
		if !ack {
			return
		}
		if done {
			if err := msg.Ack(); err != nil {
				s.logger.Warn("ack failed", "subject", msg.Subject, "error", err)
			}
		} else if err := msg.Nak(); err != nil {
			s.logger.Warn("nak failed", "subject", msg.Subject, "error", err)
		}
	}
}

// process handles one unit message. The result reports whether the message
// is finished with; false asks for redelivery.
func (s *NATSSubscriber) process(ctx context.Context, kind ingest.Kind, msg *nats.Msg) bool {
	name := msg.Header.Get(natsHeaderName)
	if name == "" {
		s.logger.Warn("unit message without name header", "subject", msg.Subject)
		return true
	}
	if h := msg.Header.Get(natsHeaderKind); h != "" {
		switch ingest.Kind(h) {
		case ingest.KindLog, ingest.KindPackage:
			kind = ingest.Kind(h)
		default:
			s.logger.Warn("unit message with unknown kind", "subject", msg.Subject, "kind", h)
			return true
		}
	}
	unit, err := ingest.NewUnit(name, kind, msg.Data, "nats")
	if err != nil {
		s.logger.Warn("unit message unusable", "unit", name, "error", err)
		recordAnomaly(ctx, s.rec, s.logger, name, store.AnomalyUnitFailed, err.Error())
		return true
	}
	return deliver(ctx, s.sub, unit, s.logger)
}
