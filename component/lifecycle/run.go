package lifecycle

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"h3exchange/component/connector"
	"h3exchange/component/failure"
	"h3exchange/component/session"
	"h3exchange/component/tlsconfig"
	"h3exchange/component/tracer"
	"h3exchange/component/truststore"
)

// Config describes one run: a single connection to URL's authority and the
// tasks that share it.
type Config struct {
	URL string
	// CAFile is read when Store is nil.
	CAFile string
	Store  *truststore.Store

	KeyLogWriter     io.Writer
	SessionCacheSize int

	LocalAddr        string // zero means ":0"
	Resolver         connector.Resolver
	QUIC             *quic.Config
	DefaultPort      int
	HandshakeTimeout time.Duration
	Attempts         int
	Backoff          time.Duration
	MetricsDir       string

	Session session.Options
	Options Options
}

type PhaseTiming struct {
	Phase    string
	Duration time.Duration
}

// Report summarizes a run. It is filled as far as the run got.
type Report struct {
	RunID      string
	Connection tracer.Stats
	Phases     []PhaseTiming
	Tasks      int
	Failed     int
	TaskErrors []error
}

func (r *Report) timed(phase string, start time.Time) {
	r.Phases = append(r.Phases, PhaseTiming{Phase: phase, Duration: time.Since(start)})
}

// Run loads the trust store, connects, opens the session, coordinates tasks on
// it and waits until the endpoint has no connection left.
func Run(ctx context.Context, cfg Config, tasks ...Task) (Report, error) {
	report := Report{RunID: uuid.New().String(), Tasks: len(tasks)}
	log.Infof("🚀 run %s: %d task(s) against %s", report.RunID, len(tasks), cfg.URL)

	start := time.Now()
	store := cfg.Store
	if store == nil {
		var err error
		if store, err = truststore.Load(cfg.CAFile); err != nil {
			return report, err
		}
	}
	tlsConf := tlsconfig.Build(store, tlsconfig.Options{
		SessionCacheSize: cfg.SessionCacheSize,
		KeyLogWriter:     cfg.KeyLogWriter,
	})
	report.timed("setup", start)

	local := cfg.LocalAddr
	if local == "" {
		local = ":0"
	}
	ep, err := connector.NewEndpoint(local)
	if err != nil {
		return report, failure.New(failure.Unknown, "bind endpoint", err)
	}
	defer ep.Close()

	start = time.Now()
	dialer := &connector.Dialer{
		Endpoint:         ep,
		TLS:              tlsConf,
		QUIC:             cfg.QUIC,
		Resolver:         cfg.Resolver,
		DefaultPort:      cfg.DefaultPort,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Attempts:         cfg.Attempts,
		Backoff:          cfg.Backoff,
		MetricsDir:       cfg.MetricsDir,
	}
	conn, err := dialer.Connect(ctx, cfg.URL)
	report.timed("connect", start)
	if err != nil {
		return report, err
	}

	start = time.Now()
	sess, err := session.Open(ctx, conn, cfg.Session)
	report.timed("session", start)
	if err != nil {
		report.Connection = conn.Stats()
		return report, err
	}

	start = time.Now()
	taskErrs, driverErr := coordinate(ctx, sess, cfg.Options, tasks)
	report.timed("exchange", start)
	for _, err := range taskErrs {
		if err != nil {
			report.Failed++
			report.TaskErrors = append(report.TaskErrors, err)
		}
	}

	start = time.Now()
	grace := cfg.Options.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	idleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := ep.WaitIdle(idleCtx); err != nil {
		log.Warnf("⚠️ endpoint still busy after %s: %v", grace, err)
	}
	report.timed("shutdown", start)

	report.Connection = conn.Stats()
	log.Infof("📊 run %s: sent %d packets, received %d, lost %d, srtt %s",
		report.RunID, report.Connection.PacketsSent, report.Connection.PacketsReceived,
		report.Connection.PacketsLost, report.Connection.SmoothedRTT)
	return report, errors.Join(append([]error{driverErr}, report.TaskErrors...)...)
}
