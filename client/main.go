package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"h3exchange/component/exchange"
	"h3exchange/component/failure"
	"h3exchange/component/lifecycle"
	"h3exchange/component/session"
	"h3exchange/component/storage"
	"h3exchange/component/truststore"
	"h3exchange/utilities"
)

var log = utilities.NewLogger("client")

type args struct {
	URL              string        `arg:"positional" default:"https://127.0.0.1:8443/getAddress" help:"https URL to request"`
	CA               string        `arg:"--ca,env:H3_CA" default:"certs/ca.crt" help:"PEM bundle of trusted certificate authorities"`
	Method           string        `arg:"-X,--method" default:"POST"`
	Headers          []string      `arg:"-H,--header,separate" help:"extra request header, \"Key: Value\""`
	Data             *string       `arg:"-d,--data" help:"request body, sent without Content-Type unless -H sets one (default {\"address\":\"127.0.0.1\"} as application/json for POST)"`
	Repeat           int           `arg:"--repeat" default:"1" help:"identical exchanges sent in parallel on the one connection"`
	Concurrency      int           `arg:"--concurrency" help:"limit on exchanges in flight, 0 for no limit"`
	DefaultPort      int           `arg:"--default-port" default:"443"`
	Timeout          time.Duration `arg:"--timeout,env:H3_TIMEOUT" default:"30s" help:"deadline for the whole run"`
	HandshakeTimeout time.Duration `arg:"--handshake-timeout" default:"10s"`
	SettingsTimeout  time.Duration `arg:"--settings-timeout" default:"5s"`
	Attempts         int           `arg:"--attempts" default:"3" help:"connection attempts on transient failures"`
	KeyLog           string        `arg:"--keylog,env:SSLKEYLOGFILE" help:"append TLS secrets to this file"`
	MetricsDir       string        `arg:"--metrics-dir,env:H3_METRICS_DIR" help:"write a transport log per connection here"`
	HistoryDir       string        `arg:"--history-dir,env:H3_HISTORY_DIR" help:"keep a report of every run here"`
	LogLevel         string        `arg:"--log-level,env:H3_LOG_LEVEL" default:"info"`
}

func (args) Description() string {
	return "sends HTTP/3 requests over a single QUIC connection and prints the response body"
}

// exit codes per failed phase
var exitCodes = map[failure.Phase]int{
	failure.PhaseSetup:      2,
	failure.PhaseResolution: 3,
	failure.PhaseHandshake:  4,
	failure.PhaseSession:    5,
	failure.PhaseExchange:   6,
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if a.Repeat < 1 {
		p.Fail("--repeat must be at least 1")
	}
	if err := utilities.SetLogLevel(a.LogLevel); err != nil {
		p.Fail(err.Error())
	}
	os.Exit(run(a))
}

func run(a args) int {
	defer utilities.Sync()

	req, err := buildRequest(a)
	if err != nil {
		log.Errorf("❌ %v", err)
		return exitCodes[failure.PhaseSetup]
	}

	store, err := truststore.Load(a.CA)
	if err == nil && store.Len() == 0 {
		err = failure.New(failure.CertificateParse, "load trust store", fmt.Errorf("%s holds no certificates", a.CA))
	}
	if err != nil {
		return fail(err)
	}

	var keyLog io.Writer
	if a.KeyLog != "" {
		f, err := os.OpenFile(a.KeyLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			log.Errorf("❌ error opening key log: %v", err)
			return exitCodes[failure.PhaseSetup]
		}
		defer f.Close()
		keyLog = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	bodies := make([]bytes.Buffer, a.Repeat)
	tasks := make([]lifecycle.Task, a.Repeat)
	for i := range tasks {
		var w io.Writer = os.Stdout
		if a.Repeat > 1 {
			w = &bodies[i]
		}
		tasks[i] = lifecycle.Fetch(req, w)
	}

	report, err := lifecycle.Run(ctx, lifecycle.Config{
		URL:              a.URL,
		Store:            store,
		KeyLogWriter:     keyLog,
		DefaultPort:      a.DefaultPort,
		HandshakeTimeout: a.HandshakeTimeout,
		Attempts:         a.Attempts,
		MetricsDir:       a.MetricsDir,
		Session:          session.Options{SettingsTimeout: a.SettingsTimeout},
		Options:          lifecycle.Options{Concurrency: a.Concurrency},
	}, tasks...)

	if a.Repeat > 1 {
		for i := range bodies {
			os.Stdout.Write(bodies[i].Bytes())
			fmt.Fprintln(os.Stdout)
		}
	}
	for _, ph := range report.Phases {
		log.Debugf("⏱️ %-8s %s", ph.Phase, ph.Duration)
	}
	if a.HistoryDir != "" {
		if serr := storage.Save(a.HistoryDir, storage.NewRecord(a.URL, report, err)); serr != nil {
			log.Warnf("⚠️ error saving run report: %v", serr)
		}
	}
	if err != nil {
		return fail(err)
	}
	log.Infof("🏁 run %s finished, %d/%d exchanges ok", report.RunID, report.Tasks-report.Failed, report.Tasks)
	return 0
}

func buildRequest(a args) (*exchange.Request, error) {
	var req *exchange.Request
	switch {
	case a.Data != nil:
		req = exchange.NewRequest(a.Method, a.URL, []byte(*a.Data))
	case strings.EqualFold(a.Method, "POST"):
		req = exchange.NewRequest(a.Method, a.URL, []byte(`{"address":"127.0.0.1"}`)).
			WithHeader("Content-Type", "application/json")
	default:
		req = exchange.NewRequest(a.Method, a.URL, nil)
	}
	for _, h := range a.Headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("malformed header %q, want \"Key: Value\"", h)
		}
		req = req.WithHeader(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return req, nil
}

func fail(err error) int {
	phase := failure.PhaseOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Errorf("❌ %s phase timed out: %v", phase, err)
	} else {
		log.Errorf("❌ %s phase failed (%s): %v", phase, failure.KindOf(err), err)
	}
	if code, ok := exitCodes[phase]; ok {
		return code
	}
	return 1
}
