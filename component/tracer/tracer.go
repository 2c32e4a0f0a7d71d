package tracer

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
	"github.com/quic-go/quic-go/qlog"

	"h3exchange/utilities"
)

var log = utilities.NewLogger("tracer")

// rtt smoothing factor, 0 < alpha < 1, higher alpha weighs recent samples more
const alpha = 0.9

// ConnectionTracer collects transport counters for one client connection.
type ConnectionTracer struct {
	mu      sync.Mutex
	connID  string
	logFile *os.File

	packetsSent     int64
	bytesSent       int64
	packetsReceived int64
	bytesReceived   int64
	packetsLost     int64
	packetsDropped  int64

	rtt      rttEstimator
	cwnd     int64
	closeErr error
	closed   bool
}

// rttEstimator keeps a running EMA and EMA variance of RTT samples in microseconds.
type rttEstimator struct {
	samples  int
	ema      float64
	variance float64
}

func (e *rttEstimator) observe(x float64) {
	e.samples++
	if e.samples == 1 {
		e.ema = x
		return
	}
	e.ema = alpha*x + (1-alpha)*e.ema
	e.variance = alpha*(x-e.ema)*(x-e.ema) + (1-alpha)*e.variance
}

// Stats is a point-in-time copy of a tracer's counters.
type Stats struct {
	ConnectionID       string
	PacketsSent        int64
	BytesSent          int64
	PacketsReceived    int64
	BytesReceived      int64
	PacketsLost        int64
	PacketsDropped     int64
	DropRate           float64
	RetransmissionRate float64
	SmoothedRTT        time.Duration
	RTTJitter          float64 // EMA variance of RTT samples, µs²
	CongestionWindow   int64   // bytes, as of the last metrics update
	CloseReason        string
}

// New creates a tracer. When dir is not empty every event is also appended
// to <dir>/<connID>_client.log.
func New(connID string, dir string) (*ConnectionTracer, error) {
	t := &ConnectionTracer{connID: connID}
	if dir == "" {
		return t, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating metrics directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, connID+"_client.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	t.logFile = f
	return t, nil
}

func (t *ConnectionTracer) ID() string {
	return t.connID
}

func (t *ConnectionTracer) logf(format string, args ...any) {
	if t.logFile != nil {
		fmt.Fprintf(t.logFile, format+"\n", args...)
	}
}

// CloseLogFile releases the metrics file, safe to call more than once.
func (t *ConnectionTracer) CloseLogFile() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.logFile != nil {
		t.logFile.Close()
		t.logFile = nil
	}
}

// Hooks returns the quic-go callbacks feeding this tracer.
func (t *ConnectionTracer) Hooks() *logging.ConnectionTracer {
	return &logging.ConnectionTracer{
		StartedConnection: func(local, remote net.Addr, srcConnID, destConnID logging.ConnectionID) {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.logf("Started connection from %s (%s) to %s (%s)", local, srcConnID, remote, destConnID)
		},
		SentShortHeaderPacket: func(header *logging.ShortHeader, size logging.ByteCount, ecn logging.ECN, af *logging.AckFrame, frames []logging.Frame) {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.packetsSent++
			t.bytesSent += int64(size)
			t.logf("Sent packet %d (%d bytes)", header.PacketNumber, size)
		},
		ReceivedShortHeaderPacket: func(header *logging.ShortHeader, size logging.ByteCount, ecn logging.ECN, frames []logging.Frame) {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.packetsReceived++
			t.bytesReceived += int64(size)
			t.logf("Received packet %d (%d bytes)", header.PacketNumber, size)
		},
		LostPacket: func(encLevel logging.EncryptionLevel, packetNumber logging.PacketNumber, reason logging.PacketLossReason) {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.packetsLost++
			t.logf("Lost packet %d: %v", packetNumber, reason)
		},
		DroppedPacket: func(packetType logging.PacketType, packetNumber logging.PacketNumber, packetSize logging.ByteCount, reason logging.PacketDropReason) {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.packetsDropped++
			t.logf("Dropped packet %d (%d bytes): %v", packetNumber, packetSize, reason)
		},
		UpdatedMetrics: func(rttStats *logging.RTTStats, cwnd, bytesInFlight logging.ByteCount, packetsInFlight int) {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.observeMetrics(rttStats.LatestRTT(), int64(cwnd))
			t.logf("Updated metrics: rtt=%v, cwnd=%d, bytesInFlight=%d, packetsInFlight=%d", rttStats.LatestRTT(), cwnd, bytesInFlight, packetsInFlight)
		},
		ClosedConnection: func(err error) {
			t.mu.Lock()
			t.closed = true
			t.closeErr = err
			t.logf("Closed connection: %v", err)
			t.mu.Unlock()
			t.CloseLogFile()
		},
	}
}

// observeMetrics folds one metrics update in. Callers hold t.mu.
func (t *ConnectionTracer) observeMetrics(latestRTT time.Duration, cwnd int64) {
	// LatestRTT is zero until the first valid sample
	if latestRTT != 0 {
		t.rtt.observe(float64(latestRTT.Microseconds()))
	}
	t.cwnd = cwnd
}

// Snapshot copies the counters.
func (t *ConnectionTracer) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		ConnectionID:       t.connID,
		PacketsSent:        t.packetsSent,
		BytesSent:          t.bytesSent,
		PacketsReceived:    t.packetsReceived,
		BytesReceived:      t.bytesReceived,
		PacketsLost:        t.packetsLost,
		PacketsDropped:     t.packetsDropped,
		DropRate:           ratio(t.packetsDropped, t.packetsReceived),
		RetransmissionRate: ratio(t.packetsLost, t.packetsSent),
		SmoothedRTT:        time.Duration(t.rtt.ema) * time.Microsecond,
		RTTJitter:          t.rtt.variance,
		CongestionWindow:   t.cwnd,
	}
	if t.closed && t.closeErr != nil {
		s.CloseReason = t.closeErr.Error()
	}
	return s
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// EMA returns the exponential moving average of data.
func EMA(data []float64, alpha float64) float64 {
	if len(data) == 0 {
		return 0
	}
	ema := data[0]
	for i := 1; i < len(data); i++ {
		ema = alpha*data[i] + (1-alpha)*ema
	}
	return ema
}

// EMAVariance returns the exponentially weighted variance of data around its moving average.
func EMAVariance(data []float64, alpha float64) float64 {
	if len(data) < 2 {
		return 0
	}
	ema := data[0]
	emaVariance := 0.0
	for i := 1; i < len(data); i++ {
		ema = alpha*data[i] + (1-alpha)*ema
		emaVariance = alpha*(data[i]-ema)*(data[i]-ema) + (1-alpha)*emaVariance
	}
	return emaVariance
}

// QUICTracer builds the quic.Config.Tracer callback for t. If QLOGDIR is set
// the events are also written as qlog.
func QUICTracer(t *ConnectionTracer) func(context.Context, logging.Perspective, quic.ConnectionID) *logging.ConnectionTracer {
	return func(ctx context.Context, p logging.Perspective, ci quic.ConnectionID) *logging.ConnectionTracer {
		hooks := t.Hooks()
		qlogTracer := qlog.DefaultConnectionTracer(ctx, p, ci)
		if qlogTracer == nil {
			return hooks
		}
		log.Debugf("writing qlog for connection %s", ci)
		return logging.NewMultiplexedConnectionTracer(hooks, qlogTracer)
	}
}
