package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"
)

const defaultTimeout = 5 * time.Second

type Options struct {
	Pinger      Pinger
	PingTimeout time.Duration
	Timeout     time.Duration
}

// Prober runs the layered check: reachability first, then the service-level
// check for the endpoint's protocol. It never returns an error; every failure
// is encoded in the Result.
type Prober struct {
	pinger      Pinger
	pingTimeout time.Duration
	timeout     time.Duration
}

func New(opts Options) *Prober {
	pinger := opts.Pinger
	if pinger == nil {
		pinger = NoopPinger{}
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultTimeout
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{
		pinger:      pinger,
		pingTimeout: pingTimeout,
		timeout:     timeout,
	}
}

func (p *Prober) Check(ctx context.Context, host string, port int, protocol Protocol) Result {
	start := time.Now()

	// An unreachable host cannot have an open port, so the service check is skipped.
	if err := p.pinger.Ping(ctx, host, p.pingTimeout); err != nil {
		return Result{Method: MethodPing, Error: "ping failed: " + err.Error()}
	}

	endpoint := net.JoinHostPort(host, strconv.Itoa(port))
	if protocol == UDP {
		return p.checkUDP(ctx, endpoint, start)
	}
	return p.checkTCP(ctx, endpoint, start)
}

func (p *Prober) checkTCP(ctx context.Context, endpoint string, start time.Time) Result {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return Result{Method: MethodTCP, Error: dialErrorReason(err)}
	}
	_ = conn.Close()
	return Result{Available: true, Method: MethodTCP, Latency: time.Since(start)}
}

// checkUDP sends one datagram and waits for any reply. UDP has no handshake,
// so silence until the deadline counts as available; only an explicit
// port-unreachable (ECONNREFUSED on the connected socket) is a failure.
func (p *Prober) checkUDP(ctx context.Context, endpoint string, start time.Time) Result {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "udp", endpoint)
	if err != nil {
		return Result{Method: MethodUDP, Error: dialErrorReason(err)}
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(p.timeout)); err != nil {
		return Result{Method: MethodUDP, Error: "os error: " + err.Error()}
	}
	if _, err := conn.Write([]byte{0x00}); err != nil {
		return Result{Method: MethodUDP, Error: dialErrorReason(err)}
	}

	buf := make([]byte, 1024)
	_, err = conn.Read(buf)
	if err == nil || isTimeout(err) {
		return Result{Available: true, Method: MethodUDP, Latency: time.Since(start)}
	}
	return Result{Method: MethodUDP, Error: dialErrorReason(err)}
}

func dialErrorReason(err error) string {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case isTimeout(err):
		return "connection timeout"
	default:
		return "os error: " + err.Error()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
