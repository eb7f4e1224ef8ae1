package probe

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

func ParseProtocol(value string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(value))) {
	case TCP, "":
		return TCP, nil
	case UDP:
		return UDP, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", value)
	}
}

// Method names the probe layer that produced a Result.
type Method string

const (
	MethodPing Method = "ping"
	MethodTCP  Method = "tcp"
	MethodUDP  Method = "udp"
)

// Result is the outcome of one probe. Latency is zero when no meaningful
// timing was captured; Error is set only when Available is false.
type Result struct {
	Available bool
	Method    Method
	Latency   time.Duration
	Error     string
}

// Checker performs a single layered check against one endpoint.
type Checker interface {
	Check(ctx context.Context, host string, port int, protocol Protocol) Result
}
