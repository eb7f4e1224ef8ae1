package probe

import (
	"context"
	"errors"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

var errNoEchoReply = errors.New("no echo reply")

// Pinger is the reachability layer run before the service-level check.
type Pinger interface {
	Ping(ctx context.Context, host string, timeout time.Duration) error
}

// ICMPPinger sends a single ICMP echo request. Unprivileged mode uses UDP
// "ping sockets" and needs net.ipv4.ping_group_range on Linux.
type ICMPPinger struct {
	Privileged bool
}

func (p ICMPPinger) Ping(ctx context.Context, host string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return err
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return errNoEchoReply
	}
	return nil
}

// NoopPinger treats every host as reachable, for networks that drop ICMP.
type NoopPinger struct{}

func (NoopPinger) Ping(context.Context, string, time.Duration) error {
	return nil
}
