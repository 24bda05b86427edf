package rwsentinel

import (
	"context"

	"github.com/mediocregopher/radix/v3"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/mediocregopher/rwsentinel/trace"
)

// masterListener holds a +switch-master subscription open to a single sentinel
// for the lifetime of its Sentinel, resubscribing whenever it is lost.
type masterListener struct {
	s    *Sentinel
	addr string
}

func (ml *masterListener) run(ctx context.Context) error {
	lg := ml.s.lg.With(zap.String("sentinel", ml.addr))
	for {
		err := ml.listen(ctx)
		if ctx.Err() != nil {
			lg.Debug("unsubscribed from sentinel")
			return nil
		}

		lg.Warn("lost connection to sentinel, resubscribing after delay",
			zap.Duration("delay", ml.s.so.resubscribeDelay), zap.Error(err))
		ml.s.traceListenerDisconnected(trace.SentinelListenerDisconnected{
			Sentinel: ml.addr,
			Err:      err,
		})

		select {
		case <-ctx.Done():
			return nil
		case <-ml.s.so.clock.After(ml.s.so.resubscribeDelay):
		}
	}
}

// listen subscribes to the sentinel and handles messages until the connection
// fails or ctx is cancelled. Cancelling ctx closes the underlying connection,
// which interrupts any blocked read or subscribe. The PubSubConn itself is only
// ever closed from this goroutine, once it's no longer issuing commands.
func (ml *masterListener) listen(ctx context.Context) error {
	conn, err := ml.s.so.cf("tcp", ml.addr)
	if err != nil {
		return errors.Annotatef(err, "connecting to sentinel %s", ml.addr)
	}

	ps := radix.PubSub(conn)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	msgCh := make(chan radix.PubSubMessage, 8)
	defer func() {
		stop()
		// the PubSubConn's reader may be blocked writing to msgCh, keep it
		// drained until Close has returned.
		doneCh := make(chan struct{})
		go func() {
			for {
				select {
				case <-msgCh:
				case <-doneCh:
					return
				}
			}
		}()
		ps.Close()
		close(doneCh)
	}()

	if err := ps.Subscribe(msgCh, switchMasterChannel); err != nil {
		return errors.Annotatef(err, "subscribing to %s", switchMasterChannel)
	}

	tick := ml.s.so.clock.Ticker(ml.s.so.pingInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := ps.Ping(); err != nil {
				return errors.Annotate(err, "pinging sentinel")
			}
		case m := <-msgCh:
			if m.Channel == switchMasterChannel {
				ml.handle(string(m.Message))
			}
		}
	}
}

// handle processes a single +switch-master payload.
func (ml *masterListener) handle(msg string) {
	lg := ml.s.lg.With(zap.String("sentinel", ml.addr))
	lg.Info("sentinel published +switch-master", zap.String("message", msg))

	name, addr, err := parseSwitchMaster(msg)
	if err != nil {
		lg.Error("invalid +switch-master message", zap.Error(err))
		return
	} else if name != ml.s.name {
		lg.Debug("ignoring +switch-master for other master", zap.String("other", name))
		return
	}

	if err := ml.s.installMaster(ml.addr, addr); err != nil {
		lg.Error("cannot switch master", zap.Stringer("addr", addr), zap.Error(err))
	}
	ml.s.requestReload(ml.addr)
}
