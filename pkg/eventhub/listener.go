package eventhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oim-wa/eventhub/pkg/retry"
)

// listenCmd is a LISTEN/UNLISTEN request executed on the listening
// connection by the listener goroutine. The dedicated connection cannot run
// commands while WaitForNotification is in flight, so all channel changes
// funnel through cmdCh.
type listenCmd struct {
	unlisten bool
	channel  string
	errCh    chan error
}

// listener owns the dedicated notification connection. It waits for
// notifications in bounded slices, executes queued subscription commands
// between waits, and hands event ids to the owning subscriber's workers.
// Connection failures surface to an unbounded retry loop that reconnects
// and re-establishes every subscribed channel.
type listener struct {
	sub    *Subscriber
	logger *slog.Logger

	cmdCh   chan listenCmd
	used    atomic.Bool
	running atomic.Bool

	// wake cancels the in-flight WaitForNotification so a queued command is
	// executed immediately instead of after the select timeout.
	wakeMu sync.Mutex
	wake   context.CancelFunc

	stopCh chan struct{}
	done   chan struct{}
}

func newListener(sub *Subscriber) *listener {
	return &listener{
		sub:    sub,
		logger: sub.opts.logger.With("component", "listener"),
		cmdCh:  make(chan listenCmd, 16),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Running reports whether the listener goroutine is active.
func (l *listener) Running() bool {
	return l.running.Load()
}

// Fresh reports whether the listener has never been started and can still
// be used for a run.
func (l *listener) Fresh() bool {
	return !l.used.Load()
}

// Start launches the listening loop.
func (l *listener) Start(ctx context.Context) {
	if !l.used.CompareAndSwap(false, true) {
		return
	}
	l.running.Store(true)
	go l.run(ctx)
}

func (l *listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.running.Store(false)
	l.logger.Info("listener started")

	err := retry.DoFunc(ctx, retry.Config{
		Retries:  retry.Unbounded,
		Interval: listenRetryInterval,
		Message:  "listener connection lost, reconnecting",
	}, func(ctx context.Context) error {
		select {
		case <-l.stopCh:
			return nil
		default:
		}
		return l.receive(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("listener exited", "error", err)
		return
	}
	l.logger.Info("listener stopped")
}

// receive runs one connection's lifetime: ensure the connection and its
// LISTEN set, then alternate between queued commands and bounded waits for
// notifications. Returns nil only on shutdown.
func (l *listener) receive(ctx context.Context) error {
	conn, err := l.sub.connection(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.processPendingCmds(ctx, conn); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, l.sub.opts.selectTimeout)
		l.setWake(cancel)
		n, err := conn.WaitForNotification(waitCtx)
		l.setWake(nil)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Timeout or a wake for a queued command: loop around.
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			l.sub.listenConn.CleanIfInactive(ctx)
			return fmt.Errorf("wait for notification: %w", err)
		}

		l.dispatch(ctx, n.Channel, n.Payload)
	}
}

func (l *listener) setWake(cancel context.CancelFunc) {
	l.wakeMu.Lock()
	l.wake = cancel
	l.wakeMu.Unlock()
}

func (l *listener) wakeUp() {
	l.wakeMu.Lock()
	if l.wake != nil {
		l.wake()
	}
	l.wakeMu.Unlock()
}

// processPendingCmds drains queued LISTEN/UNLISTEN requests.
func (l *listener) processPendingCmds(ctx context.Context, conn *pgx.Conn) error {
	for {
		select {
		case cmd := <-l.cmdCh:
			err := execChannelCmd(ctx, conn, cmd.unlisten, cmd.channel)
			cmd.errCh <- err
			if err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Listen subscribes the listening connection to a channel. While the
// listener runs the command is queued and the current wait is interrupted;
// before it runs the command executes directly.
func (l *listener) Listen(ctx context.Context, channel string) error {
	return l.exec(ctx, listenCmd{channel: channel, errCh: make(chan error, 1)})
}

// Unlisten removes a channel from the listening connection.
func (l *listener) Unlisten(ctx context.Context, channel string) error {
	return l.exec(ctx, listenCmd{unlisten: true, channel: channel, errCh: make(chan error, 1)})
}

func (l *listener) exec(ctx context.Context, cmd listenCmd) error {
	if !l.running.Load() {
		return l.execDirect(ctx, cmd)
	}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.wakeUp()

	select {
	case err := <-cmd.errCh:
		return err
	case <-l.done:
		// The loop exited after the liveness check but before servicing the
		// command. Run it directly; a duplicate LISTEN/UNLISTEN is harmless.
		return l.execDirect(ctx, cmd)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *listener) execDirect(ctx context.Context, cmd listenCmd) error {
	conn, err := l.sub.connection(ctx)
	if err != nil {
		return err
	}
	return execChannelCmd(ctx, conn, cmd.unlisten, cmd.channel)
}

// dispatch routes one notification to its worker queue.
func (l *listener) dispatch(ctx context.Context, channel, payload string) {
	w := l.sub.workerFor(channel)
	if w == nil {
		l.logger.Warn("notification for unknown channel dropped", "channel", channel)
		return
	}

	var body struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil || body.ID == 0 {
		l.logger.Error("malformed notification payload dropped",
			"channel", channel, "payload", payload, "error", err)
		return
	}

	l.logger.Debug("notification received", "channel", channel, "event_id", body.ID)
	w.Enqueue(eventRef{id: body.ID})
}

// Shutdown stops the listening loop and waits for it to exit.
func (l *listener) Shutdown() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.wakeUp()
	select {
	case <-l.done:
	case <-time.After(2 * l.sub.opts.selectTimeout):
		l.logger.Warn("listener did not stop in time")
	}
}

// execChannelCmd runs LISTEN or UNLISTEN for a channel. Channel names carry
// a dot, so they are always quoted as identifiers.
func execChannelCmd(ctx context.Context, conn *pgx.Conn, unlisten bool, channel string) error {
	verb := "LISTEN"
	if unlisten {
		verb = "UNLISTEN"
	}
	if _, err := conn.Exec(ctx, verb+" "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("%s %s: %w", strings.ToLower(verb), channel, err)
	}
	return nil
}
