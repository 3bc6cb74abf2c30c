package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ent0n29/talkavatar/internal/protocol"
)

// ConnectNATS dials the broker used for push task updates.
func ConnectNATS(url string, timeout time.Duration, logger zerolog.Logger) (*nats.Conn, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("no NATS url configured")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	conn, err := nats.Connect(url,
		nats.Name("talkavatar"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info().Str("servers", url).Msg("connected to NATS")
	return conn, nil
}

// NATSMonitor receives task updates published as stream messages on
// <prefix>.<task key>.
type NATSMonitor struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

func NewNATSMonitor(conn *nats.Conn, prefix string, logger zerolog.Logger) *NATSMonitor {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "avatar.tasks"
	}
	return &NATSMonitor{
		conn:   conn,
		prefix: prefix,
		log:    logger.With().Str("component", "nats_monitor").Logger(),
	}
}

func (m *NATSMonitor) Name() string { return "nats" }

// Subject is where updates for key are expected.
func (m *NATSMonitor) Subject(key string) string {
	return m.prefix + "." + key
}

func (m *NATSMonitor) Await(ctx context.Context, ack protocol.Ack, progress func(protocol.TaskResult)) (protocol.TaskResult, error) {
	key := ack.Key()
	if key == "" {
		return protocol.TaskResult{}, fmt.Errorf("%w: acknowledgement carries no task id", ErrPushUnavailable)
	}
	if m.conn == nil || m.conn.Status() != nats.CONNECTED {
		return protocol.TaskResult{}, fmt.Errorf("%w: nats not connected", ErrPushUnavailable)
	}
	sub, err := m.conn.SubscribeSync(m.Subject(key))
	if err != nil {
		return protocol.TaskResult{}, fmt.Errorf("%w: subscribe %s: %w", ErrPushUnavailable, m.Subject(key), err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	acc := protocol.NewStreamAccumulator(ack)
	for {
		natsMsg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return protocol.TaskResult{}, ctxErr
			}
			return protocol.TaskResult{}, fmt.Errorf("%w: %w", ErrMonitorInterrupted, err)
		}
		msg, err := protocol.ParseStreamMessage(natsMsg.Data)
		if err != nil {
			m.log.Debug().Err(err).Str("subject", natsMsg.Subject).Msg("ignoring task update")
			continue
		}
		res, terminal := acc.Apply(msg)
		if terminal {
			return res, nil
		}
		if progress != nil {
			progress(res)
		}
	}
}
