package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

type NATSSubmitterConfig struct {
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
}

// NATSSubmitter publishes task inputs on <prefix>.<kind>. The run id in the
// result is the message id sent in the Nats-Msg-Id header.
type NATSSubmitter struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSSubmitter(cfg NATSSubmitterConfig) (*NATSSubmitter, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "workspacesync.tasks"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("workspacesync"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSSubmitter{conn: conn, prefix: strings.TrimSuffix(cfg.SubjectPrefix, ".")}, nil
}

func (s *NATSSubmitter) Subject(kind Kind) string {
	return s.prefix + "." + string(kind)
}

func (s *NATSSubmitter) Submit(ctx context.Context, input Input) (Result, error) {
	if input == nil {
		return Result{}, ErrInvalidTask
	}
	data, err := json.Marshal(input)
	if err != nil {
		return Result{}, err
	}
	msg := nats.NewMsg(s.Subject(input.TaskKind()))
	msg.Data = data
	runID := ulid.Make().String()
	msg.Header.Set(nats.MsgIdHdr, runID)
	if err := s.conn.PublishMsg(msg); err != nil {
		return Result{}, fmt.Errorf("publish task: %w", err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return Result{}, fmt.Errorf("flush task: %w", err)
	}
	return Result{RunID: runID, Status: "published"}, nil
}

func (s *NATSSubmitter) Close() error {
	s.conn.Close()
	return nil
}
