package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subscriber opens a subscription to one channel of the realtime service.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers events until the connection ends. Events is closed
// when it does; Err then reports why.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

var (
	ErrHandshake     = errors.New("realtime handshake failed")
	ErrChannelClosed = errors.New("realtime channel closed")

	errBadFrame = errors.New("undecodable realtime frame")
)

const protocolVersion = "7"

type PusherOptions struct {
	Host             string
	Port             int
	Key              string
	TLS              bool
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// PusherSubscriber speaks the Pusher channels protocol, as served by
// Soketi, Laravel Reverb and Pusher itself.
type PusherSubscriber struct {
	opts   PusherOptions
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewPusherSubscriber(opts PusherOptions) *PusherSubscriber {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &PusherSubscriber{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		logger: opts.Logger,
	}
}

func (p *PusherSubscriber) URL() string {
	scheme := "ws"
	if p.opts.TLS {
		scheme = "wss"
	}
	host := p.opts.Host
	if p.opts.Port > 0 {
		host = net.JoinHostPort(p.opts.Host, strconv.Itoa(p.opts.Port))
	}
	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/app/" + url.PathEscape(p.opts.Key),
	}
	q := url.Values{}
	q.Set("protocol", protocolVersion)
	q.Set("client", "mpp-desk")
	q.Set("version", "1.0")
	u.RawQuery = q.Encode()
	return u.String()
}

type pusherMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

func (p *PusherSubscriber) Subscribe(ctx context.Context, channel string) (sub Subscription, err error) {
	conn, _, err := p.dialer.DialContext(ctx, p.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	s := &pusherSubscription{
		conn:    conn,
		channel: channel,
		events:  make(chan Event, 16),
		closing: make(chan struct{}),
		logger:  p.logger,
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	deadline := time.Now().Add(p.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	msg, err := s.read()
	if err != nil {
		return nil, err
	}
	if msg.Event != "pusher:connection_established" {
		return nil, fmt.Errorf("%w: unexpected %s", ErrHandshake, msg.Event)
	}
	var established connectionEstablished
	if err := decodeData(msg.Data, &established); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if established.ActivityTimeout > 0 {
		s.idle = 2 * time.Duration(established.ActivityTimeout) * time.Second
	}

	if err := s.write(pusherMessage{
		Event: "pusher:subscribe",
		Data:  mustJSON(map[string]string{"channel": channel}),
	}); err != nil {
		return nil, err
	}
	for {
		msg, err := s.read()
		if err != nil {
			return nil, err
		}
		switch msg.Event {
		case "pusher_internal:subscription_succeeded":
			_ = conn.SetReadDeadline(time.Time{})
			p.logger.Info("realtime subscribed",
				zap.String("channel", channel),
				zap.String("socket_id", established.SocketID),
			)
			go s.readLoop()
			return s, nil
		case "pusher:error":
			return nil, fmt.Errorf("%w: %s", ErrHandshake, string(msg.Data))
		}
	}
}

type pusherSubscription struct {
	conn    *websocket.Conn
	channel string
	events  chan Event
	closing chan struct{}
	idle    time.Duration
	logger  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (s *pusherSubscription) Events() <-chan Event {
	return s.events
}

func (s *pusherSubscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *pusherSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *pusherSubscription) readLoop() {
	defer close(s.events)
	for {
		if s.idle > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
		}
		msg, err := s.read()
		if errors.Is(err, errBadFrame) {
			s.logger.Debug("skipping realtime frame", zap.Error(err))
			continue
		}
		if err != nil {
			select {
			case <-s.closing:
				s.setErr(ErrChannelClosed)
			default:
				s.setErr(err)
			}
			return
		}
		switch {
		case msg.Event == "pusher:ping":
			if err := s.write(pusherMessage{Event: "pusher:pong", Data: json.RawMessage(`{}`)}); err != nil {
				s.setErr(err)
				return
			}
			continue
		case strings.HasPrefix(msg.Event, "pusher"):
			continue
		case msg.Channel != "" && msg.Channel != s.channel:
			continue
		}

		var payload []byte
		if err := decodeData(msg.Data, &payload); err != nil {
			payload = msg.Data
		}
		ev, err := ParseEvent(msg.Event, payload)
		if err != nil {
			s.logger.Debug("realtime event without readable payload", zap.String("event", msg.Event))
		}
		select {
		case s.events <- ev:
		case <-s.closing:
			s.setErr(ErrChannelClosed)
			return
		}
	}
}

func (s *pusherSubscription) read() (pusherMessage, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return pusherMessage{}, err
	}
	var msg pusherMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return pusherMessage{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return msg, nil
}

func (s *pusherSubscription) write(msg pusherMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *pusherSubscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// decodeData handles Pusher's habit of sending data as a JSON encoded
// string. Raw objects are accepted too.
func decodeData(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return errors.New("empty data")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		raw = json.RawMessage(inner)
	}
	if bytes, ok := out.(*[]byte); ok {
		*bytes = append((*bytes)[:0], raw...)
		return nil
	}
	return json.Unmarshal(raw, out)
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
