// Package mqttbroker is the embedded MQTT 3.1.1 broker scanners publish
// their reads to. Deliveries to subscribers are QoS 0; inbound QoS 1
// publishes are acknowledged so simple device firmware keeps working.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PublishMessage is a publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

type clientSession struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	clientID  string
	keepAlive time.Duration
	closed    atomic.Bool

	subsMu sync.RWMutex
	subs   map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:   conn,
		reader: bufio.NewReader(conn),
		subs:   make(map[string]struct{}),
	}
}

func (c *clientSession) matches(topic string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for filter := range c.subs {
		if MatchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) subscribe(filter string) {
	c.subsMu.Lock()
	c.subs[filter] = struct{}{}
	c.subsMu.Unlock()
}

func (c *clientSession) unsubscribe(filter string) {
	c.subsMu.Lock()
	delete(c.subs, filter)
	c.subsMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker accepts scanner connections and routes publishes between them
// and the server.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{logger: logger, clients: make(map[*clientSession]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening on bind. The returned channel is closed once the
// accept loop terminates; a fatal accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Stop closes the listener and every client. It is safe to call twice.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish sends a message from the server to every matching subscriber.
func (b *Broker) Publish(topic string, payload []byte) error {
	if b.shuttingDown.Load() {
		return net.ErrClosed
	}
	return b.forward(topic, payload, nil)
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	ctx := context.Background()
	connected := false

	for {
		if session.keepAlive > 0 {
			_ = session.conn.SetReadDeadline(time.Now().Add(session.keepAlive * 3 / 2))
		}
		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", "client", session.clientID, "error", err)
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("duplicate connect", "client", session.clientID)
				return
			}
			if err := b.handleConnect(session, payload); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
			connected = true
		case packetPublish:
			msg, packetID, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			if packetID != 0 {
				if err := session.writePacket(buildAck(packetPubAck<<4, packetID)); err != nil {
					return
				}
			}
			msg.ClientID = session.clientID
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, ctx, msg, b.logger)
			}
			if err := b.forward(msg.Topic, msg.Payload, session); err != nil {
				b.logger.Debug("forward publish failed", "topic", msg.Topic, "error", err)
			}
		case packetSubscribe:
			if err := b.handleSubscribe(session, payload); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(session, payload); err != nil {
				b.logger.Debug("handle unsubscribe error", "error", err)
				return
			}
		case packetPingReq:
			if err := session.writePacket(pingResp); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) error {
	cp, err := parseConnect(payload)
	if err != nil {
		return err
	}
	if cp.clientID == "" {
		cp.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = cp.clientID
	session.keepAlive = time.Duration(cp.keepAlive) * time.Second

	if err := session.writePacket(connAckAccepted); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("mqtt client connected", "client", cp.clientID, "remote", session.conn.RemoteAddr().String())
	return nil
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	req, err := parseSubscribe(payload)
	if err != nil {
		return err
	}
	granted := make([]bool, len(req.filters))
	for i, filter := range req.filters {
		if err := ValidateFilter(filter); err != nil {
			b.logger.Debug("rejected subscription", "client", session.clientID, "error", err)
			continue
		}
		session.subscribe(filter)
		granted[i] = true
	}
	return session.writePacket(buildSubAck(req.packetID, granted))
}

func (b *Broker) handleUnsubscribe(session *clientSession, payload []byte) error {
	req, err := parseUnsubscribe(payload)
	if err != nil {
		return err
	}
	for _, filter := range req.filters {
		session.unsubscribe(filter)
	}
	return session.writePacket(buildAck(0xB0, req.packetID))
}

func (b *Broker) forward(topic string, payload []byte, exclude *clientSession) error {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if session == exclude || !session.matches(topic) {
			continue
		}
		if err := session.writePacket(packet); err != nil {
			b.logger.Warn("publish to subscriber failed", "client", session.clientID, "error", err)
		}
	}
	return nil
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r, "topic", msg.Topic)
		}
	}()
	h(ctx, msg)
}
