// Package live serves particles to websocket viewers over the foxglove
// websocket protocol. Each particle stream gets its own JSON channel; parser
// exceptions go out on a foxglove.Log channel.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"seasieve/pkg/engine"
)

const logChannelID uint64 = 1

type Server struct {
	cfg       Config
	hub       *engine.Hub
	logger    *slog.Logger
	sessionID string

	mu       sync.RWMutex
	clients  map[*client]struct{}
	channels map[string]Channel
	nextID   uint64
}

type outbound struct {
	msgType int
	data    []byte
}

type client struct {
	conn *websocket.Conn
	send chan outbound
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(cfg Config, hub *engine.Hub, opts ...Option) *Server {
	defaults := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = defaults.WSAddr
	}
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaults.TopicPrefix
	}
	if cfg.LogTopic == "" {
		cfg.LogTopic = defaults.LogTopic
	}
	if cfg.LogName == "" {
		cfg.LogName = defaults.LogName
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = defaults.SendBuf
	}

	s := &Server{
		cfg:       cfg,
		hub:       hub,
		logger:    slog.Default(),
		sessionID: uuid.NewString(),
		clients:   make(map[*client]struct{}),
		channels:  make(map[string]Channel),
		nextID:    logChannelID + 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, stream := range cfg.Streams {
		s.channelFor(stream)
	}
	return s
}

func (s *Server) SessionID() string {
	return s.sessionID
}

// Run serves websocket clients on cfg.WSAddr until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.hub != nil {
		sub := s.hub.Subscribe(engine.Named("live"))
		defer s.hub.Unsubscribe(sub)
		go s.broadcastLoop(ctx, sub.C)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	if err := s.addClient(c); err != nil {
		c.close()
		return
	}
	s.logger.Info("viewer connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop(s.hasChannel)

	c.close()
	s.removeClient(c)
	s.logger.Info("viewer disconnected", "remote", r.RemoteAddr)
}

// Channels returns the advertised channels ordered by id.
func (s *Server) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelListLocked()
}

func (s *Server) channelListLocked() []Channel {
	out := make([]Channel, 0, len(s.channels)+1)
	out = append(out, s.logChannel())
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) logChannel() Channel {
	return Channel{
		ID:             logChannelID,
		Topic:          s.cfg.LogTopic,
		Encoding:       "json",
		SchemaName:     "foxglove.Log",
		SchemaEncoding: "jsonschema",
		Schema:         `{"type":"object"}`,
	}
}

func (s *Server) hasChannel(id uint64) bool {
	if id == logChannelID {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.ID == id {
			return true
		}
	}
	return false
}

// channelFor returns the channel of stream, advertising it to connected
// clients the first time it is seen.
func (s *Server) channelFor(stream string) Channel {
	s.mu.RLock()
	ch, ok := s.channels[stream]
	s.mu.RUnlock()
	if ok {
		return ch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[stream]; ok {
		return ch
	}
	ch = Channel{
		ID:             s.nextID,
		Topic:          s.cfg.TopicPrefix + stream,
		Encoding:       "json",
		SchemaName:     "seasieve." + stream,
		SchemaEncoding: "jsonschema",
		Schema:         ParticleSchema,
	}
	s.nextID++
	s.channels[stream] = ch

	if len(s.clients) > 0 {
		msg, err := json.Marshal(AdvertiseMsg{Op: OpAdvertise, Channels: []Channel{ch}})
		if err == nil {
			for c := range s.clients {
				c.trySend(outbound{msgType: websocket.TextMessage, data: msg})
			}
		}
	}
	return ch
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          s.sessionID,
	}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan engine.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub:
			if !ok {
				return
			}
			s.PublishEnvelope(env)
		}
	}
}

// PublishEnvelope sends one particle record to subscribers of its stream.
func (s *Server) PublishEnvelope(env engine.Envelope) {
	ts := env.Received
	if ts.IsZero() {
		ts = time.Now()
	}
	ch := s.channelFor(env.Stream)
	s.publishToChannel(ch.ID, ts, env.Body)
}

// PublishLog sends a foxglove.Log message, typically a parser exception.
func (s *Server) PublishLog(level uint8, message string, ts time.Time) {
	payload, err := json.Marshal(LogMessage{
		Timestamp: FrameTime{Sec: uint32(ts.Unix()), Nsec: uint32(ts.Nanosecond())},
		Level:     level,
		Message:   message,
		Name:      s.cfg.LogName,
	})
	if err != nil {
		return
	}
	s.publishToChannel(logChannelID, ts, payload)
}

func (s *Server) publishToChannel(channelID uint64, ts time.Time, payload []byte) {
	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			frame := EncodeMessageData(subID, logTime, payload)
			c.trySend(outbound{msgType: websocket.BinaryMessage, data: frame})
		}
	}
}

// addClient queues serverInfo and the current advertisement before the
// client becomes visible to channelFor, so advertisements stay ordered.
func (s *Server) addClient(c *client) error {
	info, err := json.Marshal(s.serverInfo())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	adv, err := json.Marshal(AdvertiseMsg{Op: OpAdvertise, Channels: s.channelListLocked()})
	if err != nil {
		return err
	}
	c.trySend(outbound{msgType: websocket.TextMessage, data: info})
	c.trySend(outbound{msgType: websocket.TextMessage, data: adv})
	s.clients[c] = struct{}{}
	return nil
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	if sendBuf <= 0 {
		sendBuf = DefaultConfig().SendBuf
	}
	return &client{
		conn: conn,
		send: make(chan outbound, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(known func(uint64) bool) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if known(sub.ChannelID) {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(msg.msgType, msg.data); err != nil {
			c.close()
			return
		}
	}
}

func (c *client) trySend(msg outbound) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
