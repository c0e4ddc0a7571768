package realtime

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// ErrNotInitialized is returned when the hub is asked to operate
	// before Initialize() registered its endpoint.
	ErrNotInitialized = errors.New("realtime: hub not initialized")
	// ErrUserNotConnected is returned by Subscribe when the user has no
	// live connection on this hub.
	ErrUserNotConnected = errors.New("realtime: user not connected")
)

var (
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connections_total",
		Help: "Total websocket connections accepted, by service.",
	}, []string{"service"})
	disconnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_disconnections_total",
		Help: "Total websocket disconnections, by service.",
	}, []string{"service"})
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_total",
		Help: "Total messages broadcast, by service.",
	}, []string{"service"})
	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_dropped_messages_total",
		Help: "Messages dropped for slow clients, by service.",
	}, []string{"service"})
	broadcastLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realtime_broadcast_latency_seconds",
		Help:    "Broadcast fan-out latency in seconds, by service.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(connectionsTotal, disconnectionsTotal, messagesTotal, droppedTotal, broadcastLatency)
}

// Message wraps a websocket payload with sequencing for replay.
type Message struct {
	Topic string `json:"topic"`
	Seq   uint64 `json:"seq"`
	Data  []byte `json:"data"`
}

// ringBuffer holds the last N messages for a topic.
type ringBuffer struct {
	mu    sync.RWMutex
	buf   []Message
	size  int
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size), size: size}
}

// add appends a message, overwriting old entries when full.
func (r *ringBuffer) add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.start = (r.start + 1) % r.size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

// getSince returns messages with Seq > since.
func (r *ringBuffer) getSince(since uint64) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%r.size]
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	return out
}

// Client represents one websocket connection belonging to a user. A user
// may hold several clients at once (multiple tabs, devices).
type Client struct {
	userID        string
	conn          *websocket.Conn
	send          chan Message
	subscriptions map[string]struct{} // guarded by the owning shard's mutex
	hub           *Hub
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	byUser  map[string]map[*Client]struct{}
}

// Hub is a sharded websocket hub with per-topic replay buffers. It
// implements Service and is instantiated once per blue-green side.
type Hub struct {
	name       string
	shards     []*hubShard
	shardCount uint32

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	buffers    map[string]*ringBuffer
	bufMu      sync.Mutex
	replaySize int
	nextSeq    uint64 // atomic

	totalMessages   int64 // atomic
	droppedMessages int64 // atomic

	upgrader    websocket.Upgrader
	logger      *zap.Logger
	initialized int32 // atomic
	degraded    atomic.Value // string; non-empty marks the hub unhealthy

	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHub creates a hub named for its blue-green side with the given shard
// count and per-topic replay size.
func NewHub(name string, shardCount, replaySize int, logger *zap.Logger) *Hub {
	h := &Hub{
		name:       name,
		shards:     make([]*hubShard, shardCount),
		shardCount: uint32(shardCount),
		register:   make(chan *Client, 1000),
		unregister: make(chan *Client, 1000),
		broadcast:  make(chan Message, 10000),
		buffers:    make(map[string]*ringBuffer),
		replaySize: replaySize,
		logger:     logger,
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.degraded.Store("")
	for i := range h.shards {
		h.shards[i] = &hubShard{
			clients: make(map[*Client]struct{}),
			byUser:  make(map[string]map[*Client]struct{}),
		}
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Initialize registers the websocket endpoint. Safe to call once.
func (h *Hub) Initialize(mux *http.ServeMux) error {
	if !atomic.CompareAndSwapInt32(&h.initialized, 0, 1) {
		return nil
	}
	mux.HandleFunc("/ws/"+h.name, func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		h.ServeWS(w, r, userID)
	})
	h.logger.Info("realtime hub initialized", zap.String("service", h.name))
	return nil
}

// IsInitialized reports whether the endpoint was registered.
func (h *Hub) IsInitialized() bool {
	return atomic.LoadInt32(&h.initialized) == 1
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.shutdown:
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	sh := h.shardFor(c.userID)
	sh.mu.Lock()
	sh.clients[c] = struct{}{}
	set, ok := sh.byUser[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		sh.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	sh.mu.Unlock()

	connectionsTotal.WithLabelValues(h.name).Inc()
	h.logger.Debug("client registered",
		zap.String("service", h.name),
		zap.String("user_id", c.userID))
}

func (h *Hub) removeClient(c *Client) {
	sh := h.shardFor(c.userID)
	sh.mu.Lock()
	if _, ok := sh.clients[c]; !ok {
		sh.mu.Unlock()
		return
	}
	delete(sh.clients, c)
	if set, ok := sh.byUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(sh.byUser, c.userID)
		}
	}
	sh.mu.Unlock()

	close(c.send)
	disconnectionsTotal.WithLabelValues(h.name).Inc()
	h.logger.Debug("client unregistered",
		zap.String("service", h.name),
		zap.String("user_id", c.userID))
}

func (h *Hub) fanOut(msg Message) {
	start := time.Now()
	defer func() {
		broadcastLatency.WithLabelValues(h.name).Observe(time.Since(start).Seconds())
	}()

	h.bufMu.Lock()
	buf, ok := h.buffers[msg.Topic]
	if !ok {
		buf = newRingBuffer(h.replaySize)
		h.buffers[msg.Topic] = buf
	}
	buf.add(msg)
	h.bufMu.Unlock()

	for _, sh := range h.shards {
		sh.mu.RLock()
		for c := range sh.clients {
			if _, sub := c.subscriptions[msg.Topic]; !sub {
				continue
			}
			select {
			case c.send <- msg:
			default:
				// Slow client, drop rather than stall the fan-out.
				atomic.AddInt64(&h.droppedMessages, 1)
				droppedTotal.WithLabelValues(h.name).Inc()
			}
		}
		sh.mu.RUnlock()
	}
	atomic.AddInt64(&h.totalMessages, 1)
	messagesTotal.WithLabelValues(h.name).Inc()
}

func (h *Hub) shardFor(key string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return h.shards[hasher.Sum32()%h.shardCount]
}

// ServeWS upgrades HTTP to websocket and registers the client for userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Client{
		userID:        userID,
		conn:          conn,
		send:          make(chan Message, 256),
		subscriptions: make(map[string]struct{}),
		hub:           h,
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// Broadcast publishes a message to every client subscribed to topic.
// After Shutdown the message is discarded; the run loop is gone and a
// bare send would block once the channel fills.
func (h *Hub) Broadcast(topic string, data []byte) {
	seq := atomic.AddUint64(&h.nextSeq, 1)
	select {
	case <-h.shutdown:
	case h.broadcast <- Message{Topic: topic, Seq: seq, Data: data}:
	}
}

// Replay returns buffered messages for topic with Seq > since.
func (h *Hub) Replay(topic string, since uint64) []Message {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	if buf, ok := h.buffers[topic]; ok {
		return buf.getSince(since)
	}
	return nil
}

// GetAllConnectedUsers lists every user with at least one live connection.
func (h *Hub) GetAllConnectedUsers() ([]string, error) {
	var users []string
	for _, sh := range h.shards {
		sh.mu.RLock()
		for userID := range sh.byUser {
			users = append(users, userID)
		}
		sh.mu.RUnlock()
	}
	return users, nil
}

// GetUserSubscriptions returns the union of topics across the user's
// connections.
func (h *Hub) GetUserSubscriptions(userID string) ([]string, error) {
	sh := h.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	topics := make(map[string]struct{})
	for c := range sh.byUser[userID] {
		for topic := range c.subscriptions {
			topics[topic] = struct{}{}
		}
	}
	out := make([]string, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	return out, nil
}

// GetConnectionCount returns how many live connections the user holds.
func (h *Hub) GetConnectionCount(userID string) int {
	sh := h.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.byUser[userID])
}

// IsUserConnected reports whether the user holds any live connection.
func (h *Hub) IsUserConnected(userID string) bool {
	return h.GetConnectionCount(userID) > 0
}

// GetStats returns aggregate counters across all shards.
func (h *Hub) GetStats() Stats {
	var conns, subs int
	for _, sh := range h.shards {
		sh.mu.RLock()
		conns += len(sh.clients)
		for c := range sh.clients {
			subs += len(c.subscriptions)
		}
		sh.mu.RUnlock()
	}
	return Stats{
		ActiveConnections:  conns,
		TotalMessages:      atomic.LoadInt64(&h.totalMessages),
		DroppedMessages:    atomic.LoadInt64(&h.droppedMessages),
		TotalSubscriptions: subs,
	}
}

// GetHealthStatus reports whether the hub is accepting connections.
func (h *Hub) GetHealthStatus() HealthStatus {
	if !h.IsInitialized() {
		return HealthStatus{IsHealthy: false, Detail: "not initialized"}
	}
	if detail := h.degraded.Load().(string); detail != "" {
		return HealthStatus{IsHealthy: false, Detail: detail}
	}
	select {
	case <-h.shutdown:
		return HealthStatus{IsHealthy: false, Detail: "shut down"}
	default:
	}
	return HealthStatus{IsHealthy: true, Detail: fmt.Sprintf("%d active connections", h.GetStats().ActiveConnections)}
}

// MarkDegraded flags the hub unhealthy with the given detail; an empty
// detail clears the flag. Used by operational tooling and watchdogs.
func (h *Hub) MarkDegraded(detail string) {
	h.degraded.Store(detail)
}

// Subscribe adds a topic to every live connection the user holds.
func (h *Hub) Subscribe(userID, topic string) error {
	if !h.IsInitialized() {
		return ErrNotInitialized
	}
	sh := h.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.byUser[userID]
	if !ok || len(set) == 0 {
		return ErrUserNotConnected
	}
	for c := range set {
		c.subscriptions[topic] = struct{}{}
	}
	return nil
}

func (h *Hub) subscribeClient(c *Client, topic string) {
	sh := h.shardFor(c.userID)
	sh.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	sh.mu.Unlock()
}

func (h *Hub) unsubscribeClient(c *Client, topic string) {
	sh := h.shardFor(c.userID)
	sh.mu.Lock()
	delete(c.subscriptions, topic)
	sh.mu.Unlock()
}

// Shutdown stops the run loop and closes every connection.
func (h *Hub) Shutdown() error {
	h.stopOnce.Do(func() {
		h.logger.Info("shutting down realtime hub", zap.String("service", h.name))
		close(h.shutdown)
		h.wg.Wait()
		for _, sh := range h.shards {
			sh.mu.Lock()
			for c := range sh.clients {
				c.conn.Close()
			}
			sh.mu.Unlock()
		}
	})
	return nil
}
