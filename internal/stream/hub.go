// Package stream pushes live waypoints, stops and session events to
// websocket listeners, fanning out across API instances through Redis.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	channelPrefix = "rides:"
	channelSuffix = ":broadcast"
)

// Event is the JSON envelope every listener receives.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      any    `json:"data"`
}

type Hub struct {
	redis   *redis.Client
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	SessionID string
	Send      chan []byte
}

// NewHub returns a hub. With a Redis client, broadcasts go through Redis and
// reach listeners connected to any instance; without one they stay local.
func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:   redisClient,
		clients: map[string]map[*Client]struct{}{},
		done:    make(chan struct{}),
	}
	if redisClient == nil {
		close(h.done)
		return h
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.pubsub = redisClient.PSubscribe(ctx, channelPrefix+"*"+channelSuffix)
	if _, err := h.pubsub.Receive(ctx); err != nil {
		log.Warn().Err(err).Msg("redis subscribe failed, live stream stays local")
		_ = h.pubsub.Close()
		h.pubsub = nil
		h.redis = nil
		cancel()
		close(h.done)
		return h
	}
	go h.subscribeRedis()
	return h
}

func (h *Hub) Register(sessionID string) *Client {
	client := &Client{
		SessionID: sessionID,
		Send:      make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = map[*Client]struct{}{}
	}
	h.clients[sessionID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessionClients, ok := h.clients[client.SessionID]
	if !ok {
		return
	}
	if _, ok := sessionClients[client]; !ok {
		return
	}
	delete(sessionClients, client)
	if len(sessionClients) == 0 {
		delete(h.clients, client.SessionID)
	}
	close(client.Send)
}

// Listeners reports how many clients follow sessionID.
func (h *Hub) Listeners(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// Broadcast sends payload to every listener of sessionID. Slow listeners
// drop messages rather than block the pipeline.
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(context.Background(), redisChannel(sessionID), payload).Err()
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("session", sessionID).Msg("redis publish failed, delivering locally")
	}
	h.deliver(sessionID, payload)
}

// Publish wraps data in an Event and broadcasts it.
func (h *Hub) Publish(sessionID, kind string, data any) {
	payload, err := json.Marshal(Event{Type: kind, SessionID: sessionID, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", kind).Msg("encode stream event")
		return
	}
	h.Broadcast(sessionID, payload)
}

// Close stops the Redis subscription and disconnects every listener.
func (h *Hub) Close() error {
	var err error
	if h.cancel != nil {
		h.cancel()
	}
	if h.pubsub != nil {
		err = h.pubsub.Close()
	}
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, clients := range h.clients {
		for c := range clients {
			close(c.Send)
		}
		delete(h.clients, id)
	}
	return err
}

func (h *Hub) deliver(sessionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[sessionID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis() {
	defer close(h.done)
	for msg := range h.pubsub.Channel() {
		sessionID := sessionIDFromChannel(msg.Channel)
		if sessionID == "" {
			continue
		}
		h.deliver(sessionID, []byte(msg.Payload))
	}
}

func redisChannel(sessionID string) string {
	return channelPrefix + sessionID + channelSuffix
}

// sessionIDFromChannel parses rides:{session}:broadcast.
func sessionIDFromChannel(ch string) string {
	if len(ch) <= len(channelPrefix)+len(channelSuffix) ||
		!strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
