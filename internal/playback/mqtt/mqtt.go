// Package mqtt drives local players through an MQTT broker. Players announce
// themselves with a retained message on <prefix>/<id>/status and accept JSON
// commands on <prefix>/<id>/command.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"alarmd/internal/metrics"
	"alarmd/internal/playback"
	logx "alarmd/pkg/logx"
)

const (
	backendName   = "mqtt"
	DefaultPrefix = "alarmd/players"
)

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Prefix         string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// publisher is the part of pahomqtt.Client the backend uses after connect.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnectionOpen() bool
}

type Backend struct {
	cfg Config
	log logx.Logger

	// connMu guards the session, which Connect sets from the supervised
	// connect task while playback calls read it.
	connMu sync.RWMutex
	client pahomqtt.Client
	pub    publisher

	mu      sync.RWMutex
	players map[string]bool // id -> online
}

var _ playback.Backend = (*Backend)(nil)

func New(cfg Config, log logx.Logger) *Backend {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "alarmd"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Backend{cfg: cfg, log: log.With(logx.String("backend", backendName)), players: map[string]bool{}}
}

// Connect dials the broker. The client reconnects on its own afterwards and
// re-subscribes to player status on every connect.
func (b *Backend) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.OnConnect = func(c pahomqtt.Client) {
		topic := b.cfg.Prefix + "/+/status"
		if token := c.Subscribe(topic, 1, b.handleStatus); token.Wait() && token.Error() != nil {
			b.log.Warn("subscribe to player status failed", logx.String("topic", topic), logx.Err(token.Error()))
			return
		}
		b.log.Info("connected to broker", logx.String("broker", b.cfg.Broker))
	}
	opts.OnConnectionLost = func(_ pahomqtt.Client, err error) {
		b.log.Warn("broker connection lost", logx.Err(err))
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker: %w", err)
	}
	b.setSession(client, client)
	return nil
}

func (b *Backend) setSession(client pahomqtt.Client, pub publisher) {
	b.connMu.Lock()
	b.client, b.pub = client, pub
	b.connMu.Unlock()
}

func (b *Backend) publisher() publisher {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.pub
}

func (b *Backend) Close() error {
	b.connMu.Lock()
	client := b.client
	b.client, b.pub = nil, nil
	b.connMu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func (b *Backend) Name() string { return backendName }

// Token is a placeholder credential: the broker session is the credential.
func (b *Backend) Token(context.Context) (playback.Token, bool) {
	pub := b.publisher()
	if pub == nil || !pub.IsConnectionOpen() {
		return playback.Token{}, false
	}
	return playback.Token{Value: backendName}, true
}

func (b *Backend) handleStatus(_ pahomqtt.Client, msg pahomqtt.Message) {
	id, ok := b.playerFromTopic(msg.Topic())
	if !ok {
		return
	}
	online := parseStatus(msg.Payload())
	b.mu.Lock()
	b.players[id] = online
	b.mu.Unlock()
	b.log.Debug("player status", logx.String("player", id), logx.Bool("online", online))
}

func (b *Backend) playerFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.cfg.Prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/status")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// parseStatus accepts "online"/"offline" or {"state":"online"}.
func parseStatus(payload []byte) bool {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var p struct {
			State string `json:"state"`
		}
		if json.Unmarshal(payload, &p) != nil {
			return false
		}
		s = p.State
	}
	return strings.EqualFold(s, "online")
}

// ResolveDevice maps name to its player id. An empty name picks the first
// online player.
func (b *Backend) ResolveDevice(_ context.Context, _ playback.Token, name string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if strings.TrimSpace(name) == "" {
		ids := make([]string, 0, len(b.players))
		for id, online := range b.players {
			if online {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return "", false
		}
		sort.Strings(ids)
		return ids[0], true
	}
	id := Slug(name)
	if b.players[id] {
		return id, true
	}
	return "", false
}

type command struct {
	Action  string `json:"action"`
	URI     string `json:"uri,omitempty"`
	Volume  *int   `json:"volume,omitempty"`
	Shuffle bool   `json:"shuffle,omitempty"`
}

func playCommand(req playback.PlayRequest) command {
	v := clamp(req.Volume)
	return command{Action: "play", URI: req.ContextURI, Volume: &v, Shuffle: req.Shuffle}
}

func volumeCommand(percent int) command {
	v := clamp(percent)
	return command{Action: "volume", Volume: &v}
}

func (b *Backend) StartPlayback(_ context.Context, _ playback.Token, req playback.PlayRequest) error {
	err := b.send(req.DeviceID, playCommand(req))
	metrics.BackendRequests.WithLabelValues(backendName, "play", metrics.Result(err)).Inc()
	return err
}

func (b *Backend) SetVolume(_ context.Context, _ playback.Token, deviceID string, percent int) error {
	err := b.send(deviceID, volumeCommand(percent))
	metrics.BackendRequests.WithLabelValues(backendName, "volume", metrics.Result(err)).Inc()
	return err
}

func (b *Backend) send(deviceID string, cmd command) error {
	pub := b.publisher()
	if pub == nil {
		return playback.ErrNoCredential
	}
	if deviceID == "" {
		return playback.ErrDeviceNotFound
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	topic := b.cfg.Prefix + "/" + deviceID + "/command"
	token := pub.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(b.cfg.PublishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Slug turns a display name into a topic-safe player id.
func Slug(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			dash = false
		case sb.Len() > 0 && !dash:
			sb.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
