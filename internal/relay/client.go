// Package relay hosts the room's relay-network participant: a libp2p node
// publishing and subscribing on the room topic through gossipsub, with all
// payloads sealed under the room key before they reach the network.
//
// The network delivers at-least-once and unordered; duplicates and reordering
// are a higher layer's problem. The client neither retries nor reorders.
package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/roomwire/roomwire/internal/crypto/roomkey"
	"github.com/roomwire/roomwire/internal/wire"
)

// State is the relay connection state exposed to the UI.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrNoPeers reports that no topic peer became reachable within the
	// connect timeout. Retry is a deliberate caller action, never automatic.
	ErrNoPeers = errors.New("no relay peers found for room topic")
	// ErrNotConnected reports a publish attempted outside the connected state.
	ErrNotConnected = errors.New("relay client is not connected")
	// ErrConnectInProgress reports a second Connect while one is running.
	ErrConnectInProgress = errors.New("relay connect already in progress")
)

const (
	mdnsServiceTag   = "roomwire"
	peerPollInterval = 100 * time.Millisecond
)

// Config wires dependencies for a relay client. Handler is invoked for every
// payload on the room topic that decrypts and decodes; it runs on the read
// loop goroutine.
type Config struct {
	Log            *zap.Logger
	Metrics        *Metrics
	RoomCode       string
	BootstrapPeers []string
	ListenAddrs    []string
	ConnectTimeout time.Duration
	EnableMDNS     bool
	Handler        func(wire.Message)
	OnState        func(State)
}

// Client is a relay-network participant bound to one room's topic and key.
type Client struct {
	log            *zap.Logger
	metrics        *Metrics
	topicName      string
	codec          *wire.Codec
	bootstrapPeers []string
	listenAddrs    []ma.Multiaddr
	connectTimeout time.Duration
	enableMDNS     bool
	handler        func(wire.Message)
	onState        func(State)

	mu        sync.Mutex
	state     State
	host      host.Host
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	mdnsSvc   mdns.Service
	runCancel context.CancelFunc
	readDone  chan struct{}
}

// NewClient derives the room key and topic from the code and prepares a
// client. No network activity happens until Connect.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Handler == nil {
		return nil, errors.New("relay handler is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1"}
	}

	key, err := roomkey.DeriveKey(cfg.RoomCode)
	if err != nil {
		return nil, err
	}
	topicName, err := roomkey.Topic(cfg.RoomCode)
	if err != nil {
		return nil, err
	}
	codec, err := wire.NewCodec(key)
	if err != nil {
		return nil, err
	}

	listenAddrs := make([]ma.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, raw := range cfg.ListenAddrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid listen addr %q: %w", raw, err)
		}
		listenAddrs = append(listenAddrs, addr)
	}

	return &Client{
		log:            cfg.Log.With(zap.String("topic", topicName)),
		metrics:        cfg.Metrics,
		topicName:      topicName,
		codec:          codec,
		bootstrapPeers: cfg.BootstrapPeers,
		listenAddrs:    listenAddrs,
		connectTimeout: cfg.ConnectTimeout,
		enableMDNS:     cfg.EnableMDNS,
		handler:        cfg.Handler,
		onState:        cfg.OnState,
		state:          StateDisconnected,
	}, nil
}

// Topic returns the room's public routing label.
func (c *Client) Topic() string {
	return c.topicName
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect bootstraps the relay node: identity, host, gossipsub, topic
// subscription, bootstrap dials, and a bounded wait for at least one topic
// peer. It blocks for up to the connect timeout; run it from a goroutine to
// keep the caller responsive. On failure all partial resources are released
// and the client lands in the error state.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	case StateConnected:
		c.mu.Unlock()
		return nil
	}
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.notifyState(changed, StateConnecting)
	c.metrics.RecordConnectAttempt()

	runCtx, runCancel := context.WithCancel(context.Background())

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		runCancel()
		return c.failConnect(fmt.Errorf("generate node identity: %w", err))
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(c.listenAddrs...),
	)
	if err != nil {
		runCancel()
		return c.failConnect(fmt.Errorf("start relay node: %w", err))
	}

	c.mu.Lock()
	c.host = h
	c.runCancel = runCancel
	c.mu.Unlock()

	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		c.releaseResources()
		return c.failConnect(fmt.Errorf("start gossipsub: %w", err))
	}

	topic, err := ps.Join(c.topicName)
	if err != nil {
		c.releaseResources()
		return c.failConnect(fmt.Errorf("join topic: %w", err))
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		c.releaseResources()
		return c.failConnect(fmt.Errorf("subscribe topic: %w", err))
	}

	c.mu.Lock()
	c.topic = topic
	c.sub = sub
	c.mu.Unlock()

	c.dialBootstrapPeers(ctx, h)

	if c.enableMDNS {
		svc := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{host: h, ctx: runCtx, log: c.log})
		if err := svc.Start(); err != nil {
			c.log.Warn("mdns discovery unavailable", zap.Error(err))
		} else {
			c.mu.Lock()
			c.mdnsSvc = svc
			c.mu.Unlock()
		}
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, c.connectTimeout)
	defer waitCancel()
	if err := c.waitForTopicPeer(waitCtx, topic); err != nil {
		c.releaseResources()
		return c.failConnect(err)
	}

	readDone := make(chan struct{})
	c.mu.Lock()
	c.readDone = readDone
	changed = c.setStateLocked(StateConnected)
	c.mu.Unlock()
	c.notifyState(changed, StateConnected)
	go c.readLoop(runCtx, sub, readDone)

	c.log.Info("relay connected",
		zap.String("peer_id", h.ID().String()),
		zap.Int("topic_peers", len(topic.ListPeers())))
	return nil
}

// Publish seals and sends a message as a single best-effort datagram. There
// is no acknowledgment and no retry; the caller owns optimistic local echo
// and failure marking.
func (c *Client) Publish(ctx context.Context, m wire.Message) error {
	c.mu.Lock()
	topic := c.topic
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || topic == nil {
		c.metrics.RecordPublishFailure()
		return ErrNotConnected
	}

	payload, err := c.codec.EncodeAndSeal(m)
	if err != nil {
		c.metrics.RecordPublishFailure()
		return fmt.Errorf("encode message: %w", err)
	}
	if err := topic.Publish(ctx, payload); err != nil {
		c.metrics.RecordPublishFailure()
		return fmt.Errorf("publish to room topic: %w", err)
	}
	c.metrics.RecordPublished()
	return nil
}

// DialPeer connects the underlying host to a known peer. Used when two
// clients bootstrap off each other directly instead of shared infrastructure.
func (c *Client) DialPeer(ctx context.Context, info peer.AddrInfo) error {
	c.mu.Lock()
	h := c.host
	c.mu.Unlock()
	if h == nil {
		return ErrNotConnected
	}
	if err := h.Connect(ctx, info); err != nil {
		return fmt.Errorf("dial peer %s: %w", info.ID, err)
	}
	return nil
}

// AddrInfo returns the host's dialable address info. It is available as soon
// as Connect has created the host, before the peer wait completes.
func (c *Client) AddrInfo() (peer.AddrInfo, error) {
	c.mu.Lock()
	h := c.host
	c.mu.Unlock()
	if h == nil {
		return peer.AddrInfo{}, ErrNotConnected
	}
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}, nil
}

// Teardown stops the node and releases all resources. Safe to call at any
// point, including before Connect or after a failed Connect, and idempotent.
func (c *Client) Teardown() {
	c.mu.Lock()
	readDone := c.readDone
	c.readDone = nil
	c.mu.Unlock()

	c.releaseResources()
	if readDone != nil {
		<-readDone
	}

	c.mu.Lock()
	changed := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	c.notifyState(changed, StateDisconnected)
}

func (c *Client) dialBootstrapPeers(ctx context.Context, h host.Host) {
	for _, raw := range c.bootstrapPeers {
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			c.log.Warn("invalid bootstrap peer", zap.String("addr", raw), zap.Error(err))
			continue
		}
		if info.ID == h.ID() {
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = h.Connect(dialCtx, *info)
		cancel()
		if err != nil {
			c.log.Warn("dial bootstrap peer", zap.String("peer", info.ID.String()), zap.Error(err))
			continue
		}
		c.log.Debug("connected bootstrap peer", zap.String("peer", info.ID.String()))
	}
}

// waitForTopicPeer blocks until at least one peer shares the room topic, so
// that both publish and topic-filtered subscribe have somewhere to go.
func (c *Client) waitForTopicPeer(ctx context.Context, topic *pubsub.Topic) error {
	ticker := time.NewTicker(peerPollInterval)
	defer ticker.Stop()

	for {
		if peers := topic.ListPeers(); len(peers) > 0 {
			c.metrics.SetTopicPeers(len(peers))
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("waited %s: %w", c.connectTimeout, ErrNoPeers)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) readLoop(ctx context.Context, sub *pubsub.Subscription, done chan struct{}) {
	defer close(done)
	for {
		psMsg, err := sub.Next(ctx)
		if err != nil {
			// Subscription canceled or context done; the loop owns no state
			// to clean up.
			return
		}
		m, err := c.codec.OpenAndDecode(psMsg.GetData())
		if err != nil {
			// The topic is not access-controlled; foreign or corrupt payloads
			// are expected and never surfaced.
			c.metrics.RecordDropped()
			c.log.Debug("dropped undecodable payload",
				zap.String("from", psMsg.ReceivedFrom.String()), zap.Error(err))
			continue
		}
		c.metrics.RecordReceived()
		c.handler(m)
	}
}

func (c *Client) failConnect(err error) error {
	c.metrics.RecordConnectFailure()
	c.mu.Lock()
	changed := c.setStateLocked(StateError)
	c.mu.Unlock()
	c.notifyState(changed, StateError)
	c.log.Warn("relay connect failed", zap.Error(err))
	return err
}

// releaseResources tears down everything Connect may have built, in reverse
// order of construction.
func (c *Client) releaseResources() {
	c.mu.Lock()
	runCancel := c.runCancel
	mdnsSvc := c.mdnsSvc
	sub := c.sub
	topic := c.topic
	h := c.host
	c.runCancel = nil
	c.mdnsSvc = nil
	c.sub = nil
	c.topic = nil
	c.host = nil
	c.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}
	if mdnsSvc != nil {
		_ = mdnsSvc.Close()
	}
	if sub != nil {
		sub.Cancel()
	}
	if topic != nil {
		_ = topic.Close()
	}
	if h != nil {
		_ = h.Close()
	}
}

func (c *Client) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	c.metrics.SetState(s)
	return true
}

// notifyState runs the state callback outside the client lock so the callback
// may freely call back into the client.
func (c *Client) notifyState(changed bool, s State) {
	if !changed || c.onState == nil {
		return
	}
	c.onState(s)
}

// mdnsNotifee dials every locally discovered peer so nearby clients find each
// other without shared bootstrap infrastructure.
type mdnsNotifee struct {
	ctx  context.Context
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		n.log.Debug("dial mdns peer", zap.String("peer", info.ID.String()), zap.Error(err))
	}
}
