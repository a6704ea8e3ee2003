// Package peerdisc is the peer discovery collaborator: a libp2p host
// announcing hosted channel keys on the kademlia DHT, looking peers up
// by key, and gossiping object-change notices per channel topic.
package peerdisc

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"

	"github.com/graffitinet/graffiti-server/internal/channel"
	"github.com/graffitinet/graffiti-server/internal/config"
)

var log = logging.Logger("peerdisc")

const (
	defaultAnnounceInterval = time.Hour
	provideTimeout          = 10 * time.Second
	lookupTimeout           = 30 * time.Second
	maxProviders            = 20
	noticeBuffer            = 256
)

// announced is one channel this node hosts: the plaintext (needed to
// sign change notices), its derived key, and the joined gossip topic.
type announced struct {
	plaintext string
	key       channel.Key
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
}

// Service is a running peer discovery node.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg    *config.Config
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub

	mu        sync.Mutex
	announces map[channel.Key]*announced

	notices chan ChangeNotice
}

// New builds the libp2p host, DHT and gossipsub router.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		announces: make(map[channel.Key]*announced),
		notices:   make(chan ChangeNotice, noticeBuffer),
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.Listen))
	for _, addr := range cfg.Network.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	connMgr, err := connmgr.NewConnManager(50, 200)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	var dhtRouting *dht.IpfsDHT
	s.host, err = libp2p.New(
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.EnableNATService(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			dhtRouting, err = dht.New(ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix("/graffiti"),
			)
			return dhtRouting, err
		}),
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	s.dht = dhtRouting

	s.pubsub, err = pubsub.NewGossipSub(ctx, s.host)
	if err != nil {
		s.host.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	log.Infof("Peer discovery node %s listening on %v", s.host.ID(), s.host.Addrs())
	return s, nil
}

// Start bootstraps the DHT, dials the configured bootstrap peers and
// begins the periodic re-announce loop.
func (s *Service) Start() error {
	if err := s.dht.Bootstrap(s.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, addr := range s.cfg.Network.Bootstrap {
		addrInfo, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap address %s: %v", addr, err)
			continue
		}
		s.wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer s.wg.Done()
			dialCtx, dialCancel := context.WithTimeout(s.ctx, provideTimeout)
			defer dialCancel()
			if err := s.host.Connect(dialCtx, pi); err != nil {
				log.Debugf("Failed to connect to bootstrap peer %s: %v", pi.ID, err)
			}
		}(*addrInfo)
	}

	s.wg.Add(1)
	go s.announceLoop()
	return nil
}

func (s *Service) announceInterval() time.Duration {
	if d, err := time.ParseDuration(s.cfg.Network.AnnounceInterval); err == nil && d > 0 {
		return d
	}
	return defaultAnnounceInterval
}

// announceLoop re-provides every announced key so provider records on
// the DHT stay fresh.
func (s *Service) announceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.announceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			keys := make([]channel.Key, 0, len(s.announces))
			for k := range s.announces {
				keys = append(keys, k)
			}
			s.mu.Unlock()
			for _, k := range keys {
				s.provide(k)
			}
		}
	}
}

// keyCID maps a channel key onto the content identifier its provider
// records live under.
func keyCID(k channel.Key) (cid.Cid, error) {
	hash := sha256.Sum256(k.Bytes())
	multihash, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode key multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, multihash), nil
}

func (s *Service) provide(k channel.Key) {
	c, err := keyCID(k)
	if err != nil {
		log.Errorf("Cannot announce %s: %v", k, err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, provideTimeout)
	defer cancel()
	if err := s.dht.Provide(ctx, c, true); err != nil {
		log.Debugf("DHT announce of %s failed: %v", k, err)
	}
}

// Announce registers a hosted channel: its key is provided on the DHT
// and its gossip topic joined so change notices flow both ways.
func (s *Service) Announce(plaintext string) error {
	k := channel.KeyOf(plaintext)

	s.mu.Lock()
	if _, ok := s.announces[k]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	topic, err := s.pubsub.Join(k.String())
	if err != nil {
		return fmt.Errorf("failed to join topic for %s: %w", k, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("failed to subscribe to topic for %s: %w", k, err)
	}

	a := &announced{plaintext: plaintext, key: k, topic: topic, sub: sub}
	s.mu.Lock()
	s.announces[k] = a
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readNotices(a)
	s.provide(k)
	return nil
}

// Lookup finds peers providing a channel key.
func (s *Service) Lookup(k channel.Key) ([]peer.AddrInfo, error) {
	c, err := keyCID(k)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, lookupTimeout)
	defer cancel()

	var found []peer.AddrInfo
	for pi := range s.dht.FindProvidersAsync(ctx, c, maxProviders) {
		if pi.ID == s.host.ID() {
			continue
		}
		found = append(found, pi)
	}
	return found, nil
}

// Notices delivers verified change notices received from peers.
func (s *Service) Notices() <-chan ChangeNotice {
	return s.notices
}

// PeerID returns this node's libp2p identity.
func (s *Service) PeerID() peer.ID {
	return s.host.ID()
}

// Stop shuts the node down.
func (s *Service) Stop() error {
	s.cancel()

	s.mu.Lock()
	for _, a := range s.announces {
		a.sub.Cancel()
		a.topic.Close()
	}
	s.announces = make(map[channel.Key]*announced)
	s.mu.Unlock()

	s.wg.Wait()
	return s.host.Close()
}
