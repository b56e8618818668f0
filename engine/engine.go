// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package engine is the node's core: the peer table, the accept/dial
// paths, the inbound message state machine, and the periodic heartbeat and
// gossip services. Everything else in this module (transport, netutil,
// extaddr, discovery, signaling, store, protocol) exists to be wired
// together here.
package engine

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/sentineld/sentinel/events"
	"github.com/sentineld/sentinel/extaddr"
	"github.com/sentineld/sentinel/identity"
	"github.com/sentineld/sentinel/netutil"
	"github.com/sentineld/sentinel/protocol"
	"github.com/sentineld/sentinel/signaling"
	"github.com/sentineld/sentinel/store"
	"github.com/sentineld/sentinel/transport"
)

// HeartbeatInterval is how often a ping is broadcast to every connected
// peer and stale peers are evicted.
const HeartbeatInterval = 20 * time.Second

// PeerTimeout is how long a peer may go without any inbound traffic before
// the heartbeat service evicts it.
const PeerTimeout = 60 * time.Second

// GossipInterval is how often the peer table is broadcast to every
// connected peer.
const GossipInterval = 30 * time.Second

// dedupCapacity bounds the seen-message LRU, matching the original's
// NonZeroUsize::new(1000).
const dedupCapacity = 1000

// NodeName is the display name this node announces in its handshake.
const NodeName = "Sentinel-Core-Node"

// Engine owns one node's full runtime state: identity, listener, peer
// table, persistent store, and the background services.
type Engine struct {
	Identity   *identity.NodeIdentity
	ListenPort int
	DataDir    string

	cert tls.Certificate
	db   *store.Store

	publicAddrMu sync.RWMutex
	publicAddr   string

	peersMu sync.Mutex
	peers   map[string]*peerConn

	seenMu sync.Mutex
	seen   *lru.Cache[uuid.UUID, struct{}]

	signalerOutbound chan protocol.Envelope
	signalerClient   *signaling.Client

	Events events.Bus

	closeOnce sync.Once
	die       chan struct{}
}

// New constructs an Engine rooted at dataDir, generating the data directory
// and an identity key if neither already exists.
func New(dataDir string, listenPort int) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir %s: %w", dataDir, err)
	}

	id, err := identity.LoadOrGenerate(filepath.Join(dataDir, "identity.key"))
	if err != nil {
		return nil, fmt.Errorf("engine: load identity: %w", err)
	}

	db, err := store.Open(filepath.Join(dataDir, "storage.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	certPath := filepath.Join(dataDir, "node.crt")
	keyPath := filepath.Join(dataDir, "node.key")
	if _, err := os.Stat(certPath); err != nil {
		certPath, keyPath = "certs/server.crt", "certs/server.key"
	}
	cert, err := transport.LoadOrGenerateCert(certPath, keyPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: load cert: %w", err)
	}

	seen, err := lru.New[uuid.UUID, struct{}](dedupCapacity)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: create dedup cache: %w", err)
	}

	return &Engine{
		Identity:         id,
		ListenPort:       listenPort,
		DataDir:          dataDir,
		cert:             cert,
		db:               db,
		peers:            make(map[string]*peerConn),
		seen:             seen,
		signalerOutbound: make(chan protocol.Envelope, 16),
		Events:           events.NewBus(256),
		die:              make(chan struct{}),
	}, nil
}

// PublicAddr returns the last externally discovered address, or "" if none
// is known yet.
func (e *Engine) PublicAddr() string {
	e.publicAddrMu.RLock()
	defer e.publicAddrMu.RUnlock()
	return e.publicAddr
}

func (e *Engine) setPublicAddr(addr string) {
	e.publicAddrMu.Lock()
	e.publicAddr = addr
	e.publicAddrMu.Unlock()
}

// Done returns a channel closed once Shutdown runs, so long-lived
// background helpers outside the engine (mDNS browsing, for one) know when
// to stop.
func (e *Engine) Done() <-chan struct{} {
	return e.die
}

// DiscoverPublicAddr runs one blocking STUN query on its own goroutine and
// records the result. The query is bound to the engine's own ListenPort so
// the NAT mapping it discovers is the mapping DialPunch can actually use.
func (e *Engine) DiscoverPublicAddr(stunServer string) {
	go func() {
		addr, err := extaddr.Query(stunServer, e.ListenPort)
		if err != nil {
			log.Warn().Err(err).Msg("STUN discovery failed")
			return
		}
		e.setPublicAddr(addr)
		e.Events.Emit(events.Log(fmt.Sprintf("public address discovered: %s", addr)))
	}()
}

// Run binds the TLS listener and accepts connections until Shutdown is
// called.
func (e *Engine) Run() error {
	addr := fmt.Sprintf("0.0.0.0:%d", e.ListenPort)
	// Must bind with SO_REUSEADDR/SO_REUSEPORT (transport.ListenReusable)
	// rather than a plain Listen: DialPeer later rebinds this same port to
	// punch outbound, which the kernel only allows if the first bind set
	// reuse options.
	ln, err := transport.ListenReusable(addr, e.cert)
	if err != nil {
		return err
	}
	defer ln.Close()

	e.Events.Emit(events.Log(fmt.Sprintf("engine active on %s", addr)))

	go func() {
		<-e.die
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-e.die:
				return nil
			default:
				return fmt.Errorf("engine: accept: %w", err)
			}
		}
		go e.handleAccepted(conn)
	}
}

func (e *Engine) handleAccepted(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	peer := newPeerConn(addr, conn)

	e.peersMu.Lock()
	e.peers[addr] = peer
	e.peersMu.Unlock()

	go peer.sendLoop()

	hs := protocol.NewEnvelope(e.Identity.NodeID(), protocol.HandshakeContent{
		PublicKey: e.Identity.PublicKeyBytes(),
		NodeName:  NodeName,
	})
	e.signAndSend(peer, hs)

	peer.readLoop(func(env protocol.Envelope) {
		e.handleIncoming(peer, env)
	})

	e.disconnectPeer(peer)
}

func (e *Engine) removePeer(addr string) {
	e.peersMu.Lock()
	delete(e.peers, addr)
	e.peersMu.Unlock()
}

// disconnectPeer removes peer from the table and emits a PeerDisconnected
// event, the counterpart to the PeerConnected event emitted on handshake.
// Every path that drops a peer connection (the accept loop, the dial-path
// reader, and heartbeat eviction) must route through this, not removePeer
// directly.
func (e *Engine) disconnectPeer(peer *peerConn) {
	e.removePeer(peer.addr)
	nodeID, _ := peer.identity()
	e.Events.Emit(events.Disconnected(peer.addr, nodeID))
}

// DialPeer opens a hole-punched, TLS-wrapped connection to addr and
// registers it as an outbound peer. A no-op if addr is already connected
// or is this node's own listening port.
func (e *Engine) DialPeer(addr string) error {
	if host, port, err := net.SplitHostPort(addr); err == nil && port == fmt.Sprint(e.ListenPort) {
		if ip := net.ParseIP(host); ip != nil && (ip.IsUnspecified() || ip.IsLoopback()) {
			return nil
		}
	}

	e.peersMu.Lock()
	_, exists := e.peers[addr]
	e.peersMu.Unlock()
	if exists {
		return nil
	}

	localAddr := fmt.Sprintf("0.0.0.0:%d", e.ListenPort)
	raw, err := netutil.DialPunch(localAddr, addr)
	if err != nil {
		raw, err = net.DialTimeout("tcp", addr, netutil.PunchDialTimeout)
		if err != nil {
			return fmt.Errorf("engine: dial %s: %w", addr, err)
		}
	}

	conn, err := transport.Dial(raw, e.cert)
	if err != nil {
		raw.Close()
		return fmt.Errorf("engine: tls dial %s: %w", addr, err)
	}

	peer := newPeerConn(addr, conn)
	e.peersMu.Lock()
	e.peers[addr] = peer
	e.peersMu.Unlock()

	go peer.sendLoop()

	hs := protocol.NewEnvelope(e.Identity.NodeID(), protocol.HandshakeContent{
		PublicKey: e.Identity.PublicKeyBytes(),
		NodeName:  NodeName,
	})
	e.signAndSend(peer, hs)

	go func() {
		peer.readLoop(func(env protocol.Envelope) {
			e.handleIncoming(peer, env)
		})
		e.disconnectPeer(peer)
	}()

	return nil
}

// signAndSend fills in the sender's public key and signature, matching
// sign_and_send in the original engine.
func (e *Engine) signAndSend(peer *peerConn, env protocol.Envelope) {
	env.PublicKey = e.Identity.PublicKeyBytes()
	hash, err := env.SigHash()
	if err != nil {
		log.Error().Err(err).Msg("failed to compute signature hash")
		return
	}
	env.Signature = e.Identity.Sign(hash)
	peer.send(env)
}

// Broadcast signs and sends env to every connected peer.
func (e *Engine) Broadcast(env protocol.Envelope) {
	e.peersMu.Lock()
	peersSnapshot := make([]*peerConn, 0, len(e.peers))
	for _, p := range e.peers {
		peersSnapshot = append(peersSnapshot, p)
	}
	e.peersMu.Unlock()

	for _, p := range peersSnapshot {
		e.signAndSend(p, env)
	}
}

// handleIncoming is the inbound message state machine: refresh liveness,
// dedup by envelope id, verify the signature if present, then dispatch by
// content type.
func (e *Engine) handleIncoming(peer *peerConn, env protocol.Envelope) {
	peer.touch()

	e.seenMu.Lock()
	_, seen := e.seen.Get(env.ID)
	if !seen {
		e.seen.Add(env.ID, struct{}{})
	}
	e.seenMu.Unlock()
	if seen {
		return
	}

	if len(env.Signature) > 0 {
		hash, err := env.SigHash()
		if err != nil {
			return
		}
		if !identity.Verify(hash, env.Signature, env.PublicKey) {
			return
		}
	}

	switch content := env.Content.(type) {
	case protocol.HandshakeContent:
		peer.setIdentity(env.Sender, content.NodeName)
		e.Events.Emit(events.Connected(peer.addr, env.Sender))
	case protocol.ChatContent:
		if content.Text != "PING" {
			e.Events.Emit(events.Chat(env.Sender, content.Text))
			if err := e.db.PersistMessage(env); err != nil {
				log.Debug().Err(err).Msg("failed to persist message")
			}
		}
	case protocol.PeerDiscoveryContent:
		// Merging gossiped peer lists into a dial queue is left to a
		// higher layer; this module accepts the message and ignores it
		// (open question 1).
	case protocol.DisconnectContent:
		e.Events.Emit(events.Log(fmt.Sprintf("%s disconnected: %s", env.Sender, content.Reason)))
	}
}

// StartHeartbeatService broadcasts a PING to every peer on HeartbeatInterval
// and evicts peers that have been silent for longer than PeerTimeout. Blocks
// until Shutdown is called.
func (e *Engine) StartHeartbeatService() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.die:
			return
		case <-ticker.C:
			ping := protocol.NewEnvelope(e.Identity.NodeID(), protocol.ChatContent{Text: "PING"})
			e.Broadcast(ping)
			e.evictStalePeers()
		}
	}
}

func (e *Engine) evictStalePeers() {
	e.peersMu.Lock()
	var stale []*peerConn
	for addr, p := range e.peers {
		if p.idleSince() >= PeerTimeout {
			p.close()
			delete(e.peers, addr)
			stale = append(stale, p)
		}
	}
	e.peersMu.Unlock()

	for _, p := range stale {
		e.disconnectPeer(p)
	}
}

// StartGossipService broadcasts the peer table to every connected peer on
// GossipInterval, skipping the round entirely when the table is empty.
// Blocks until Shutdown is called.
func (e *Engine) StartGossipService() {
	ticker := time.NewTicker(GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.die:
			return
		case <-ticker.C:
			peerList := e.snapshotPeerInfo()
			if len(peerList) == 0 {
				continue
			}
			gossip := protocol.NewEnvelope(e.Identity.NodeID(), protocol.PeerDiscoveryContent{Peers: peerList})
			e.Broadcast(gossip)
		}
	}
}

func (e *Engine) snapshotPeerInfo() []protocol.PeerInfo {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()

	peerList := make([]protocol.PeerInfo, 0, len(e.peers))
	for addr, p := range e.peers {
		nodeID, nodeName := p.identity()
		// LastSeen is always sent as 0: the original's gossip snapshot
		// never populates it either (engine.rs's start_gossip_service
		// builds PeerInfo { last_seen: 0, .. } unconditionally).
		peerList = append(peerList, protocol.PeerInfo{
			NodeID:   nodeID,
			Address:  addr,
			NodeName: nodeName,
			LastSeen: 0,
		})
	}
	return peerList
}

// Peers returns a snapshot of "address -> node id" for every connected
// peer, for CLI display.
func (e *Engine) Peers() map[string]protocol.PeerInfo {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()

	out := make(map[string]protocol.PeerInfo, len(e.peers))
	for addr, p := range e.peers {
		nodeID, nodeName := p.identity()
		out[addr] = protocol.PeerInfo{NodeID: nodeID, Address: addr, NodeName: nodeName}
	}
	return out
}

// History returns up to n persisted chat messages, in reverse key order
// (see store.History).
func (e *Engine) History(n int) ([]protocol.Envelope, error) {
	return e.db.History(n)
}

// StartSignalerClient maintains a connection to the rendezvous directory at
// signalerAddr, dialing any peer it resolves via lookup.
func (e *Engine) StartSignalerClient(signalerAddr string) {
	client := signaling.NewClient(signalerAddr, e.Identity.NodeID(), e.Identity.PublicKeyBytes(), e.signalerOutbound, func(publicAddr string) {
		go func() {
			if err := e.DialPeer(publicAddr); err != nil {
				log.Debug().Err(err).Str("addr", publicAddr).Msg("dial from signaler lookup failed")
			}
		}()
	})
	e.signalerClient = client
	client.Run()
}

// RequestLookup asks the rendezvous directory to resolve targetID to an
// address.
func (e *Engine) RequestLookup(targetID string) {
	env := protocol.NewSignalEnvelope(e.Identity.NodeID(), protocol.LookupRequestSignal{TargetID: targetID})
	select {
	case e.signalerOutbound <- env:
	default:
		log.Debug().Msg("signaler outbound queue full, dropping lookup request")
	}
}

// Shutdown broadcasts a disconnect notice to every peer, stops the
// background services and the signaler client, and flushes the store.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		goodbye := protocol.NewEnvelope(e.Identity.NodeID(), protocol.DisconnectContent{Reason: "node shutting down"})
		e.Broadcast(goodbye)
		// Give each peer's sendLoop a brief window to flush the goodbye
		// notice before its connection is torn down.
		time.Sleep(100 * time.Millisecond)

		close(e.die)

		if e.signalerClient != nil {
			e.signalerClient.Stop()
		}

		e.peersMu.Lock()
		for _, p := range e.peers {
			p.close()
		}
		e.peersMu.Unlock()

		if err := e.db.Close(); err != nil {
			log.Debug().Err(err).Msg("error closing store during shutdown")
		}
	})
}
