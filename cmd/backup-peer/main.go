// cmd/backup-peer/main.go
//
// backup-peer is the minimal runnable entrypoint wiring the core library
// together: config, crypto, persistent store, rate limiting, reputation,
// allocation, and the verification scheduler, accepting and dialing
// websocket peer connections directly. The real CLI surface (usage text,
// flag ergonomics, a terminal UI) is this module's collaborator's concern;
// this binary only needs to exist so the library builds to something
// runnable end-to-end.
//
// Usage:
//
//	backup-peer run [--listen addr] [--dial ws://host:port]
//	backup-peer status
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/backup-peer/internal/allocation"
	"github.com/ssd-technologies/backup-peer/internal/applog"
	"github.com/ssd-technologies/backup-peer/internal/config"
	"github.com/ssd-technologies/backup-peer/internal/crypto"
	"github.com/ssd-technologies/backup-peer/internal/peer"
	"github.com/ssd-technologies/backup-peer/internal/ratelimit"
	"github.com/ssd-technologies/backup-peer/internal/reputation"
	"github.com/ssd-technologies/backup-peer/internal/store"
	"github.com/ssd-technologies/backup-peer/internal/transfer"
	"github.com/ssd-technologies/backup-peer/internal/transport"
	"github.com/ssd-technologies/backup-peer/internal/verification"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: backup-peer <run|status> [flags]")
}

// node bundles the long-lived collaborators every session on this peer
// shares, so each accepted or dialed connection only needs to build its
// own Session and Dispatcher around them.
type node struct {
	cfg        config.Config
	keyManager *crypto.KeyManager
	db         *store.DB
	logger     applog.Logger

	limiter  *ratelimit.Limiter
	rep      *reputation.Engine
	ledger   *allocation.Ledger
	secrets  *crypto.SharedSecretCache
	history  *verification.History
	provider *verification.StoreProvider
}

func newNode(cfg config.Config) (*node, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	km, err := crypto.LoadOrCreateKeyManager(cfg.KeysDir(), cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("key manager: %w", err)
	}
	db, err := store.NewDB(cfg.DBPath(), cfg.FieldEncryptionSeed)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	secrets, err := crypto.NewSharedSecretCache(256)
	if err != nil {
		return nil, fmt.Errorf("shared secret cache: %w", err)
	}

	logger := applog.New(cfg.Debug)
	rep := reputation.NewEngine(func(snapshot map[string]reputation.Score) error {
		body, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return os.WriteFile(cfg.ReputationExportPath(), body, 0o600)
	})

	return &node{
		cfg:        cfg,
		keyManager: km,
		db:         db,
		logger:     logger,
		limiter:    ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		rep:        rep,
		ledger:     allocation.NewLedger(cfg.MaxOfferedBytes),
		secrets:    secrets,
		history:    verification.NewHistory(),
		provider:   verification.NewStoreProvider(db),
	}, nil
}

func (n *node) close() {
	n.db.Close()
}

// serveChannel runs one connected peer's full life cycle: handshake,
// storage commitment exchange, then the dispatch loop, until the channel
// closes or ctx is cancelled.
func (n *node) serveChannel(ctx context.Context, ch transport.Channel) {
	sess := transport.NewSession(transport.Dependencies{
		KeyManager: n.keyManager,
		Logger:     n.logger,
		OnDisconnect: func(peerIDHash string) {
			n.logger.Warnf("backup-peer: session to %s disconnected", peerIDHash)
		},
		OnBadIdentity: func(peerIDHash string, err error) {
			n.logger.Warnf("backup-peer: rejecting bad identity from %s: %v", peerIDHash, err)
		},
	})

	if err := sess.Establish(ch, nil); err != nil {
		n.logger.Warnf("backup-peer: handshake failed: %v", err)
		return
	}
	peerIDHash := sess.PeerIDHash()
	n.logger.Infof("backup-peer: connected to %s", peerIDHash)

	sender := peer.NewSessionSender(sess)

	sharedSecret, err := n.exchangeCommitments(ch, sess, sender)
	if err != nil {
		n.logger.Warnf("backup-peer: storage commitment exchange with %s failed: %v", peerIDHash, err)
		sess.Close()
		return
	}

	router := transfer.NewRouter()
	inbound := transfer.NewInbound(n.db, sender, sharedSecret, n.cfg.ReceivedChunksDir(), func(string) string { return n.cfg.ReceivedDir() })
	responder := verification.NewResponder(n.provider, sender)
	scheduler := verification.NewScheduler(n.db, sender, n.provider, n.history, n.rep, n.logger, generateID)

	dispatcher := peer.NewDispatcher(sess, n.limiter, router, inbound, responder, scheduler, n.rep, n.logger,
		n.db, n.keyManager, sender, n.ledger, n.cfg.MaxOfferedBytes, "best-effort")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sess.RunKeepalive(runCtx, func() bool { return true })
	go scheduler.Run(runCtx)

	for {
		raw, err := ch.ReadMessage()
		if err != nil {
			n.logger.Infof("backup-peer: channel to %s closed: %v", peerIDHash, err)
			return
		}
		dispatcher.Dispatch(raw)
	}
}

// exchangeCommitments sends this node's own storage commitment and blocks
// for the peer's reply, deriving the per-session shared secret from the
// peer's offered encryption public key. This runs once, synchronously,
// before the general dispatch loop begins, per the storage commitment
// exchange happening as a session first enters connected.
func (n *node) exchangeCommitments(ch transport.Channel, sess *transport.Session, sender *peer.SessionSender) ([32]byte, error) {
	var secret [32]byte
	now := time.Now()
	ours := verification.BuildCommitment(n.keyManager, n.cfg.MaxOfferedBytes, "best-effort", now)
	oursBody, err := json.Marshal(ours)
	if err != nil {
		return secret, err
	}
	env, err := json.Marshal(peer.Envelope{Type: peer.KindStorageCommitment, Payload: oursBody})
	if err != nil {
		return secret, err
	}
	if err := sess.Send(env); err != nil {
		return secret, err
	}

	for {
		raw, err := ch.ReadMessage()
		if err != nil {
			return secret, err
		}
		var inEnv peer.Envelope
		if err := json.Unmarshal(raw, &inEnv); err != nil || inEnv.Type != peer.KindStorageCommitment {
			continue
		}
		var theirs store.StorageCommitment
		if err := json.Unmarshal(inEnv.Payload, &theirs); err != nil {
			continue
		}
		ident := sess.PeerIdentity()
		if ident == nil {
			return secret, fmt.Errorf("peer identity missing before commitment exchange")
		}
		if _, err := verification.ExchangeStorageCommitments(n.db, n.keyManager, sess.PeerIDHash(), &theirs, ident.PublicKey, n.cfg.MaxOfferedBytes, "best-effort", now); err != nil {
			return secret, err
		}
		var theirEncPub [32]byte
		copy(theirEncPub[:], theirs.EncryptionPublicKey)
		return n.keyManager.SharedSecret(n.secrets, sess.PeerIDHash(), theirEncPub)
	}
}

func generateID() string {
	return uuid.NewString()
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:7070", "local address to accept inbound peer connections on")
	dial := fs.String("dial", "", "websocket URL of a peer to connect out to")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-peer: %v\n", err)
		os.Exit(1)
	}

	n, err := newNode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-peer: %v\n", err)
		os.Exit(1)
	}
	defer n.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.limiter.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			n.logger.Warnf("backup-peer: upgrade failed: %v", err)
			return
		}
		go n.serveChannel(ctx, transport.NewWebSocketChannel(conn))
	})

	server := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Errorf("backup-peer: listener stopped: %v", err)
		}
	}()
	n.logger.Infof("backup-peer: accepting connections on ws://%s/peer", *listen)

	// Matchmaking against the signaling broker is this module's
	// collaborator's concern; this minimal entrypoint dials a peer
	// address directly, falling back to the configured broker URL only
	// because it is the one address config always has in hand.
	target := *dial
	if target == "" {
		target = cfg.SignalingURL
	}
	if target != "" {
		conn, _, err := websocket.DefaultDialer.Dial(target, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "backup-peer: dial %s: %v\n", target, err)
		} else {
			go n.serveChannel(ctx, transport.NewWebSocketChannel(conn))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("backup-peer: shutting down")
	cancel()
	server.Close()
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-peer: %v\n", err)
		os.Exit(1)
	}

	db, err := store.NewDB(cfg.DBPath(), cfg.FieldEncryptionSeed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-peer: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-peer: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Backups by direction:")
	for dir, count := range stats.BackupsByDirection {
		fmt.Printf("  %-8s %d backups, %d bytes\n", dir, count, stats.BytesByDirection[dir])
	}
	fmt.Println("Peers by trust level:")
	for level, count := range stats.PeersByTrustLevel {
		fmt.Printf("  %-8s %d\n", level, count)
	}
}
