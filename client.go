package swarmchat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/config"
	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/jobqueue"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/receiver"
	"github.com/opd-ai/swarmchat/sender"
	"github.com/opd-ai/swarmchat/storage"
	"github.com/opd-ai/swarmchat/swarm"
)

// DefaultTypingTimeout is how long a typing indicator stays on without a
// refresh.
const DefaultTypingTimeout = 20 * time.Second

// Options contains the settings used to create a Client.
type Options struct {
	Config *config.Config

	// Nodes replaces the storage nodes described by Config.Swarm.
	Nodes []swarm.Node

	// Identity is used when the store holds none yet. A fresh identity is
	// generated when both are absent.
	Identity *crypto.Identity

	Push         group.PushRegistrar
	Notifier     receiver.Notifier
	TimeProvider messaging.TimeProvider
}

// NewOptions returns default options rooted at dataDir.
func NewOptions(dataDir string) (*Options, error) {
	cfg, err := config.Default(dataDir)
	if err != nil {
		return nil, err
	}
	return &Options{Config: cfg}, nil
}

type openGroup struct {
	server    string
	room      string
	serverKey [32]byte
	blindedID string
}

// Client is a running swarmchat account.
type Client struct {
	cfg      *config.Config
	store    *storage.BoltStore
	identity *crypto.Identity
	swarm    *swarm.Swarm
	queue    *jobqueue.Queue
	sender   *sender.Sender
	receiver *receiver.Receiver
	typing   *receiver.TypingState
	clock    messaging.TimeProvider
	closers  []func() error

	mu         sync.Mutex
	openGroups map[string]*openGroup

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	killOnce sync.Once
}

// New opens the database in the configured data directory, loads or creates
// the identity and assembles the sender and receiver pipelines.
func New(options *Options) (*Client, error) {
	if options == nil || options.Config == nil {
		return nil, errors.New("swarmchat: options without config")
	}
	cfg := options.Config

	logger := logrus.WithFields(logrus.Fields{
		"function": "New",
		"data_dir": cfg.DataDir,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("swarmchat: data dir: %w", err)
	}
	store, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	identity, err := loadIdentity(store, options.Identity)
	if err != nil {
		store.Close()
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		store:      store,
		identity:   identity,
		clock:      options.TimeProvider,
		openGroups: make(map[string]*openGroup),
		typing:     receiver.NewTypingState(DefaultTypingTimeout),
	}
	if c.clock == nil {
		c.clock = messaging.DefaultTimeProvider{}
	}

	nodes := options.Nodes
	if len(nodes) == 0 {
		if nodes, err = c.buildNodes(); err != nil {
			store.Close()
			return nil, err
		}
	}
	c.swarm = swarm.New(nodes...)

	c.queue = jobqueue.New(jobqueue.Config{
		MaxRetries:      cfg.Queue.MaxRetries,
		InitialInterval: time.Duration(cfg.Queue.InitialInterval) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Queue.MaxInterval) * time.Millisecond,
	})
	c.queue.OnComplete = func(id string, job jobqueue.Job, err error) {
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "queue",
				"job_id":   id,
				"job":      job.Name(),
				"error":    err.Error(),
			}).Warn("Job failed")
		}
	}

	push := options.Push
	if push == nil {
		push = group.NopRegistrar{}
	}

	c.sender = sender.New(identity, store, c.swarm,
		sender.WithQueue(c.queue),
		sender.WithPendingKeyPairs(group.NewPendingKeyPairs(cfg.Sender.RotationAttempts)),
		sender.WithPushRegistrar(push),
		sender.WithTimeProvider(c.clock),
		sender.WithPaddingBlockSize(cfg.Sender.PaddingBlockSize),
		sender.WithTTL(cfg.MessageTTL()),
	)

	recvOpts := []receiver.Option{
		receiver.WithKeyDistributor(c.sender),
		receiver.WithQueue(c.queue),
		receiver.WithPushRegistrar(push),
		receiver.WithTypingTracker(c.typing),
		receiver.WithTimeProvider(c.clock),
		receiver.WithDedupCacheSize(cfg.Receiver.DedupCacheSize),
	}
	if options.Notifier != nil {
		recvOpts = append(recvOpts, receiver.WithNotifier(options.Notifier))
	}
	c.receiver, err = receiver.New(identity, store, c.swarm, recvOpts...)
	if err != nil {
		c.closeNodes()
		store.Close()
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.queue.Start(c.ctx)
	c.running.Store(true)

	logger.WithFields(logrus.Fields{
		"session_id": crypto.KeyPreview(identity.SessionID()),
		"nodes":      len(nodes),
	}).Info("Client started")
	return c, nil
}

func loadIdentity(store *storage.BoltStore, fallback *crypto.Identity) (*crypto.Identity, error) {
	identity, err := store.UserIdentity()
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	identity = fallback
	if identity == nil {
		if identity, err = crypto.GenerateIdentity(); err != nil {
			return nil, fmt.Errorf("swarmchat: generate identity: %w", err)
		}
	}
	if err := store.SetUserIdentity(identity); err != nil {
		return nil, err
	}
	return identity, nil
}

func (c *Client) buildNodes() ([]swarm.Node, error) {
	var static *crypto.KeyPair
	nodes := make([]swarm.Node, 0, len(c.cfg.Swarm.Nodes))
	for _, n := range c.cfg.Swarm.Nodes {
		switch n.Kind {
		case config.NodeMemory:
			nodes = append(nodes, swarm.NewMemoryNode(n.Name))
		case config.NodeRedis:
			rn := swarm.DialRedisNode(n.Name, n.Address)
			c.closers = append(c.closers, rn.Close)
			nodes = append(nodes, rn)
		case config.NodeSecure:
			key, err := n.PublicKeyBytes()
			if err != nil {
				return nil, fmt.Errorf("swarmchat: node %s: %w", n.Name, err)
			}
			// Node links use a per-run key, never the identity key.
			if static == nil {
				if static, err = crypto.GenerateKeyPair(); err != nil {
					return nil, err
				}
			}
			nodes = append(nodes, swarm.NewSecureNode(n.Name, n.Address, key, static))
		default:
			return nil, fmt.Errorf("swarmchat: node %s: unknown kind %q", n.Name, n.Kind)
		}
	}
	return nodes, nil
}

func (c *Client) closeNodes() {
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "closeNodes",
				"error":    err.Error(),
			}).Warn("Failed to close storage node")
		}
	}
	c.closers = nil
}

// SessionID returns the account's public identifier.
func (c *Client) SessionID() string { return c.identity.SessionID() }

// Identity returns the account key material.
func (c *Client) Identity() *crypto.Identity { return c.identity }

// Store returns the account database.
func (c *Client) Store() storage.Store { return c.store }

// Sender returns the dispatch pipeline.
func (c *Client) Sender() *sender.Sender { return c.sender }

// Receiver returns the receipt pipeline.
func (c *Client) Receiver() *receiver.Receiver { return c.receiver }

// Swarm returns the storage node set.
func (c *Client) Swarm() *swarm.Swarm { return c.swarm }

// Typing reports typing indicators seen by the receiver.
func (c *Client) Typing() *receiver.TypingState { return c.typing }

// Context is cancelled by Kill.
func (c *Client) Context() context.Context { return c.ctx }

// SetDisplayName updates the profile attached to outgoing visible messages.
func (c *Client) SetDisplayName(name string) error {
	p, err := c.store.UserProfile()
	if err != nil {
		return err
	}
	p.DisplayName = name
	return c.store.SetUserProfile(p)
}

// JoinOpenGroup starts polling a community room and the blinded inbox the
// account has on its server.
func (c *Client) JoinOpenGroup(server, room string, serverPublicKey [32]byte) error {
	blinded, err := c.identity.Blind(serverPublicKey)
	if err != nil {
		return fmt.Errorf("swarmchat: blind for %s: %w", server, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openGroups[server+"/"+room] = &openGroup{
		server:    server,
		room:      room,
		serverKey: serverPublicKey,
		blindedID: blinded.ID(),
	}
	return nil
}

// LeaveOpenGroup stops polling a community room.
func (c *Client) LeaveOpenGroup(server, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.openGroups, server+"/"+room)
}

// BlindedID returns the account's blinded id on a server.
func (c *Client) BlindedID(serverPublicKey [32]byte) (string, error) {
	blinded, err := c.identity.Blind(serverPublicKey)
	if err != nil {
		return "", err
	}
	return blinded.ID(), nil
}
