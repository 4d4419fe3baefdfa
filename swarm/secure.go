package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/crypto"
)

// ErrNodeRejected wraps an error reported by a remote node.
var ErrNodeRejected = errors.New("swarm: node rejected request")

// serverRequestTimeout bounds how long a NodeServer works on one request.
const serverRequestTimeout = 30 * time.Second

type nodeOp uint8

const (
	opStore nodeOp = iota + 1
	opFetch
)

type nodeRequest struct {
	Op   nodeOp `cbor:"1,keyasint"`
	Key  string `cbor:"2,keyasint"`
	Data []byte `cbor:"3,keyasint,omitempty"`
	TTL  int64  `cbor:"4,keyasint,omitempty"` // nanoseconds
}

type nodeResponse struct {
	Error string   `cbor:"1,keyasint,omitempty"`
	Items [][]byte `cbor:"2,keyasint,omitempty"`
}

// SecureNode is a client for a remote NodeServer. Every request runs over a
// fresh Noise IK session authenticated against the server's static key.
type SecureNode struct {
	name      string
	addr      string
	serverKey [32]byte
	static    *crypto.KeyPair
	dialer    net.Dialer
}

// NewSecureNode creates a client for the node at addr. static is the
// client's own Noise key pair.
func NewSecureNode(name, addr string, serverPublicKey [32]byte, static *crypto.KeyPair) *SecureNode {
	return &SecureNode{
		name:      name,
		addr:      addr,
		serverKey: serverPublicKey,
		static:    static,
	}
}

// Name returns the node name.
func (n *SecureNode) Name() string { return n.name }

// Store sends data to the remote node.
func (n *SecureNode) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	_, err := n.roundTrip(ctx, &nodeRequest{Op: opStore, Key: key, Data: data, TTL: int64(ttl)})
	return err
}

// Fetch reads key's messages from the remote node.
func (n *SecureNode) Fetch(ctx context.Context, key string) ([][]byte, error) {
	resp, err := n.roundTrip(ctx, &nodeRequest{Op: opFetch, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (n *SecureNode) roundTrip(ctx context.Context, req *nodeRequest) (*nodeResponse, error) {
	conn, err := n.dialer.DialContext(ctx, "tcp", n.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	hs, err := NewIKHandshake(n.static, n.serverKey[:], Initiator)
	if err != nil {
		return nil, err
	}
	first, err := hs.Initiate()
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeFrame(conn, first); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	reply, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if err := hs.Finish(reply); err != nil {
		return nil, err
	}
	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, err
	}

	raw, err := cbor.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := writeSealed(conn, send, raw); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	raw, err = readSealed(conn, recv)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp nodeResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrNodeRejected, resp.Error)
	}
	return &resp, nil
}

// NodeServer exposes a backing Node over Noise IK secured TCP.
type NodeServer struct {
	static  *crypto.KeyPair
	backend Node

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
	wg        sync.WaitGroup
}

// NewNodeServer creates a server that authenticates with static and stores
// into backend.
func NewNodeServer(static *crypto.KeyPair, backend Node) *NodeServer {
	return &NodeServer{static: static, backend: backend}
}

// PublicKey returns the server's static public key, which clients pin.
func (s *NodeServer) PublicKey() [32]byte {
	return s.static.Public
}

// ListenAndServe listens on addr and serves until Close.
func (s *NodeServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close.
func (s *NodeServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  ln.Addr().String(),
	}).Info("Storage node listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops all listeners and waits for open connections to finish.
func (s *NodeServer) Close() error {
	s.mu.Lock()
	s.closed = true
	var errs []error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.listeners = nil
	s.mu.Unlock()
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *NodeServer) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(serverRequestTimeout))

	logger := logrus.WithFields(logrus.Fields{
		"function": "handleConn",
		"remote":   conn.RemoteAddr().String(),
	})

	hs, err := NewIKHandshake(s.static, nil, Responder)
	if err != nil {
		logger.WithError(err).Error("Failed to create handshake")
		return
	}
	first, err := readHandshakeFrame(conn)
	if err != nil {
		logger.WithError(err).Debug("Failed to read handshake")
		return
	}
	reply, err := hs.Respond(first)
	if err != nil {
		logger.WithError(err).Warn("Handshake rejected")
		return
	}
	if err := writeHandshakeFrame(conn, reply); err != nil {
		return
	}
	send, recv, err := hs.CipherStates()
	if err != nil {
		return
	}

	for {
		raw, err := readSealed(conn, recv)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.WithError(err).Debug("Connection closed")
			}
			return
		}
		resp := s.process(raw)
		out, err := cbor.Marshal(resp)
		if err != nil {
			logger.WithError(err).Error("Failed to encode response")
			return
		}
		if err := writeSealed(conn, send, out); err != nil {
			return
		}
	}
}

func (s *NodeServer) process(raw []byte) (resp *nodeResponse) {
	var req nodeRequest
	defer func() {
		result := "ok"
		if resp.Error != "" {
			result = "error"
		}
		nodeRequests.WithLabelValues(req.Op.String(), result).Inc()
	}()

	if err := cbor.Unmarshal(raw, &req); err != nil {
		return &nodeResponse{Error: "malformed request"}
	}
	if req.Key == "" {
		return &nodeResponse{Error: "empty key"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverRequestTimeout)
	defer cancel()

	switch req.Op {
	case opStore:
		if err := s.backend.Store(ctx, req.Key, req.Data, time.Duration(req.TTL)); err != nil {
			return &nodeResponse{Error: err.Error()}
		}
		return &nodeResponse{}
	case opFetch:
		items, err := s.backend.Fetch(ctx, req.Key)
		if err != nil {
			return &nodeResponse{Error: err.Error()}
		}
		return &nodeResponse{Items: items}
	default:
		return &nodeResponse{Error: fmt.Sprintf("unknown op %d", req.Op)}
	}
}
