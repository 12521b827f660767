package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Sender delivers notification datagrams.
type Sender interface {
	Send(ctx context.Context, addr string, port uint16, msg []byte) error
}

// UDPSender sends notifications as UDP datagrams from one local socket.
type UDPSender struct {
	Conn net.PacketConn

	mu    sync.Mutex
	addrs map[string]*net.UDPAddr
}

// NewUDPSender opens an ephemeral UDP socket.
func NewUDPSender() (*UDPSender, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open notification socket: %w", err)
	}
	return &UDPSender{Conn: conn, addrs: make(map[string]*net.UDPAddr)}, nil
}

// Send writes one datagram.
func (s *UDPSender) Send(_ context.Context, addr string, port uint16, msg []byte) error {
	hostPort := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	s.mu.Lock()
	udpAddr, ok := s.addrs[hostPort]
	s.mu.Unlock()
	if !ok {
		var err error
		udpAddr, err = net.ResolveUDPAddr("udp", hostPort)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.addrs[hostPort] = udpAddr
		s.mu.Unlock()
	}
	_, err := s.Conn.WriteTo(msg, udpAddr)
	return err
}

// Close closes the socket.
func (s *UDPSender) Close() error {
	return s.Conn.Close()
}

// RedisSender appends notifications to a Redis stream.
// Workers behind NAT subscribe to the stream instead of listening on a port.
type RedisSender struct {
	Redis *redis.Client

	StreamKey string // Redis key
	Backlog   int64  // Number of notifications to keep
}

// Send appends one stream entry.
func (s *RedisSender) Send(ctx context.Context, addr string, port uint16, msg []byte) error {
	return s.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream:       s.StreamKey,
		MaxLenApprox: s.Backlog,
		ID:           "*",
		Values: []string{
			"addr", addr,
			"port", strconv.Itoa(int(port)),
			"msg", string(msg),
		},
	}).Err()
}

// MultiSender fans a notification out to several senders.
type MultiSender []Sender

// Send delivers to every sender and returns the first error.
func (m MultiSender) Send(ctx context.Context, addr string, port uint16, msg []byte) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, addr, port, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
