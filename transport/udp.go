package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcast/crypto"
)

// PacketHandler processes one parsed, sender-verified packet.
type PacketHandler func(packet *Packet, addr *net.UDPAddr)

// Transport sends and receives kadcast datagrams. It is implemented
// by UDPTransport and by in-memory transports in tests.
type Transport interface {
	Send(data []byte, addr *net.UDPAddr) error
	RegisterHandler(packetType PacketType, handler PacketHandler)
	LocalAddr() *net.UDPAddr
	Close() error
}

// UDPTransport is the UDP implementation of Transport. A single
// listener goroutine reads datagrams, validates them and dispatches
// each to the handler registered for its packet type.
type UDPTransport struct {
	conn     *net.UDPConn
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewUDP creates a UDP transport bound to the given listen address.
func NewUDP(listenAddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.readLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDP",
		"addr":     conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type.
// Registering again for the same type replaces the previous handler.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// Send writes a marshaled datagram to the given address.
func (t *UDPTransport) Send(data []byte, addr *net.UDPAddr) error {
	_, err := t.conn.WriteToUDP(data, addr)
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts down the transport and waits for the listener goroutine
// to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// readLoop reads datagrams until the transport is closed.
func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	buffer := make([]byte, 65535)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Debug("UDP read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		t.handleDatagram(data, addr)
	}
}

// handleDatagram parses, verifies and dispatches one datagram.
// Malformed datagrams and datagrams whose sender id does not match
// their source address are dropped silently.
func (t *UDPTransport) handleDatagram(data []byte, addr *net.UDPAddr) {
	header, payload, err := ParseHeader(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	if !crypto.VerifySender(header.SenderID, addr.IP, header.SenderPort) {
		logrus.WithFields(logrus.Fields{
			"function":  "handleDatagram",
			"addr":      addr.String(),
			"sender_id": header.SenderID.String(),
		}).Debug("Dropping datagram with unverifiable sender id")
		return
	}

	t.mu.RLock()
	handler, exists := t.handlers[header.Type]
	t.mu.RUnlock()

	if !exists {
		return
	}
	go handler(&Packet{Header: header, Payload: payload}, addr)
}
