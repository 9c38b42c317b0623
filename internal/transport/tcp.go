// Package transport is the broker's TCP front door: it frames MQTT
// packets off the wire, negotiates the protocol version from CONNECT,
// and routes everything else into internal/broker's handlers. It also
// runs the writer pumps draining the dispatch engine's response queues
// back out to their connections.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/fluxmq/broker/internal/auth"
	"github.com/fluxmq/broker/internal/broker"
	"github.com/fluxmq/broker/internal/er"
	"github.com/fluxmq/broker/internal/logger"
	pkt "github.com/fluxmq/broker/internal/packet"
	"github.com/fluxmq/broker/internal/subscribe"
)

// TCPServer accepts MQTT connections and drives each through the codec
// and broker glue. One TCPServer per listening address.
type TCPServer struct {
	addr               string
	listener           net.Listener
	broker             *broker.Broker
	engine             *subscribe.Engine
	authStore          *auth.Store
	log                *logger.Logger
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
}

// New creates a TCPServer listening on addr (e.g. ":1883"), routing
// packets into br and its dispatch engine, authenticating CONNECTs
// that carry credentials against authStore.
func New(addr string, br *broker.Broker, engine *subscribe.Engine, authStore *auth.Store, log *logger.Logger) *TCPServer {
	return &TCPServer{
		addr:           addr,
		broker:         br,
		engine:         engine,
		authStore:      authStore,
		log:            log,
		maxConnections: 1000,
	}
}

// Start opens the listener and begins accepting connections and draining
// the dispatch engine's response queues, all in background goroutines.
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	go srv.pumpQueue(ctx, srv.engine.Queues.V4)
	go srv.pumpQueue(ctx, srv.engine.Queues.V5)
	return nil
}

// Stop shuts the listener down; in-flight connections drain on their own.
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				continue
			}
			go srv.handleConnection(ctx, conn)
		}
	}
}

// pumpQueue drains one protocol-version response queue, writing each
// package's payload to its destination connection.
func (srv *TCPServer) pumpQueue(ctx context.Context, queue <-chan subscribe.ResponsePackage) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkg := <-queue:
			conn, ok := srv.broker.Conn(pkg.ConnectionID)
			if !ok {
				continue
			}
			if _, err := conn.Write(pkg.Payload); err != nil {
				srv.log.LogDeliveryAbandoned("", "", "write_failed")
			}
		}
	}
}

func (srv *TCPServer) checkServerAvailability() byte {
	if srv.isShuttingdown.Load() {
		return pkt.ServerUnavailable
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return pkt.ServerUnavailable
	}
	return pkt.ConnectionAccepted
}

func (srv *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	var clientID string
	var connectID uint64
	var version pkt.Version = pkt.V4
	var haveSession bool
	var graceful bool

	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
		if haveSession {
			srv.broker.HandleClientDisconnect(connectID, clientID, graceful)
		}
	}()

	if rc := srv.checkServerAvailability(); rc != pkt.ConnectionAccepted {
		conn.Write(pkt.NewConnAck(false, rc))
		return
	}
	srv.currentConnections.Add(1)

	reader := bufio.NewReader(conn)

	for {
		raw, err := readPacket(reader)
		if err != nil {
			return
		}

		parsed, err := pkt.Parse(raw, version)
		if err != nil {
			srv.sendAndClose(conn, connackForParseError(err))
			return
		}

		if !haveSession {
			if !parsed.IsConnect() {
				srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
				return
			}
			cp := parsed.GetConnect()
			version = cp.Version

			if cp.UsernameFlag && cp.PasswordFlag && srv.authStore != nil {
				if err := srv.authStore.Authenticate(*cp.Username, *cp.Password); err != nil {
					srv.sendAndClose(conn, connAckFor(version, false, pkt.BadUsernameOrPassword))
					return
				}
			}

			var sessionPresent bool
			connectID, sessionPresent = srv.broker.HandleConnect(cp, conn)
			clientID = cp.ClientID
			haveSession = true

			conn.Write(connAckFor(version, sessionPresent, pkt.ConnectionAccepted))
			continue
		}

		switch parsed.Type {
		case pkt.PUBLISH:
			p := parsed.Publish
			reasonCode := srv.broker.HandlePublish(p)
			switch p.QoS {
			case pkt.QoSAtLeastOnce:
				if p.PacketID != nil {
					conn.Write((&pkt.PubAckPacket{PacketID: *p.PacketID, ReasonCode: reasonCode}).Encode(version))
				}
			case pkt.QoSExactlyOnce:
				if p.PacketID != nil {
					conn.Write((&pkt.PubRecPacket{PacketID: *p.PacketID, ReasonCode: reasonCode}).Encode(version))
				}
			}

		case pkt.SUBSCRIBE:
			suback := srv.broker.HandleSubscribe(ctx, connectID, clientID, parsed.Subscribe, version)
			conn.Write(suback.Encode(version))

		case pkt.UNSUBSCRIBE:
			unsuback := srv.broker.HandleUnsubscribe(clientID, parsed.Unsubscribe)
			conn.Write(unsuback.Encode())

		case pkt.PUBACK:
			srv.broker.HandlePubAck(clientID, parsed.PubAck)

		case pkt.PUBREC:
			srv.broker.HandlePubRec(clientID, parsed.PubRec)

		case pkt.PUBREL:
			if err := srv.broker.HandlePubRel(ctx, connectID, version, parsed.PubRel); err != nil {
				srv.log.LogDeliveryAbandoned(clientID, "", "pubrel_enqueue_failed")
			}

		case pkt.PUBCOMP:
			srv.broker.HandlePubComp(clientID, parsed.PubComp)

		case pkt.PINGREQ:
			conn.Write(pkt.CreatePingresp().Encode())

		case pkt.DISCONNECT:
			graceful = true
			return

		default:
			return
		}
	}
}

// readPacket frames one MQTT packet off reader: a one-byte fixed header
// followed by a variable-length remaining-length field (up to 4 bytes),
// then that many bytes of variable header and payload.
func readPacket(reader *bufio.Reader) ([]byte, error) {
	fixedHeaderByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	remLenOffset := 0
	remainingLength := 0
	multiplier := 1

	for {
		if remLenOffset >= len(remLenBuf) {
			return nil, &er.Err{Context: "readPacket", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[remLenOffset] = b
		remLenOffset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if (b & 0x80) == 0 {
			break
		}
	}

	rawPacket := make([]byte, 1+remLenOffset+remainingLength)
	rawPacket[0] = fixedHeaderByte
	copy(rawPacket[1:1+remLenOffset], remLenBuf[:remLenOffset])

	if _, err := io.ReadFull(reader, rawPacket[1+remLenOffset:]); err != nil {
		return nil, err
	}
	return rawPacket, nil
}

func connAckFor(v pkt.Version, sessionPresent bool, reasonCode byte) []byte {
	if v == pkt.V5 {
		return pkt.NewConnAckV5(sessionPresent, pkt.ReasonCode(reasonCode))
	}
	return pkt.NewConnAck(sessionPresent, reasonCode)
}

func connackForParseError(err error) []byte {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion)
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return pkt.NewConnAck(false, pkt.IdentifierRejected)
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return pkt.NewConnAck(false, pkt.BadUsernameOrPassword)
	default:
		return pkt.NewConnAck(false, pkt.ServerUnavailable)
	}
}

func (srv *TCPServer) sendAndClose(conn net.Conn, ack []byte) {
	if len(ack) > 0 {
		conn.Write(ack)
	}
	conn.Close()
}
