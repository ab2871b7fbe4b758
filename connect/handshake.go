package connect

import (
	"context"
	"fmt"
	"time"

	"bringyour.com/statesync/protocol"
)

// the first frame on a connection must be a handshake. nothing else is processed before it.

func readMessage(ctx context.Context, conn Conn, timeout time.Duration) (protocol.Message, error) {
	if 0 < timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	b, err := conn.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeFrame(b)
}

func writeMessage(ctx context.Context, conn Conn, message protocol.Message, timeout time.Duration) error {
	if 0 < timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return conn.WriteMessage(ctx, protocol.EncodeFrame(message))
}

// checkHandshake validates a client handshake against the host settings.
// The returned error maps to the disconnect code with `protocol.CodeOf`.
func checkHandshake(
	handshake *protocol.Handshake,
	schemaHash uint64,
	settings *ServerSettings,
) (*AuthClaims, error) {
	if handshake.ProtocolVersion < settings.MinProtocolVersion || settings.MaxProtocolVersion < handshake.ProtocolVersion {
		return nil, fmt.Errorf(
			"%w: client %d, host [%d, %d]",
			ErrVersionMismatch,
			handshake.ProtocolVersion,
			settings.MinProtocolVersion,
			settings.MaxProtocolVersion,
		)
	}
	claims := &AuthClaims{}
	if 0 < len(settings.AuthSecret) {
		var err error
		claims, err = VerifyAuthToken(settings.AuthSecret, handshake.AuthToken)
		if err != nil {
			return nil, err
		}
	}
	if handshake.SchemaHash != 0 && handshake.SchemaHash != schemaHash {
		return nil, fmt.Errorf("%w: client %016x, host %016x", ErrSchemaMismatch, handshake.SchemaHash, schemaHash)
	}
	return claims, nil
}

// clientHandshake sends the handshake and waits for the ack and the snapshot.
func clientHandshake(
	ctx context.Context,
	conn Conn,
	settings *ClientSettings,
) (*protocol.HandshakeAck, *protocol.Snapshot, error) {
	handshake := &protocol.Handshake{
		ProtocolVersion: settings.ProtocolVersion,
		Features:        settings.Features,
		SchemaHash:      settings.SchemaHash,
		AuthToken:       settings.AuthToken,
	}
	if err := writeMessage(ctx, conn, handshake, settings.HandshakeTimeout); err != nil {
		return nil, nil, err
	}

	message, err := readMessage(ctx, conn, settings.HandshakeTimeout)
	if err != nil {
		return nil, nil, err
	}
	var ack *protocol.HandshakeAck
	switch v := message.(type) {
	case *protocol.HandshakeAck:
		ack = v
	case *protocol.Disconnect:
		return nil, nil, disconnectError(v)
	default:
		return nil, nil, fmt.Errorf("%w: %s before handshake ack", ErrProtocol, message.MessageType())
	}

	message, err = readMessage(ctx, conn, settings.HandshakeTimeout)
	if err != nil {
		return nil, nil, err
	}
	switch v := message.(type) {
	case *protocol.Snapshot:
		return ack, v, nil
	case *protocol.Disconnect:
		return nil, nil, disconnectError(v)
	default:
		return nil, nil, fmt.Errorf("%w: %s before snapshot", ErrProtocol, message.MessageType())
	}
}

func disconnectError(disconnect *protocol.Disconnect) error {
	if err := disconnect.Code.Err(); err != nil {
		return err
	}
	return ErrClosed
}
