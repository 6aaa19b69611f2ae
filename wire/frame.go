package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Frames on the socket are a 2-byte little-endian length followed by one ATT PDU.

func writeFrame(w io.Writer, pdu []byte) error {
	if len(pdu) > 0xFFFF {
		return fmt.Errorf("PDU too large: %d bytes", len(pdu))
	}
	buf := make([]byte, 2+len(pdu))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(pdu)))
	copy(buf[2:], pdu)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	pdu := make([]byte, n)
	if _, err := io.ReadFull(r, pdu); err != nil {
		return nil, err
	}
	return pdu, nil
}

// Handshake: 4-byte big-endian id length + id bytes, sent by the central.

func writeHandshake(conn net.Conn, id string) error {
	if err := binary.Write(conn, binary.BigEndian, uint32(len(id))); err != nil {
		return err
	}
	_, err := conn.Write([]byte(id))
	return err
}

func readHandshake(conn net.Conn) (string, error) {
	var n uint32
	if err := binary.Read(conn, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 || n > 256 {
		return "", fmt.Errorf("invalid handshake id length %d", n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(conn, id); err != nil {
		return "", err
	}
	return string(id), nil
}
