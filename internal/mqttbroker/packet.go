package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// MQTT control packet types.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetPubAck      = 4
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

const (
	flagPassword     = 1 << 6
	flagUsername     = 1 << 7
	flagWill         = 1 << 2
	flagWillQoS      = 3 << 3
	flagWillRetain   = 1 << 5
	protocolLevel311 = 4
)

var (
	connAckAccepted = []byte{0x20, 0x02, 0x00, 0x00}
	pingResp        = []byte{0xD0, 0x00}
)

type connectPacket struct {
	clientID  string
	keepAlive uint16
	username  string
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := bytesReader(payload)

	proto, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return connectPacket{}, fmt.Errorf("unsupported protocol %q", proto)
	}
	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != protocolLevel311 {
		return connectPacket{}, fmt.Errorf("unsupported protocol level %d", level)
	}
	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&(flagWill|flagWillQoS|flagWillRetain) != 0 {
		return connectPacket{}, fmt.Errorf("will messages not supported")
	}

	var cp connectPacket
	if cp.keepAlive, err = rd.readUint16(); err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}
	if cp.clientID, err = rd.readString(); err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}
	if flags&flagUsername != 0 {
		if cp.username, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		if _, err := rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}
	return cp, nil
}

// parsePublish decodes a PUBLISH. QoS 1 packets carry a packet id that
// the caller acknowledges; QoS 2 is refused.
func parsePublish(header byte, payload []byte) (PublishMessage, uint16, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return PublishMessage{}, 0, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, 0, fmt.Errorf("read topic: %w", err)
	}
	var packetID uint16
	if qos == 1 {
		if packetID, err = rd.readUint16(); err != nil {
			return PublishMessage{}, 0, fmt.Errorf("read packet id: %w", err)
		}
	}

	msg := PublishMessage{Topic: topic}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, packetID, nil
}

type subscribeRequest struct {
	packetID uint16
	filters  []string
}

func parseSubscribe(payload []byte) (subscribeRequest, error) {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return subscribeRequest{}, fmt.Errorf("read packet id: %w", err)
	}
	req := subscribeRequest{packetID: packetID}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return subscribeRequest{}, fmt.Errorf("read topic: %w", err)
		}
		// Requested QoS is read and downgraded to 0 in the SUBACK.
		if _, err := rd.readByte(); err != nil {
			return subscribeRequest{}, fmt.Errorf("missing qos byte")
		}
		req.filters = append(req.filters, filter)
	}
	if len(req.filters) == 0 {
		return subscribeRequest{}, fmt.Errorf("subscribe without topics")
	}
	return req, nil
}

func parseUnsubscribe(payload []byte) (subscribeRequest, error) {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return subscribeRequest{}, fmt.Errorf("read packet id: %w", err)
	}
	req := subscribeRequest{packetID: packetID}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return subscribeRequest{}, fmt.Errorf("read topic: %w", err)
		}
		req.filters = append(req.filters, filter)
	}
	return req, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}
	remaining := 2 + len(topic) + len(payload)
	length := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(length)+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, length...)
	packet = appendUint16(packet, uint16(len(topic)))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

// buildSubAck grants each filter QoS 0, or 0x80 when it was rejected.
func buildSubAck(packetID uint16, granted []bool) []byte {
	remaining := 2 + len(granted)
	length := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(length)+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, length...)
	packet = appendUint16(packet, packetID)
	for _, ok := range granted {
		if ok {
			packet = append(packet, 0x00)
		} else {
			packet = append(packet, 0x80)
		}
	}
	return packet
}

func buildAck(kind byte, packetID uint16) []byte {
	return appendUint16([]byte{kind, 0x02}, packetID)
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v&0xFF))
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}
	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			return encoded
		}
	}
}
