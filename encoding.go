package hastate

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// writeString writes a length prefixed string
func writeString(w io.Writer, value string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(value))); err != nil {
		return err
	}
	_, err := w.Write([]byte(value))
	return err
}

// readString reads a length prefixed string
func readString(r *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if int64(length) > int64(r.Len()) {
		return "", ErrMessageTooShort
	}
	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return "", err
	}
	return string(value), nil
}

// MarshalStateMessage permits to encode a state message in binary format
func MarshalStateMessage(msg *StateMessage, w io.Writer) error {
	for _, s := range []string{msg.ID, msg.InResponseTo, string(msg.From)} {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	fixed := []any{uint8(msg.Type), uint32(msg.State), uint8(msg.Reason), msg.Enrollment.IsNew}
	for _, v := range fixed {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := writeString(w, string(msg.Enrollment.NodeID)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(msg.Enrollment.Weights))); err != nil {
		return err
	}
	for _, weight := range msg.Enrollment.Weights {
		if err := binary.Write(w, binary.LittleEndian, weight); err != nil {
			return err
		}
	}
	return writeString(w, msg.Text)
}

// UnmarshalStateMessage permits to decode a state message from binary format
func UnmarshalStateMessage(data []byte) (*StateMessage, error) {
	var (
		msg StateMessage
		err error
	)
	r := bytes.NewReader(data)

	if msg.ID, err = readString(r); err != nil {
		return nil, err
	}
	if msg.InResponseTo, err = readString(r); err != nil {
		return nil, err
	}
	from, err := readString(r)
	if err != nil {
		return nil, err
	}
	msg.From = NodeID(from)

	var (
		kind, reason uint8
		state        uint32
	)
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &state); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &reason); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &msg.Enrollment.IsNew); err != nil {
		return nil, err
	}
	msg.Type, msg.State, msg.Reason = MessageType(kind), ServerMode(state), ZapReason(reason)

	nodeID, err := readString(r)
	if err != nil {
		return nil, err
	}
	msg.Enrollment.NodeID = NodeID(nodeID)

	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if int64(size)*8 > int64(r.Len()) {
		return nil, ErrMessageTooShort
	}
	if size > 0 {
		msg.Enrollment.Weights = make([]int64, size)
		if err := binary.Read(r, binary.LittleEndian, msg.Enrollment.Weights); err != nil {
			return nil, err
		}
	}
	if msg.Text, err = readString(r); err != nil {
		return nil, err
	}
	return &msg, nil
}

// marshalWithChecksum encodes the message and appends its crc32 checksum
func marshalWithChecksum(msg *StateMessage) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := MarshalStateMessage(msg, buffer); err != nil {
		return nil, err
	}
	checksum := crc32.ChecksumIEEE(buffer.Bytes())
	if err := binary.Write(buffer, binary.LittleEndian, checksum); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// unmarshalWithChecksum validates the checksum before decoding the message
func unmarshalWithChecksum(data []byte) (*StateMessage, error) {
	if len(data) < 4 {
		return nil, ErrChecksumDataTooShort
	}
	body := data[:len(data)-4]
	checksum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, ErrChecksumMismatch
	}
	return UnmarshalStateMessage(body)
}

// encodeUint64ToBytes permits to encode uint64 to bytes
func encodeUint64ToBytes(value uint64) []byte {
	buffer := make([]byte, 8)
	binary.BigEndian.PutUint64(buffer, value)
	return buffer
}

// decodeUint64ToBytes permits to decode bytes to uint64
func decodeUint64ToBytes(value []byte) uint64 {
	if len(value) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(value)
}
