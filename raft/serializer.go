package raft

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeLogEntry and DecodeLogEntry form the round-trip law of
// spec.md §8: decode(encode(e)) == e for any LogEntry. The wire shape
// follows the teacher's length-prefixed field pattern
// (serializer.WriteFieldBytes/ReadFieldBytes), generalized from a
// single opaque value to LogEntry's five fields.

func EncodeLogEntry(e LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	if err := writeUint64(w, e.Index); err != nil {
		return nil, err
	}
	if err := writeUint64(w, e.Term); err != nil {
		return nil, err
	}
	if err := w.WriteByte(byte(e.Kind)); err != nil {
		return nil, err
	}
	if err := writeFieldBytes(w, e.Payload); err != nil {
		return nil, err
	}
	if err := writeFieldBytes(w, []byte(e.ClientRequestID)); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeLogEntry(data []byte) (LogEntry, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	var e LogEntry

	index, err := readUint64(r)
	if err != nil {
		return LogEntry{}, err
	}
	e.Index = index

	term, err := readUint64(r)
	if err != nil {
		return LogEntry{}, err
	}
	e.Term = term

	kind, err := r.ReadByte()
	if err != nil {
		return LogEntry{}, err
	}
	e.Kind = EntryKind(kind)

	payload, err := readFieldBytes(r)
	if err != nil {
		return LogEntry{}, err
	}
	e.Payload = payload

	clientID, err := readFieldBytes(r)
	if err != nil {
		return LogEntry{}, err
	}
	e.ClientRequestID = string(clientID)

	return e, nil
}

func writeUint64(w *bufio.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r *bufio.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeFieldBytes(w *bufio.Writer, data []byte) error {
	size := uint32(len(data))
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], size)
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	n, err := w.Write(data)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("raft: short write, expected %d bytes got %d", size, n)
	}
	return nil
}

func readFieldBytes(r *bufio.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := readFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	data := make([]byte, size)
	if size == 0 {
		return data, nil
	}
	if _, err := readFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
