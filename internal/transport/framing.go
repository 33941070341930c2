package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Mode selects how whole messages are delimited on the wire.
type Mode int

const (
	// ModeNewline frames one JSON value per line, UTF-8.
	ModeNewline Mode = iota
	// ModeLengthPrefixed frames a 32-bit big-endian length header
	// followed by that many bytes of payload.
	ModeLengthPrefixed
)

const maxFrameSize = 64 * 1024 * 1024

func writeFrame(w io.Writer, mode Mode, payload []byte) error {
	switch mode {
	case ModeNewline:
		buf := make([]byte, 0, len(payload)+1)
		buf = append(buf, payload...)
		buf = append(buf, '\n')
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return io.ErrShortWrite
		}
		return nil
	case ModeLengthPrefixed:
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, uint32(len(payload)))
		if _, err := w.Write(header); err != nil {
			return err
		}
		n, err := w.Write(payload)
		if err != nil {
			return err
		}
		if n != len(payload) {
			return io.ErrShortWrite
		}
		return nil
	default:
		return fmt.Errorf("transport: unknown framing mode %d", mode)
	}
}

// frameReader reads whole messages from r according to mode.
type frameReader struct {
	mode Mode
	br   *bufio.Reader
}

func newFrameReader(r io.Reader, mode Mode) *frameReader {
	return &frameReader{mode: mode, br: bufio.NewReaderSize(r, 64*1024)}
}

func (fr *frameReader) readFrame() ([]byte, error) {
	switch fr.mode {
	case ModeNewline:
		line, err := fr.br.ReadBytes('\n')
		if len(line) > 0 {
			line = trimNewline(line)
			if err == nil || len(line) > 0 {
				return line, nil
			}
		}
		if err != nil {
			return nil, err
		}
		return line, nil
	case ModeLengthPrefixed:
		header := make([]byte, 4)
		if _, err := io.ReadFull(fr.br, header); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(header)
		if n > maxFrameSize {
			return nil, fmt.Errorf("transport: frame size %d exceeds limit", n)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(fr.br, payload); err != nil {
			return nil, err
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("transport: unknown framing mode %d", fr.mode)
	}
}

func trimNewline(line []byte) []byte {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	n = len(line)
	if n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
