package tui

import (
	"bufio"
	"io"
	"unicode/utf8"
)

// Key represents a keyboard input.
type Key int

const (
	KeyUnknown Key = iota
	KeyEscape
	KeyEnter
	KeyCtrlC
	KeyCtrlD
	KeyRune // Regular character
)

// KeyEvent represents a key press event.
type KeyEvent struct {
	Key  Key
	Rune rune // Only valid when Key == KeyRune
}

// KeyReader reads keyboard input from a raw terminal.
type KeyReader struct {
	reader *bufio.Reader
}

// NewKeyReader creates a KeyReader from the given io.Reader.
// The reader should be a raw terminal input (e.g., os.Stdin after term.MakeRaw).
func NewKeyReader(r io.Reader) *KeyReader {
	return &KeyReader{
		reader: bufio.NewReaderSize(r, 64),
	}
}

// ReadKey reads a single key event from the input.
// This method blocks until a key is pressed.
func (k *KeyReader) ReadKey() (KeyEvent, error) {
	b, err := k.reader.ReadByte()
	if err != nil {
		return KeyEvent{}, err
	}

	switch b {
	case 0x03: // Ctrl+C
		return KeyEvent{Key: KeyCtrlC}, nil
	case 0x04: // Ctrl+D
		return KeyEvent{Key: KeyCtrlD}, nil
	case 0x0D, 0x0A: // Enter
		return KeyEvent{Key: KeyEnter}, nil
	case 0x1B:
		k.discardSequence()
		return KeyEvent{Key: KeyEscape}, nil
	}
	if b >= 0x20 && b < 0x7F {
		return KeyEvent{Key: KeyRune, Rune: rune(b)}, nil
	}
	if b >= 0xC0 {
		return k.readUTF8(b)
	}
	return KeyEvent{Key: KeyUnknown}, nil
}

// discardSequence drops the rest of an escape sequence (arrow keys and
// the like) if it arrived in the same read.
func (k *KeyReader) discardSequence() {
	if k.reader.Buffered() == 0 {
		return
	}
	b, _ := k.reader.Peek(1)
	if b[0] != '[' && b[0] != 'O' {
		return
	}
	_, _ = k.reader.ReadByte()
	for k.reader.Buffered() > 0 {
		c, err := k.reader.ReadByte()
		if err != nil || (c >= 0x40 && c <= 0x7E) {
			return
		}
	}
}

// readUTF8 reads the remaining bytes of a UTF-8 multi-byte character.
func (k *KeyReader) readUTF8(first byte) (KeyEvent, error) {
	var n int
	switch {
	case first&0xE0 == 0xC0:
		n = 2
	case first&0xF0 == 0xE0:
		n = 3
	case first&0xF8 == 0xF0:
		n = 4
	default:
		return KeyEvent{Key: KeyUnknown}, nil
	}

	buf := make([]byte, n)
	buf[0] = first
	for i := 1; i < n; i++ {
		b, err := k.reader.ReadByte()
		if err != nil {
			return KeyEvent{Key: KeyUnknown}, nil
		}
		buf[i] = b
	}

	r, _ := utf8.DecodeRune(buf)
	if r == utf8.RuneError {
		return KeyEvent{Key: KeyUnknown}, nil
	}
	return KeyEvent{Key: KeyRune, Rune: r}, nil
}
