// Package wire implements felund's frame codec: length-bounded,
// newline-delimited JSON over a byte stream, plus a transparent
// AES-GCM-encrypted variant negotiated during the handshake.
package wire

import (
	"bufio"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	// MaxPlaintextFrame is the hard cap on one plaintext JSON frame.
	MaxPlaintextFrame = 16 * 1024
	// MaxEncryptedFrame accounts for AES-GCM's ~4/3 base64 + tag overhead.
	MaxEncryptedFrame = 32 * 1024
	// IdleTimeout is applied to every frame read.
	IdleTimeout = 30 * time.Second
	nonceLen    = 12
)

var (
	ErrFrameTooLarge  = errors.New("wire: frame exceeds size cap")
	ErrFrameMalformed = errors.New("wire: malformed frame")
)

// Conn wraps a net.Conn with newline-delimited JSON framing. After
// EnableEncryption, the same Read/Write methods transparently seal and
// open base64(nonce||ciphertext||tag) frames, so protocol code does not
// branch on the encryption state.
type Conn struct {
	nc   net.Conn
	r    *bufio.Reader
	aead cipher.AEAD
}

// NewConn wraps nc with the plaintext framer.
func NewConn(nc net.Conn) *Conn {
	// +1 leaves room for the trailing newline on a max-size frame.
	return &Conn{nc: nc, r: bufio.NewReaderSize(nc, MaxEncryptedFrame+1)}
}

// EnableEncryption switches the connection to the encrypted framer.
// Both sides must switch at the same protocol point or every subsequent
// frame fails to parse.
func (c *Conn) EnableEncryption(aead cipher.AEAD) {
	c.aead = aead
}

// WriteFrame marshals v and writes one frame. Oversize frames are
// rejected before any bytes reach the wire.
func (c *Conn) WriteFrame(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	if c.aead == nil {
		if len(body) > MaxPlaintextFrame {
			return ErrFrameTooLarge
		}
		_, err = c.nc.Write(append(body, '\n'))
		return err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("wire: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, body, nil)
	encoded := base64.StdEncoding.EncodeToString(sealed)
	if len(encoded) > MaxEncryptedFrame {
		return ErrFrameTooLarge
	}
	_, err = c.nc.Write(append([]byte(encoded), '\n'))
	return err
}

// ReadFrame reads one frame under the default idle timeout and
// unmarshals it into v.
func (c *Conn) ReadFrame(v any) error {
	body, err := c.ReadRawTimeout(IdleTimeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrFrameMalformed, err)
	}
	return nil
}

// ReadRawTimeout reads one frame under the given idle timeout and
// returns the (decrypted, if applicable) JSON body without
// unmarshaling, letting the caller sniff a tag field before deciding
// on the concrete frame type.
func (c *Conn) ReadRawTimeout(d time.Duration) ([]byte, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	raw, err := c.r.ReadSlice('\n')
	if err != nil {
		// A line that overflows the buffered reader can never be a
		// valid frame; surface it as oversize rather than I/O failure.
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	line := string(raw[:len(raw)-1])

	if c.aead == nil {
		if len(line) > MaxPlaintextFrame {
			return nil, ErrFrameTooLarge
		}
		return []byte(line), nil
	}

	if len(line) > MaxEncryptedFrame {
		return nil, ErrFrameTooLarge
	}
	sealed, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrFrameMalformed, err)
	}
	if len(sealed) < nonceLen {
		return nil, ErrFrameMalformed
	}
	body, err := c.aead.Open(nil, sealed[:nonceLen], sealed[nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrFrameMalformed, err)
	}
	return body, nil
}
