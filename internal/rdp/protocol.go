package rdp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	sessiondomain "remote-desktop-server/internal/session/domain"
)

// MsgType is the leading tag byte of a frame.
type MsgType byte

// Client to server.
const (
	MsgHello          MsgType = 0x00
	MsgDesktopRequest MsgType = 0x01
	MsgInput          MsgType = 0x02
	MsgAppLaunch      MsgType = 0x03
	MsgCredentials    MsgType = 0x04
	MsgTwoFactorCode  MsgType = 0x05
)

// Server to client.
const (
	MsgServerReady       MsgType = 0x10
	MsgAuthSuccess       MsgType = 0x11
	MsgAuthFailed        MsgType = 0x12
	MsgTwoFactorRequired MsgType = 0x13
	MsgDesktopFrame      MsgType = 0x14
)

const (
	headerSize = 5
	// MaxPayload bounds a single frame body.
	MaxPayload = 64 * 1024

	ServerReadyText  = "RDP_SERVER_READY"
	AuthFailedPrefix = "AUTH_FAILED:"
)

// desktopFramePlaceholder stands in for encoded screen contents.
var desktopFramePlaceholder = []byte("DESKTOP_FRAME_DATA")

var (
	ErrFrameTooLarge     = errors.New("frame exceeds maximum payload")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrUnexpectedMessage = errors.New("unexpected message type")
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgDesktopRequest:
		return "desktop_request"
	case MsgInput:
		return "input"
	case MsgAppLaunch:
		return "app_launch"
	case MsgCredentials:
		return "credentials"
	case MsgTwoFactorCode:
		return "two_factor_code"
	case MsgServerReady:
		return "server_ready"
	case MsgAuthSuccess:
		return "auth_success"
	case MsgAuthFailed:
		return "auth_failed"
	case MsgTwoFactorRequired:
		return "two_factor_required"
	case MsgDesktopFrame:
		return "desktop_frame"
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

// Frame is one tagged message: 1 byte type, 4 byte big-endian length, payload.
type Frame struct {
	Type    MsgType
	Payload []byte
}

// Size is the number of bytes the frame occupies on the wire.
func (f Frame) Size() int { return headerSize + len(f.Payload) }

// ReadFrame reads one frame. It returns io.EOF only when the stream ends
// cleanly before a header byte; a frame cut short yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	f := Frame{Type: MsgType(hdr[0])}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return f, nil
}

// WriteFrame writes f in a single Write call and returns the bytes written.
func WriteFrame(w io.Writer, f Frame) (int, error) {
	if len(f.Payload) > MaxPayload {
		return 0, ErrFrameTooLarge
	}
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	return w.Write(buf)
}

// Credentials is the decoded body of a MsgCredentials frame.
type Credentials struct {
	Username string
	Secret   string
	Domain   string
}

// EncodeCredentials builds a "username|secret|domain" payload.
func EncodeCredentials(c Credentials) []byte {
	return []byte(c.Username + "|" + c.Secret + "|" + c.Domain)
}

// ParseCredentials decodes "username|secret|domain"; the domain part is optional.
// The secret may itself contain '|' when a domain is present, so the domain is
// taken after the last separator.
func ParseCredentials(payload []byte) (Credentials, error) {
	first := bytes.IndexByte(payload, '|')
	if first <= 0 {
		return Credentials{}, ErrMalformedPayload
	}
	c := Credentials{Username: strings.TrimSpace(string(payload[:first]))}
	rest := payload[first+1:]
	if last := bytes.LastIndexByte(rest, '|'); last >= 0 {
		c.Secret = string(rest[:last])
		c.Domain = strings.TrimSpace(string(rest[last+1:]))
	} else {
		c.Secret = string(rest)
	}
	if c.Username == "" {
		return Credentials{}, ErrMalformedPayload
	}
	return c, nil
}

// Hello is the decoded body of a MsgHello frame: an optional session kind and
// display geometry, space separated, e.g. "remote_app 1280x720x24".
type Hello struct {
	Kind    sessiondomain.Kind
	Display sessiondomain.Display
}

// ParseHello reads the fields it recognises and ignores the rest.
func ParseHello(payload []byte) Hello {
	var h Hello
	for _, field := range strings.Fields(string(payload)) {
		switch k := sessiondomain.Kind(strings.ToLower(field)); k {
		case sessiondomain.KindDesktop, sessiondomain.KindRemoteApp, sessiondomain.KindConsole, sessiondomain.KindAdmin:
			h.Kind = k
			continue
		}
		if d, ok := parseDisplay(field); ok {
			h.Display = d
		}
	}
	return h
}

func parseDisplay(s string) (sessiondomain.Display, bool) {
	parts := strings.Split(strings.ToLower(s), "x")
	if len(parts) != 3 {
		return sessiondomain.Display{}, false
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return sessiondomain.Display{}, false
		}
		v[i] = n
	}
	return sessiondomain.Display{Width: v[0], Height: v[1], ColorDepth: v[2]}, true
}

func authFailedFrame(message string) Frame {
	return Frame{Type: MsgAuthFailed, Payload: []byte(AuthFailedPrefix + message)}
}
