package transport

import (
	"context"
	"net"
	"sync"

	"birdrpc/protocol"
)

// StreamTransport carries one envelope per protocol frame over a net.Conn.
type StreamTransport struct {
	conn     net.Conn
	sendType protocol.MsgType
	maxBody  uint32
	endpoint string
	once     sync.Once
	closeErr error
}

// NewStreamTransport wraps an established connection. Client transports send
// request frames; server transports (isServer) send reply frames.
func NewStreamTransport(conn net.Conn, isServer bool, maxBody uint32) *StreamTransport {
	sendType := protocol.MsgTypeRequest
	if isServer {
		sendType = protocol.MsgTypeReply
	}
	return &StreamTransport{
		conn:     conn,
		sendType: sendType,
		maxBody:  maxBody,
		endpoint: SchemeStream + "://" + conn.RemoteAddr().String(),
	}
}

// DialStream connects to stream://addr.
func DialStream(ctx context.Context, addr string, opts Options) (*StreamTransport, error) {
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t := NewStreamTransport(conn, false, opts.MaxBody)
	t.endpoint = SchemeStream + "://" + addr
	return t, nil
}

func (t *StreamTransport) Send(msg []byte) error {
	return protocol.Encode(t.conn, &protocol.Header{MsgType: t.sendType}, msg)
}

func (t *StreamTransport) Recv() ([]byte, error) {
	_, body, err := protocol.Decode(t.conn, t.maxBody)
	return body, err
}

// Close is idempotent; only the first call closes the connection.
func (t *StreamTransport) Close() error {
	t.once.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *StreamTransport) Endpoint() string {
	return t.endpoint
}

type streamListener struct {
	ln      net.Listener
	maxBody uint32
}

// ListenStream listens for stream connections on addr.
func ListenStream(addr string, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &streamListener{ln: ln, maxBody: opts.MaxBody}, nil
}

func (l *streamListener) Accept() (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewStreamTransport(conn, true, l.maxBody), nil
}

func (l *streamListener) Close() error {
	return l.ln.Close()
}

func (l *streamListener) Addr() string {
	return SchemeStream + "://" + l.ln.Addr().String()
}
