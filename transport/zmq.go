package transport

import (
	"context"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// ZMQTransport is a ZeroMQ REQ socket. The socket and its context are released
// together on Close.
type ZMQTransport struct {
	sock     zmq4.Socket
	cancel   context.CancelFunc
	endpoint string
	once     sync.Once
	closeErr error
}

// DialZMQ connects a REQ socket to tcp://addr.
func DialZMQ(ctx context.Context, addr string, opts Options) (*ZMQTransport, error) {
	sctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewReq(sctx,
		zmq4.WithDialerRetry(opts.DialRetry),
		zmq4.WithDialerMaxRetries(opts.DialMaxRetries),
	)
	endpoint := SchemeZMQ + "://" + addr
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		cancel()
		return nil, err
	}
	return &ZMQTransport{sock: sock, cancel: cancel, endpoint: endpoint}, nil
}

func (t *ZMQTransport) Send(msg []byte) error {
	return t.sock.Send(zmq4.NewMsg(msg))
}

func (t *ZMQTransport) Recv() ([]byte, error) {
	msg, err := t.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

// Close is idempotent; only the first call touches the socket.
func (t *ZMQTransport) Close() error {
	t.once.Do(func() {
		t.closeErr = t.sock.Close()
		t.cancel()
	})
	return t.closeErr
}

func (t *ZMQTransport) Endpoint() string {
	return t.endpoint
}

// zmqListener wraps a single REP socket. ZeroMQ routes every peer through the
// same socket, so Accept hands it out once and then blocks until Close.
type zmqListener struct {
	conn   *ZMQTransport
	handed bool
	mu     sync.Mutex
	done   chan struct{}
	once   sync.Once
}

// ListenZMQ binds a REP socket on tcp://addr.
func ListenZMQ(ctx context.Context, addr string) (Listener, error) {
	sctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewRep(sctx)
	endpoint := SchemeZMQ + "://" + addr
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		cancel()
		return nil, err
	}
	return &zmqListener{
		conn: &ZMQTransport{sock: sock, cancel: cancel, endpoint: endpoint},
		done: make(chan struct{}),
	}, nil
}

func (l *zmqListener) Accept() (Transport, error) {
	l.mu.Lock()
	if !l.handed {
		l.handed = true
		l.mu.Unlock()
		return l.conn, nil
	}
	l.mu.Unlock()
	<-l.done
	return nil, ErrClosed
}

func (l *zmqListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

func (l *zmqListener) Addr() string {
	return l.conn.endpoint
}
