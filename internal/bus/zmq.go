package bus

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/insight-platform/cloudpin/internal/config"
)

var (
	errWriterClosed       = errors.New("writer is shut down")
	errWriterOverCapacity = errors.New("writer over capacity")
)

// parseEndpoint splits CloudPin's "[router|dealer+]bind|connect:tcp://host:port"
// URL grammar into a socket role and a plain ZeroMQ endpoint.
func parseEndpoint(url string) (bind bool, endpoint string) {
	url = strings.TrimPrefix(url, "router+")
	url = strings.TrimPrefix(url, "dealer+")
	if rest, ok := strings.CutPrefix(url, "bind:"); ok {
		return true, rest
	}
	rest := strings.TrimPrefix(url, "connect:")
	return false, rest
}

// fixIPCPermissions applies the configured octal mode to a freshly-bound
// ipc:// socket path so pipeline processes running under other users can
// connect to it.
func fixIPCPermissions(endpoint, mode string) {
	path, ok := strings.CutPrefix(endpoint, "ipc://")
	if !ok || mode == "" {
		return
	}
	perm, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return
	}
	_ = os.Chmod(path, fs.FileMode(perm))
}

// zmqReader is the Reader backed by a real ZeroMQ ROUTER socket. A single
// background goroutine owns the blocking Recv call; results land in a
// bounded channel that TryReceive/Receive drain without blocking the pump.
type zmqReader struct {
	sock    zmq4.Socket
	cfg     config.ReaderConfig
	results chan Result

	mu      sync.Mutex
	started bool
	down    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReader constructs a non-blocking Reader over a ROUTER socket per cfg.
func NewReader(ctx context.Context, cfg config.ReaderConfig) (Reader, error) {
	bind, endpoint := parseEndpoint(cfg.URL)

	sockCtx, cancel := context.WithCancel(ctx)
	var opts []zmq4.Option
	if cfg.ReceiveTimeout > 0 {
		opts = append(opts, zmq4.WithTimeout(cfg.ReceiveTimeout))
	}
	sock := zmq4.NewRouter(sockCtx, opts...)
	if cfg.ReceiveHWM > 0 {
		_ = sock.SetOption(zmq4.OptionHWM, cfg.ReceiveHWM)
	}

	var err error
	if bind {
		err = sock.Listen(endpoint)
	} else {
		err = sock.Dial(endpoint)
	}
	if err != nil {
		cancel()
		return nil, wrapErr("reader connect", err)
	}
	if bind {
		fixIPCPermissions(endpoint, cfg.FixIPCPermissions)
	}

	return &zmqReader{
		sock:    sock,
		cfg:     cfg,
		results: make(chan Result, cfg.ResultsQueueSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

func (r *zmqReader) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	go r.recvLoop()
	return nil
}

func (r *zmqReader) recvLoop() {
	defer close(r.done)
	for {
		msg, err := r.sock.Recv()
		if err != nil {
			// Socket closed or context cancelled: stop quietly, the
			// shutdown path is responsible for tearing things down.
			return
		}

		result := decodeRouterMessage(msg, r.cfg.TopicPrefixSpec)
		select {
		case r.results <- result:
		default:
			// Results queue is full; drop the oldest entry rather than
			// block the only goroutine that can observe shutdown.
			select {
			case <-r.results:
			default:
			}
			r.results <- result
		}
	}
}

// decodeRouterMessage strips the ROUTER identity frame (always Frames[0])
// and reassembles the (topic, message, extra) triple the local bus carries.
// A non-empty topicPrefix filters messages whose topic doesn't start with
// it, surfacing them as ResultPrefixMismatch for the pump to discard.
func decodeRouterMessage(msg zmq4.Msg, topicPrefix string) Result {
	frames := msg.Frames
	if len(frames) < 2 {
		return Result{Kind: ResultPrefixMismatch}
	}
	// frames[0] is the ROUTER-assigned peer identity; our abstraction
	// hides routing-id management the way the upstream library does.
	body := frames[1:]

	res := Result{Kind: ResultMessage}
	if len(body) > 0 {
		res.Topic = body[0]
	}
	if len(body) > 1 {
		res.Message = body[1]
	}
	if len(body) > 2 {
		res.Extra = body[2]
	}

	if topicPrefix != "" && !strings.HasPrefix(string(res.Topic), topicPrefix) {
		return Result{Kind: ResultPrefixMismatch}
	}
	return res
}

func (r *zmqReader) EnqueuedResults() int {
	return len(r.results)
}

func (r *zmqReader) TryReceive() (Result, bool) {
	select {
	case res := <-r.results:
		return res, true
	default:
		return Result{}, false
	}
}

func (r *zmqReader) Receive(ctx context.Context) (Result, error) {
	select {
	case res := <-r.results:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (r *zmqReader) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *zmqReader) IsShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

// Shutdown must interrupt the blocking Recv rather than leave it parked on
// an empty socket forever. Cancelling the socket's context unblocks Recv;
// Shutdown then waits up to two seconds for the receive goroutine to exit
// and discards up to eight still-queued results before closing the socket.
// The receive goroutine itself never blocks on a full results channel: it
// drops the oldest result instead.
func (r *zmqReader) Shutdown() error {
	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return nil
	}
	r.down = true
	r.mu.Unlock()

	r.cancel()

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
	}

	for i := 0; i < 8; i++ {
		select {
		case <-r.results:
		default:
		}
	}

	return wrapErr("reader shutdown", r.sock.Close())
}

// zmqWriter is the Writer backed by a real ZeroMQ DEALER socket. Sends are
// queued into a bounded pending channel and drained by a background
// goroutine, so InflightMessages/HasCapacity reflect the real backlog and
// the pumps' capacity checks engage against a slow sink.
type zmqWriter struct {
	sock    zmq4.Socket
	cfg     config.WriterConfig
	pending chan zmq4.Msg

	mu      sync.Mutex
	sendErr error
	started bool
	down    bool

	stop chan struct{}
	done chan struct{}
}

// NewWriter constructs a Writer over a DEALER socket per cfg.
func NewWriter(ctx context.Context, cfg config.WriterConfig) (Writer, error) {
	bind, endpoint := parseEndpoint(cfg.URL)

	var opts []zmq4.Option
	if cfg.SendTimeout > 0 {
		opts = append(opts, zmq4.WithTimeout(cfg.SendTimeout))
	}
	sock := zmq4.NewDealer(ctx, opts...)
	if cfg.SendHWM > 0 {
		_ = sock.SetOption(zmq4.OptionHWM, cfg.SendHWM)
	}

	var err error
	if bind {
		err = sock.Listen(endpoint)
	} else {
		err = sock.Dial(endpoint)
	}
	if err != nil {
		return nil, wrapErr("writer connect", err)
	}
	if bind {
		fixIPCPermissions(endpoint, cfg.FixIPCPermissions)
	}

	return &zmqWriter{
		sock:    sock,
		cfg:     cfg,
		pending: make(chan zmq4.Msg, cfg.MaxInflightMessages),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (w *zmqWriter) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	go w.sendLoop()
	return nil
}

func (w *zmqWriter) sendLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case msg := <-w.pending:
			var err error
			for attempt := 0; attempt <= w.cfg.SendRetries; attempt++ {
				if err = w.sock.Send(msg); err == nil {
					break
				}
			}
			if err != nil {
				// Surfaced to the caller on its next Send.
				w.mu.Lock()
				if w.sendErr == nil {
					w.sendErr = err
				}
				w.mu.Unlock()
			}
		}
	}
}

func (w *zmqWriter) InflightMessages() int {
	return len(w.pending)
}

func (w *zmqWriter) HasCapacity() bool {
	return len(w.pending) < w.cfg.MaxInflightMessages
}

func (w *zmqWriter) Send(topic, message, extra []byte) error {
	w.mu.Lock()
	err := w.sendErr
	w.sendErr = nil
	down := w.down
	w.mu.Unlock()

	if down {
		return wrapErr("writer send", errWriterClosed)
	}
	if err != nil {
		return wrapErr("writer send", err)
	}

	select {
	case w.pending <- zmq4.NewMsgFrom(topic, message, extra):
		return nil
	default:
		return wrapErr("writer send", errWriterOverCapacity)
	}
}

func (w *zmqWriter) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *zmqWriter) IsShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.down
}

func (w *zmqWriter) Shutdown() error {
	w.mu.Lock()
	if w.down {
		w.mu.Unlock()
		return nil
	}
	w.down = true
	started := w.started
	w.mu.Unlock()

	close(w.stop)
	if started {
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
		}
	}

	return wrapErr("writer shutdown", w.sock.Close())
}
