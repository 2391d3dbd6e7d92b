package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"novad/internal/dispatch"
	"novad/internal/runtime/supervisor"
	logx "novad/pkg/logx"
)

// Config controls the unix socket command server.
type Config struct {
	Path           string
	MaxConnections int
	ReadTimeout    time.Duration
	RatePerSec     int // 0 disables rate limiting
}

// Handler turns one raw inbound message into one reply.
// *dispatch.Dispatcher satisfies this.
type Handler interface {
	Dispatch(ctx context.Context, raw []byte, source string) []byte
}

// Stats are best-effort operational counters.
type Stats struct {
	Served   uint64 `json:"served"`
	Rejected uint64 `json:"rejected"`
	Timeouts uint64 `json:"timeouts"`
}

// Server accepts connections on a unix domain socket, reads one command
// per connection, dispatches it, writes one JSON reply and closes.
//
// Admission is bounded: at most MaxConnections are served concurrently,
// extras get an immediate "busy" reply. An optional token bucket caps
// accepted commands per second.
type Server struct {
	cfg     Config
	log     logx.Logger
	handler Handler

	ln      net.Listener
	sup     *supervisor.Supervisor
	sem     chan struct{}
	limiter *rate.Limiter

	served   atomic.Uint64
	rejected atomic.Uint64
	timeouts atomic.Uint64
}

// lineCap bounds a single inbound message.
const lineCap = 64 << 10

func New(cfg Config, handler Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		handler: handler,
		sem:     make(chan struct{}, cfg.MaxConnections),
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return s
}

// Start binds the socket and launches the accept loop.
// A stale socket file from a previous run is removed first; the live
// socket gets permissive modes since peers are local clients.
func (s *Server) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("server: handler is required")
	}

	if err := os.Remove(s.cfg.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Path, err)
	}
	if err := os.Chmod(s.cfg.Path, 0o666); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln

	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("server.accept", s.acceptLoop,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
	)

	// Close the listener when the context dies so Accept unblocks.
	s.sup.Go0("server.closer", func(ctx context.Context) {
		<-ctx.Done()
		_ = ln.Close()
	})

	s.log.Info("command server listening",
		logx.String("path", s.cfg.Path),
		logx.Int("max_connections", s.cfg.MaxConnections),
		logx.Duration("read_timeout", s.cfg.ReadTimeout),
	)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	var err error
	if s.sup != nil {
		s.sup.Cancel()
		err = s.sup.Wait(ctx)
	}
	if rmErr := os.Remove(s.cfg.Path); rmErr != nil && !os.IsNotExist(rmErr) {
		s.log.Warn("socket cleanup failed", logx.String("path", s.cfg.Path), logx.Err(rmErr))
	}
	return err
}

func (s *Server) Stats() Stats {
	return Stats{
		Served:   s.served.Load(),
		Rejected: s.rejected.Load(),
		Timeouts: s.timeouts.Load(),
	}
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.rejected.Add(1)
			s.reply(conn, dispatch.ErrorReply("busy: rate limited"))
			_ = conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.rejected.Add(1)
			s.reply(conn, dispatch.ErrorReply("busy: too many connections"))
			_ = conn.Close()
			continue
		}

		c := conn
		s.sup.Go0("server.conn", func(ctx context.Context) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		})
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	raw, err := readMessage(conn)
	if err != nil {
		if isTimeout(err) {
			s.timeouts.Add(1)
			s.reply(conn, dispatch.ErrorReply("read timeout"))
			return
		}
		s.log.Debug("connection read failed", logx.Err(err))
		s.reply(conn, dispatch.ErrorReply("read failed"))
		return
	}

	out := s.handler.Dispatch(ctx, raw, "socket")
	s.served.Add(1)
	s.reply(conn, out)
}

// readMessage accepts either a newline-terminated message or one
// delimited by the client half-closing the connection.
func readMessage(conn net.Conn) ([]byte, error) {
	r := bufio.NewReaderSize(io.LimitReader(conn, lineCap), 4096)
	data, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(data) == 0 && err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Server) reply(conn net.Conn, payload []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		s.log.Debug("reply write failed", logx.Err(err))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
