package webchat

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type ServerOptions struct {
	Addr              string
	Handler           http.Handler
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	// Closers are closed in order after the HTTP server has drained.
	Closers []io.Closer
}

// Server drives the HTTP server lifecycle. There is no write timeout:
// streamed chat replies must be able to outlive any fixed deadline.
type Server struct {
	httpSrv         *http.Server
	shutdownTimeout time.Duration
	closers         []io.Closer
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Handler == nil {
		return nil, errors.New("webchat: handler is nil")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	return &Server{
		httpSrv: &http.Server{
			Addr:              opts.Addr,
			Handler:           opts.Handler,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			IdleTimeout:       opts.IdleTimeout,
		},
		shutdownTimeout: opts.ShutdownTimeout,
		closers:         opts.Closers,
	}, nil
}

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run serves on the configured address until ctx is cancelled or the process
// receives SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.httpSrv.Addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-egCtx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		for _, c := range s.closers {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil {
				log.Error().Err(err).Msg("close error during shutdown")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting coursechat server")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
