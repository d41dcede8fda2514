package api

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Server serves the control api on its own listener.
type Server struct {
	s  *http.Server
	ln net.Listener
}

func NewServer(addr string, fw Controller, opts *Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	Register(r, fw, opts)

	return &Server{
		s:  &http.Server{Handler: r},
		ln: ln,
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	if err := s.s.Serve(s.ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.s.Shutdown(ctx)
}
