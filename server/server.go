package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// Server owns the WebTransport/QUIC listener and hands each accepted
// session to handleSession. Control and media share one QUIC connection:
// the bidirectional stream carries control frames, datagrams carry media.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	registry  *Registry
	wt        *webtransport.Server
}

func NewServer(addr string, tlsConfig *tls.Config, registry *Registry) *Server {
	return &Server{addr: addr, tlsConfig: tlsConfig, registry: registry}
}

// Run starts the WebTransport server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/voipc", func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			log.Printf("[server] upgrade failed: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go handleSession(ctx, sess, s.registry)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("voipc relay"))
	})

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConfig,
			Handler:   mux,
		},
	}

	go func() {
		<-ctx.Done()
		if err := s.wt.Close(); err != nil {
			log.Printf("[server] shutdown: %v", err)
		}
	}()

	log.Printf("[server] listening on %s (WebTransport/QUIC)", s.addr)

	err := s.wt.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
