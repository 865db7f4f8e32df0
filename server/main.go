package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/luki4fun/VoIPC/internal/limits"
)

// Exit codes.
const (
	exitOK        = 0
	exitFatalInit = 1
	exitCertLoad  = 2
	exitPortInUse = 3
)

func main() {
	tcpPort := flag.Int("tcp-port", limits.DefaultTCPPort, "control/media listen port (name kept for config compatibility; WebTransport serves both over one QUIC/UDP socket)")
	udpPort := flag.Int("udp-port", limits.DefaultUDPPort, "must equal -tcp-port: one QUIC socket carries both channels")
	certPath := flag.String("cert-path", "", "TLS certificate PEM path (empty = generate a self-signed cert)")
	keyPath := flag.String("key-path", "", "TLS private key PEM path (required if -cert-path is set)")
	maxUsers := flag.Int("max-users", limits.DefaultMaxUsers, "maximum concurrent connections")
	maxChannels := flag.Int("max-channels", limits.DefaultMaxChannels, "maximum non-lobby channels")
	emptyChannelTimeout := flag.Duration("empty-channel-timeout", limits.EmptyChannelTimeout, "how long an empty non-lobby channel survives before deletion")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity, when generating one")
	flag.Parse()

	if *tcpPort != *udpPort {
		log.Printf("[server] -tcp-port and -udp-port must match for a single QUIC listener")
		os.Exit(exitFatalInit)
	}
	addr := net.JoinHostPort("", strconv.Itoa(*tcpPort))

	tlsConfig, fingerprint, err := loadOrGenerateTLS(*certPath, *keyPath, *certValidity, addr)
	if err != nil {
		log.Printf("[server] TLS: %v", err)
		os.Exit(exitCertLoad)
	}
	log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)

	reg := NewRegistry()
	reg.maxChannels = *maxChannels
	reg.emptyChannelTimeout = *emptyChannelTimeout
	reg.maxUsers = *maxUsers

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	go RunMetrics(ctx, reg, 5*time.Second)

	srv := NewServer(addr, tlsConfig, reg)
	if err := srv.Run(ctx); err != nil {
		if isAddrInUse(err) {
			log.Printf("[server] %v", err)
			os.Exit(exitPortInUse)
		}
		log.Printf("[server] %v", err)
		os.Exit(exitFatalInit)
	}
	os.Exit(exitOK)
}

// loadOrGenerateTLS loads a certificate/key pair from disk when certPath is
// set, otherwise falls back to self-signed generation (server/tls.go),
// wrapped by tofu.ServerTLSConfig so the server never
// constructs a config that would accept a plaintext fallback.
func loadOrGenerateTLS(certPath, keyPath string, validity time.Duration, hostname string) (*tls.Config, string, error) {
	if certPath == "" {
		host, _, err := net.SplitHostPort(hostname)
		if err != nil {
			host = ""
		}
		return generateTLSConfig(validity, host)
	}
	return loadTLSConfig(certPath, keyPath)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if ok := asOpError(err, &opErr); ok {
		return errors.Is(opErr.Err, syscall.EADDRINUSE)
	}
	return false
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if oe, ok := err.(*net.OpError); ok {
			*target = oe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

