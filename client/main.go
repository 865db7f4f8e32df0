package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/luki4fun/VoIPC/client/internal/config"
	"github.com/luki4fun/VoIPC/internal/crypto/tofu"
)

// Exit codes, matching the server's convention (server/main.go).
const (
	exitOK        = 0
	exitFatalInit = 1
)

func main() {
	username := flag.String("username", "", "display name to connect with (default: user-<hostname>)")
	server := flag.String("server", "", "server address, e.g. voipc.example.com:9987 (overrides the first saved server)")
	password := flag.String("vault-password", "", "password protecting the local identity/session vault (prompted if empty)")
	testUser := flag.Bool("test-user", false, "run as a synthetic bot peer instead of an interactive client (see testuser.go)")
	flag.Parse()

	addr := *server
	if addr == "" {
		if a := parseStartupAddr(os.Args[1:]); a != "" {
			addr = a
		}
	}

	if *testUser {
		runTestUser(addr, *username)
		return
	}

	cfg := config.Load()
	if *username != "" {
		cfg.Username = *username
	}
	if cfg.Username == "" {
		if u, err := os.Hostname(); err == nil {
			cfg.Username = "user-" + u
		} else {
			cfg.Username = "user"
		}
	}
	if addr == "" && len(cfg.Servers) > 0 {
		addr = cfg.Servers[0].Addr
	}
	if addr == "" {
		log.Println("[client] no server address given; pass -server host:port or a voipc://host:port argument")
		os.Exit(exitFatalInit)
	}
	addr, err := normalizeServerAddr(addr)
	if err != nil {
		log.Printf("[client] bad server address: %v", err)
		os.Exit(exitFatalInit)
	}

	pw := *password
	if pw == "" {
		var err error
		pw, err = promptPassword()
		if err != nil {
			log.Printf("[client] read vault password: %v", err)
			os.Exit(exitFatalInit)
		}
	}

	dataDir, err := clientDataDir()
	if err != nil {
		log.Printf("[client] resolve data directory: %v", err)
		os.Exit(exitFatalInit)
	}

	pins, err := tofu.Open(filepath.Join(dataDir, "trust.json"))
	if err != nil {
		log.Printf("[client] open trust store: %v", err)
		os.Exit(exitFatalInit)
	}

	crypto, err := LoadOrCreateSessionManager(filepath.Join(dataDir, "identity.vsig"), pw)
	if err != nil {
		log.Printf("[client] load identity: %v", err)
		os.Exit(exitFatalInit)
	}

	archive := openChatArchive(filepath.Join(dataDir, "chat.voip"), pw)

	audio := NewAudioEngine()
	audio.SetAEC(cfg.AECEnabled)
	audio.SetAGC(cfg.AGCEnabled)
	audio.SetNoiseGate(cfg.NoiseEnabled)
	audio.SetVolume(cfg.Volume)
	audio.SetPTTMode(cfg.PTTEnabled)
	if err := audio.Start(); err != nil {
		log.Printf("[client] start audio: %v", err)
	}
	defer audio.Stop()

	transport := NewTransport(pins)
	video := NewVideoPipeline(transport.SendVideoFragment)
	sess := NewSession(transport, audio, video, crypto, archive)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[client] shutting down...")
		cancel()
	}()

	if err := sess.Connect(ctx, addr, cfg.Username); err != nil {
		log.Printf("[client] connect %s: %v", addr, err)
		os.Exit(exitFatalInit)
	}
	log.Printf("[client] connected to %s as %s", addr, cfg.Username)

	<-ctx.Done()
	sess.Disconnect()
	archive.Flush()
	if err := crypto.Save(filepath.Join(dataDir, "identity.vsig"), pw); err != nil {
		log.Printf("[client] save identity: %v", err)
	}
	os.Exit(exitOK)
}

func runTestUser(addr, username string) {
	if addr == "" {
		log.Println("[testuser] no server address given; pass -server host:port")
		os.Exit(exitFatalInit)
	}
	if username == "" {
		username = "testbot"
	}
	tu := newTestUser()
	if err := tu.start(addr, username); err != nil {
		log.Printf("[testuser] %v", err)
		os.Exit(exitFatalInit)
	}
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	tu.stop()
}

// clientDataDir returns (creating if needed) the directory holding the
// local identity vault, chat archive, and TOFU trust store.
func clientDataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, "voipc")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// promptPassword reads a vault password from stdin without a terminal
// dependency.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "vault password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseStartupAddr extracts a voipc://host:port address from CLI args, used
// by desktop launchers that register the voipc:// URL scheme to hand off a
// clicked invite link as an argv entry rather than an environment variable.
func parseStartupAddr(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "voipc://") {
			continue
		}
		addr := strings.TrimPrefix(a, "voipc://")
		addr = strings.TrimSuffix(addr, "/")
		return addr
	}
	return ""
}

