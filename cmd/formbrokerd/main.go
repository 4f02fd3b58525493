// Command formbrokerd is the broker executable: it binds the HTTP/
// WebSocket listener on the given port, accepts application control
// streams on a second loopback address, and runs the server coordinator
// until told to stop (spec.md §6 "CLI surface").
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/brennhill/formbroker/internal/coordinator"
	"github.com/brennhill/formbroker/internal/listener"
	"github.com/brennhill/formbroker/internal/winevent"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("formbrokerd", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to an optional TOML config file")
	sandboxRoot := flags.String("sandbox-root", "", "override the session sandbox root directory")
	appAddr := flags.String("app-addr", "", "override the loopback address application streams connect to")
	logLevel := flags.String("log-level", "", "override the log level (debug, info, warn, error)")

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: formbrokerd [flags] <listener-port>")
		return 2
	}
	port, err := strconv.Atoi(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "formbrokerd: invalid port %q: %v\n", flags.Arg(0), err)
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *sandboxRoot != "" {
		cfg.SandboxRoot = *sandboxRoot
	}
	if *appAddr != "" {
		cfg.AppAddr = *appAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "formbrokerd: invalid log level %q: %v\n", cfg.LogLevel, err)
		return 2
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Str("component", "formbrokerd").
		Logger()

	lst := listener.New(fmt.Sprintf("127.0.0.1:%d", port), staticAssets(), log)
	sink := winevent.SinkFunc(func(e winevent.Event) {
		log.Info().Str("kind", e.Kind.String()).Str("session", e.SessionID).
			Str("url", e.URL).Str("msg", e.Msg).Msg("windowing event")
	})

	coord, err := coordinator.New(cfg.SandboxRoot, lst, sink, log, cfg.AppMsgBacklog)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize coordinator")
		return 1
	}
	if err := coord.CleanStaleSessions(); err != nil {
		log.Warn().Err(err).Msg("startup stale-session scan failed")
	}

	httpPort, err := coord.Listen()
	if err != nil {
		log.Error().Err(err).Msg("failed to bind listener port")
		return 1
	}
	log.Info().Int("port", httpPort).Msg("listening for browser connections")

	appListener, err := net.Listen("tcp", cfg.AppAddr)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.AppAddr).Msg("failed to bind application stream address")
		return 1
	}
	log.Info().Str("addr", appListener.Addr().String()).Msg("listening for application streams")

	ctx := shutdownContext(context.Background(), log)

	go acceptApplicationStreams(ctx, appListener, coord, log)

	if err := coord.Run(ctx); err != nil {
		log.Error().Err(err).Msg("coordinator exited with error")
		return 1
	}
	return 0
}

// acceptApplicationStreams runs the accept loop for application control
// streams. The handshake/accept framework that assigns a session ID to a
// connection is explicitly out of scope (spec.md §1); this reads a
// single newline-terminated session-ID line ahead of the framed protocol
// as the smallest usable stand-in, mirroring client.Dial on the other
// end.
func acceptApplicationStreams(ctx context.Context, ln net.Listener, coord *coordinator.Coordinator, log zerolog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("application stream accept failed")
			continue
		}
		go admitApplicationStream(conn, coord, log)
	}
}

func admitApplicationStream(conn net.Conn, coord *coordinator.Coordinator, log zerolog.Logger) {
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		log.Warn().Err(err).Msg("application stream closed before sending session id")
		_ = conn.Close()
		return
	}
	sessionID := strings.TrimSpace(line)
	if sessionID == "" {
		log.Warn().Msg("application stream sent an empty session id")
		_ = conn.Close()
		return
	}

	wrapped := &bufferedConn{Conn: conn, r: r}
	if _, err := coord.Admit(sessionID, wrapped); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("admission refused")
		_ = conn.Close()
	}
}

// bufferedConn carries forward any bytes admitApplicationStream's
// bufio.Reader already buffered past the handshake line, so the broker's
// own reads see a contiguous stream starting exactly at the framed
// protocol.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func shutdownContext(parent context.Context, log zerolog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("received second signal, forcing exit")
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
