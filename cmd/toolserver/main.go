// Command toolserver serves the bot's built-in MCP tools over a websocket
// (/mcp/ws) or, with -stdio, over standard input and output.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/mcp"
)

func main() {
	addr := flag.String("addr", ":9001", "listen address")
	stdio := flag.Bool("stdio", false, "serve one session over stdin/stdout")
	zone := flag.String("tz", "Asia/Tokyo", "default time zone")
	flag.Parse()

	logging.Init(os.Getenv("LOG_LEVEL"))
	defer logging.Sync()

	loc, err := time.LoadLocation(*zone)
	if err != nil {
		logging.Warnw("toolserver: unknown time zone, using UTC", "tz", *zone, "err", err)
		loc = time.UTC
	}
	server := newServer(loc, time.Now, randomRoll)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *stdio {
		if err := server.Run(ctx, &sdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			logging.Errorw("toolserver: stdio session ended", "err", err)
		}
		return
	}

	srv := &http.Server{Addr: *addr, Handler: routes(server), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Infow("toolserver: listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Errorw("toolserver: listen failed", "err", err)
		os.Exit(1)
	}
}

func routes(server *sdk.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	upgrader := websocket.Upgrader{}
	r.Get("/mcp/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("toolserver: upgrade failed", "err", err)
			return
		}
		go func() {
			ss, err := server.Connect(context.Background(), mcp.NewWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("toolserver: session failed", "err", err)
				_ = conn.Close()
				return
			}
			if err := ss.Wait(); err != nil {
				logging.Debugw("toolserver: session ended", "err", err)
			}
		}()
	})
	return r
}
