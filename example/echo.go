package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/pipemsg"
)

const identity = "pipemsg-echo"

// serve echoes every message. Requests are answered through their reply
// handle; plain messages are sent back on the connection.
func serve() (*pipemsg.Server, error) {
	server := pipemsg.NewServer(identity)

	server.OnMessage(func(msg pipemsg.Message, dest pipemsg.Destination) {
		if h, ok := dest.(*pipemsg.ReplyHandle); ok {
			slog.Info("request", "correlation_id", h.ID, "message", msg)
		}
		if err := dest.Send(pipemsg.Message{"echo": msg}); err != nil {
			slog.Error("echo failed", "error", err)
		}
	})

	server.OnEnd(func(conn *pipemsg.Conn) {
		slog.Info("client gone", "addr", conn.Addr())
	})

	err := server.Listen(func(conn *pipemsg.Conn) {
		slog.Info("client connected", "addr", conn.Addr())
	})
	return server, err
}

func main() {
	server, err := serve()
	if err != nil {
		slog.Error("failed to start server", "error", err)
		return
	}
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := pipemsg.Dial(ctx, identity,
		pipemsg.ResponseTimeoutOption(time.Second),
		pipemsg.OnMessageOption(func(msg pipemsg.Message) {
			slog.Info("client received", "message", msg)
		}),
	)
	if err != nil {
		slog.Error("failed to connect", "error", err)
		return
	}
	defer client.Close()

	reply, err := client.Call(ctx, pipemsg.Message{"text": "hello"})
	if err != nil {
		slog.Error("request failed", "error", err)
		return
	}
	slog.Info("reply", "message", reply)

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	slog.Info("echo server running, press Ctrl+C to stop", "identity", identity)
	<-sigCh
	slog.Info("shutting down server...")
}
