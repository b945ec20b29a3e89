package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/natefinch/lumberjack.v2"

	"statelesse/api"
)

func main() {
	args := ParseArgs()
	setupLogger(args.Log)
	if err := args.Validate(); err != nil {
		slog.Error("Invalid arguments", slog.Any("error", err))
		os.Exit(1)
	}

	server, err := api.NewServer(args.ServerConfig)
	if err != nil {
		slog.Error("Fail to create server", slog.Any("error", err))
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		server.Close()
		slog.Error("Fail to start server", slog.Any("error", err))
		os.Exit(1)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	server.RegisterHandlers(router)
	httpServer := &http.Server{
		Addr:              args.ServerURL,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("HTTP server listening", slog.String("addr", args.ServerURL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	// 先關閉backplane讓所有串流結束，Shutdown才不會等到逾時
	server.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Fail to shutdown HTTP server", slog.Any("error", err))
	}
}

func setupLogger(config LogConfig) {
	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stdout
	if config.File != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    25,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		})
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(w, options)
	} else {
		handler = slog.NewTextHandler(w, options)
	}
	slog.SetDefault(slog.New(handler))
	if level == slog.LevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}
