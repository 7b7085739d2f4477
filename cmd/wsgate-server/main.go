package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	wsgshare "github.com/sammck-go/wsgate/share"
	"github.com/tebeka/atexit"
	"gopkg.in/natefinch/lumberjack.v2"
)

func envOr(name, dflt string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return dflt
}

func main() {
	config := &wsgshare.ServerConfig{
		Host:                  envOr("CONTROL_HOST", "127.0.0.1"),
		Port:                  envOr("CONTROL_PORT", "8000"),
		KeyPath:               os.Getenv("SERVER_KEY_PATH"),
		CertPath:              os.Getenv("SERVER_CERT_PATH"),
		AuthorizedClientsPath: os.Getenv("AUTHORIZED_CLIENTS"),
		Debug:                 os.Getenv("DEBUG") != "",
	}
	if config.KeyPath == "" || config.CertPath == "" {
		fmt.Fprintln(os.Stderr, "SERVER_KEY_PATH and SERVER_CERT_PATH are required")
		atexit.Exit(1)
	}
	if config.AuthorizedClientsPath == "" {
		fmt.Fprintln(os.Stderr, "AUTHORIZED_CLIENTS is required")
		atexit.Exit(1)
	}

	logLevel := wsgshare.LogLevelInfo
	if config.Debug {
		logLevel = wsgshare.LogLevelDebug
	}
	var sink io.Writer = os.Stderr
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		fileSink := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		atexit.Register(func() {
			fileSink.Close()
		})
		sink = io.MultiWriter(os.Stderr, fileSink)
	}
	config.Logger = wsgshare.NewLoggerWithWriter("server", logLevel, sink)

	server, err := wsgshare.NewServer(config)
	if err != nil {
		config.Logger.ELogf("Startup failed: %s", err)
		atexit.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		config.Logger.ELogf("Server failed: %s", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
