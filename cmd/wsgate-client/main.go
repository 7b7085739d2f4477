package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	wsgshare "github.com/sammck-go/wsgate/share"
	"github.com/tebeka/atexit"
	"gopkg.in/natefinch/lumberjack.v2"
)

var usage = `Usage: wsgate-client [options] <bind_host>:<bind_port>:<local_host>:<local_port>

Establishes a control channel to a wsgate server and asks it to expose
bind_host:bind_port publicly; each accepted connection is relayed to
local_host:local_port. Runs until torn down; exits non-zero on any
fatal condition. IPv6 hosts may be bracketed ("[::1]").

Options:
  -k, --ssl-key   path to the client TLS key (env CLIENT_KEY_PATH)
  -c, --ssl-crt   path to the client TLS certificate (env CLIENT_CERT_PATH)
  -h, --host      server control host (env REMOTE_HOST)
  -p, --port      server control port (env REMOTE_PORT)
      --log-file  also log to this file, with rotation
      --debug     enable debug logging
`

func envOr(v, name string) string {
	if v != "" {
		return v
	}
	return os.Getenv(name)
}

func fatal(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	atexit.Exit(1)
}

func main() {
	var keyPath, certPath, host, port, logFile string
	var debug bool
	flag.StringVar(&keyPath, "k", "", "")
	flag.StringVar(&keyPath, "ssl-key", "", "")
	flag.StringVar(&certPath, "c", "", "")
	flag.StringVar(&certPath, "ssl-crt", "", "")
	flag.StringVar(&host, "h", "", "")
	flag.StringVar(&host, "host", "", "")
	flag.StringVar(&port, "p", "", "")
	flag.StringVar(&port, "port", "", "")
	flag.StringVar(&logFile, "log-file", "", "")
	flag.BoolVar(&debug, "debug", false, "")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
	}
	flag.Parse()

	keyPath = envOr(keyPath, "CLIENT_KEY_PATH")
	certPath = envOr(certPath, "CLIENT_CERT_PATH")
	host = envOr(host, "REMOTE_HOST")
	port = envOr(port, "REMOTE_PORT")

	if flag.NArg() != 1 {
		flag.Usage()
		atexit.Exit(1)
	}
	if keyPath == "" || certPath == "" {
		fatal("A client key and certificate are required (-k/--ssl-key, -c/--ssl-crt)")
	}
	if host == "" || port == "" {
		fatal("A server host and port are required (-h/--host, -p/--port)")
	}
	rule, err := wsgshare.ParseProxyRule(flag.Arg(0))
	if err != nil {
		fatal("%s", err)
	}

	logLevel := wsgshare.LogLevelInfo
	if debug {
		logLevel = wsgshare.LogLevelDebug
	}
	var sink io.Writer = os.Stderr
	if logFile != "" {
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
	logger := wsgshare.NewLoggerWithWriter("client", logLevel, sink)

	client, err := wsgshare.NewClient(&wsgshare.ClientConfig{
		Host:     host,
		Port:     port,
		KeyPath:  keyPath,
		CertPath: certPath,
		Rule:     rule,
		Debug:    debug,
		Logger:   logger,
	})
	if err != nil {
		fatal("%s", err)
	}

	// crash-only: Run never returns nil
	err = client.Run(context.Background())
	logger.ELogf("%s", err)
	atexit.Exit(1)
}
