// Command turnserver runs the standalone relay server (§4.9): a
// single process listening on UDP, TCP and optionally TLS, sharing
// one realm and a fixed set of long-term credentials.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/logging"

	"github.com/wirecall/callcore/pkg/turnserver"
)

func main() {
	var (
		realm       = flag.String("realm", "wirecall", "TURN realm")
		udpAddr     = flag.String("udp", ":3478", "UDP listen address, empty to disable")
		tcpAddr     = flag.String("tcp", ":3478", "TCP listen address, empty to disable")
		tlsAddr     = flag.String("tls", "", "TLS listen address, empty to disable")
		tlsCertPath = flag.String("tls-cert", "", "TLS certificate file (required with -tls)")
		tlsKeyPath  = flag.String("tls-key", "", "TLS key file (required with -tls)")
		relayAddr   = flag.String("relay-address", "", "public relay IP advertised in XOR-RELAYED-ADDRESS")
		usersFlag   = flag.String("users", "", "comma-separated user:password pairs")
		logLevel    = flag.String("log-level", "info", "trace, debug, info, warn, or error")
	)
	flag.Parse()

	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = parseLogLevel(*logLevel)
	logger := factory.NewLogger("turnserver")

	conf := turnserver.Conf{
		Realm:        *realm,
		UDPAddr:      *udpAddr,
		TCPAddr:      *tcpAddr,
		TLSAddr:      *tlsAddr,
		RelayAddress: *relayAddr,
		Credentials:  parseUsers(*usersFlag),
	}

	if *tlsAddr != "" {
		cert, err := tls.LoadX509KeyPair(*tlsCertPath, *tlsKeyPath)
		if err != nil {
			log.Fatalf("turnserver: loading TLS cert: %v", err)
		}
		conf.TLSConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv, err := turnserver.New(conf, factory)
	if err != nil {
		log.Fatalf("turnserver: %v", err)
	}
	logger.Infof("listening udp=%q tcp=%q tls=%q realm=%q", *udpAddr, *tcpAddr, *tlsAddr, *realm)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := srv.Close(); err != nil {
		log.Fatalf("turnserver: shutdown: %v", err)
	}
}

func parseUsers(s string) []turnserver.Credentials {
	if s == "" {
		return nil
	}
	var out []turnserver.Credentials
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, turnserver.Credentials{Username: parts[0], Password: parts[1]})
	}
	return out
}

func parseLogLevel(s string) logging.LogLevel {
	switch strings.ToLower(s) {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}
