// Teleporter sends files from point A to point B over a framed TCP
// protocol, with optional end-to-end encryption and delta suppression.
// With no -i inputs it runs as the receiving server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/telexfer/teleporter/internal/client"
	"github.com/telexfer/teleporter/internal/observability"
	"github.com/telexfer/teleporter/internal/protocol"
	"github.com/telexfer/teleporter/internal/rndz"
	"github.com/telexfer/teleporter/internal/server"
)

// stringList collects repeated -i flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type options struct {
	inputs stringList

	dest string
	port int

	rndzServer string
	localID    string
	remoteID   string

	overwrite              bool
	recursive              bool
	encrypt                bool
	noDelta                bool
	keepPath               bool
	allowDangerousFilepath bool
	backup                 bool
	filenameAppend         bool
	mustEncrypt            bool

	baseDir       string
	advertiseAddr string
	metricsAddr   string
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFlags() *options {
	opt := &options{}

	flag.Var(&opt.inputs, "i", "File or directory to send (repeatable); server mode when absent")
	flag.StringVar(&opt.dest, "d", "127.0.0.1", "Destination teleporter host")
	flag.IntVar(&opt.port, "p", 9001, "Port to connect to, or to listen on")
	flag.StringVar(&opt.rndzServer, "rndz-server", envDefault("RNDZ_SERVER", ""), "Rendezvous broker URL")
	flag.StringVar(&opt.localID, "local-id", envDefault("LOCAL_ID", ""), "Rendezvous ID to register as (server)")
	flag.StringVar(&opt.remoteID, "remote-id", envDefault("REMOTE_ID", ""), "Rendezvous ID to connect to (client)")
	flag.BoolVar(&opt.overwrite, "o", false, "Overwrite the remote file")
	flag.BoolVar(&opt.recursive, "r", false, "Recurse into directories on send")
	flag.BoolVar(&opt.encrypt, "e", false, "Encrypt the transfer using ECDH key exchange")
	flag.BoolVar(&opt.noDelta, "n", false, "Disable delta transfer")
	flag.BoolVar(&opt.keepPath, "k", false, "Keep path info in the transmitted filename")
	flag.BoolVar(&opt.allowDangerousFilepath, "allow-dangerous-filepath", false,
		"Allow absolute and relative file paths on the server (use at your own risk)")
	flag.BoolVar(&opt.backup, "b", false, "Back up an existing destination to <name>.bak before overwriting")
	flag.BoolVar(&opt.filenameAppend, "f", false, "On collision, append .<n> to the filename instead of overwriting")
	flag.BoolVar(&opt.mustEncrypt, "s", false, "Require encryption for incoming connections (server)")
	flag.StringVar(&opt.baseDir, "dir", "", "Directory to receive files into (server, default cwd)")
	flag.StringVar(&opt.advertiseAddr, "advertise-addr", "", "Address registered with the rendezvous broker (server)")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics and health on this address (server)")
	flag.Parse()

	return opt
}

func main() {
	opt := parseFlags()

	log := observability.NewLogger("teleporter", protocol.Version, os.Stderr)

	if shutdown, err := observability.InitTracing(context.Background(), "teleporter"); err == nil {
		defer shutdown(context.Background())
	}

	var err error
	if len(opt.inputs) == 0 {
		err = runServer(opt, log)
	} else {
		err = runClient(opt, log)
	}
	if err != nil {
		log.Error(err, "run failed")
		os.Exit(1)
	}
}

func runClient(opt *options, log *observability.Logger) error {
	if opt.rndzServer != "" && opt.remoteID == "" {
		return errors.New("remote-id is required when rndz-server is set")
	}

	fmt.Printf("Teleporter client %s => %s\n", protocol.Version, clientTarget(opt))

	cfg := &client.Config{
		Inputs:         opt.inputs,
		Dest:           opt.dest,
		Port:           opt.port,
		RndzServer:     opt.rndzServer,
		LocalID:        opt.localID,
		RemoteID:       opt.remoteID,
		Overwrite:      opt.overwrite,
		Recursive:      opt.recursive,
		Encrypt:        opt.encrypt,
		NoDelta:        opt.noDelta,
		KeepPath:       opt.keepPath,
		Backup:         opt.backup,
		FilenameAppend: opt.filenameAppend,
		Progress:       true,
	}

	stats, err := client.Run(cfg, log)
	fmt.Printf("Teleported %d/%d/%d Sent/Same/Total (%s) in %s\n",
		stats.Sent, stats.Same, stats.Sent+stats.Same+stats.Refused,
		humanize.IBytes(stats.BytesSent), stats.Elapsed.Round(10*time.Millisecond))
	return err
}

func clientTarget(opt *options) string {
	if opt.rndzServer != "" {
		return fmt.Sprintf("rndz %s: %s -> %s", opt.rndzServer, opt.localID, opt.remoteID)
	}
	return net.JoinHostPort(opt.dest, strconv.Itoa(opt.port))
}

func runServer(opt *options, log *observability.Logger) error {
	if opt.rndzServer != "" && opt.localID == "" {
		return errors.New("local-id is required when rndz-server is set")
	}

	srv := server.New(server.Config{
		Port:                   opt.port,
		BaseDir:                opt.baseDir,
		MustEncrypt:            opt.mustEncrypt,
		AllowDangerousFilepath: opt.allowDangerousFilepath,
	}, log)

	if opt.metricsAddr != "" {
		go serveMetrics(opt, srv, log)
	}

	if opt.rndzServer != "" {
		addr, err := advertiseAddr(opt)
		if err != nil {
			return err
		}
		announcer, err := rndz.Announce(opt.rndzServer, opt.localID, addr, rndz.DefaultTTL,
			func(err error) { log.Error(err, "rendezvous refresh failed") })
		if err != nil {
			return fmt.Errorf("register with rendezvous broker: %w", err)
		}
		defer announcer.Stop()
		log.Info(fmt.Sprintf("registered with %s as %q (%s)", opt.rndzServer, opt.localID, addr))
	}

	return srv.ListenAndServe()
}

func serveMetrics(opt *options, srv *server.Server, log *observability.Logger) {
	health := observability.NewHealthChecker(protocol.Version)
	health.RegisterCheck("listener", observability.ListenerCheck(fmt.Sprintf(":%d", opt.port)))

	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.Metrics().Handler())
	mux.Handle("/health", health.Handler())

	log.Info(fmt.Sprintf("metrics on %s", opt.metricsAddr))
	if err := http.ListenAndServe(opt.metricsAddr, mux); err != nil {
		log.Error(err, "metrics endpoint failed")
	}
}

// advertiseAddr picks the address registered with the broker: the
// explicit flag, or the outbound interface address with the listen port.
func advertiseAddr(opt *options) (string, error) {
	if opt.advertiseAddr != "" {
		return opt.advertiseAddr, nil
	}
	conn, err := net.Dial("udp", "203.0.113.1:9")
	if err != nil {
		return "", fmt.Errorf("detect outbound address (set -advertise-addr): %w", err)
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(opt.port)), nil
}
