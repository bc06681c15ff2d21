// Command opmuxgateway serves HTTP, turning each request into an
// operation on an upstream opmuxd.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/linkdata/opmux"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		listenAddr string
		printURL   bool
		logLevel   string
		netLog     bool
	)
	flagSet := pflag.NewFlagSet("opmuxgateway", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddr, "listen", "127.0.0.1:0", "the address the HTTP server should listen on")
	flagSet.BoolVar(&printURL, "printurl", false, "print the listen URL on stdout")
	flagSet.StringVar(&logLevel, "log-level", "", "log level, overridden by $"+opmux.EnvLogLevel)
	flagSet.BoolVar(&netLog, "netlog", false, "log every frame at debug level")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: opmuxgateway [flags] upstream\n\nupstream is host:port or a ws:// URL\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() < 1 {
		flagSet.Usage()
		return errors.New("missing required argument: address of upstream opmuxd")
	}
	upstream := flagSet.Arg(0)

	c := opmux.NewClient(upstream)
	c.Config.LogLevel = logLevel
	c.Config.NetLog = netLog
	c.Config.Logger = opmux.NewLogger(os.Stderr, logLevel)
	if strings.HasPrefix(upstream, "ws://") || strings.HasPrefix(upstream, "wss://") {
		c.Dial = opmux.DialWebsocket
	}
	defer c.Close()

	g := opmux.NewGateway(c)
	g.Log = c.Config.Logger

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	hs := &http.Server{
		Addr:    ln.Addr().String(),
		Handler: g,
	}
	defer hs.Close()

	if printURL {
		fmt.Fprintf(os.Stdout, "http://%s/\n", ln.Addr().String())
	}
	return hs.Serve(ln)
}
