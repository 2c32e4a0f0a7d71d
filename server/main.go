package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexflint/go-arg"

	"h3exchange/server/h3server"
	"h3exchange/utilities"
)

var log = utilities.NewLogger("server")

type args struct {
	Addr     string   `arg:"--addr,env:H3_SERVER_ADDR" default:"127.0.0.1:8443" help:"UDP address to listen on"`
	Hosts    []string `arg:"--host,separate" help:"names and IPs the certificate is valid for (default localhost, 127.0.0.1)"`
	CAOut    string   `arg:"--ca-out,env:H3_SERVER_CA_OUT" default:"certs/ca.crt" help:"where to write the CA bundle clients must trust"`
	LogLevel string   `arg:"--log-level,env:H3_LOG_LEVEL" default:"info"`
}

func (args) Description() string {
	return "HTTP/3 fixture server for the h3exchange client"
}

func main() {
	var a args
	arg.MustParse(&a)
	defer utilities.Sync()

	if err := utilities.SetLogLevel(a.LogLevel); err != nil {
		log.Fatal(err)
	}
	if len(a.Hosts) == 0 {
		a.Hosts = []string{"localhost", "127.0.0.1"}
	}

	srv, err := h3server.Start(a.Addr, a.Hosts...)
	if err != nil {
		log.Fatalf("❌ error starting server: %v", err)
	}
	defer srv.Close()

	if err := os.MkdirAll(filepath.Dir(a.CAOut), 0o755); err != nil {
		log.Fatalf("❌ error creating %s: %v", filepath.Dir(a.CAOut), err)
	}
	if err := srv.CA.WriteBundle(a.CAOut); err != nil {
		log.Fatalf("❌ error writing CA bundle: %v", err)
	}
	log.Infof("🔐 CA bundle written to %s", a.CAOut)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}
