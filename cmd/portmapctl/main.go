// Package main provides the portmapctl command-line entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/natgateway/portmap"
	"github.com/natgateway/portmap/pkg/types"
)

var (
	timeout     = flag.Duration("timeout", 20*time.Second, "overall discovery timeout")
	mapSpec     = flag.String("map", "", "port to map after discovery, as tcp:8080 or udp:8080")
	lifetime    = flag.Duration("lifetime", 2*time.Hour, "requested mapping lifetime")
	showVersion = flag.Bool("version", false, "print version and exit")
)

const version = "v0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "portmapctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Println("portmapctl", version)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := portmap.New()
	if err := client.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer client.Close()

	discoverCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	mappers, err := client.Discover(discoverCtx)
	if len(mappers) == 0 && err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "portmapctl: some candidates failed: %v\n", err)
	}

	for _, m := range mappers {
		fmt.Printf("gateway %s speaks %s\n", m.Gateway(), m.Protocol())
	}

	if *mapSpec == "" || len(mappers) == 0 {
		return nil
	}

	portType, internalPort, err := parseMapSpec(*mapSpec)
	if err != nil {
		return err
	}

	m := mappers[0]
	mapped, err := m.Map(ctx, portType, internalPort, 0, *lifetime)
	if err != nil {
		return fmt.Errorf("map %s: %w", *mapSpec, err)
	}
	fmt.Printf("mapped %s:%d -> %s:%d (lifetime %ds)\n",
		portType, internalPort, mapped.ExternalAddress, mapped.ExternalPort, mapped.LifetimeSeconds)
	return nil
}

func parseMapSpec(spec string) (types.PortType, int, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid -map value %q, want proto:port", spec)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid -map port %q: %w", parts[1], err)
	}
	switch strings.ToLower(parts[0]) {
	case "tcp":
		return types.TCP, port, nil
	case "udp":
		return types.UDP, port, nil
	default:
		return 0, 0, fmt.Errorf("invalid -map protocol %q, want tcp or udp", parts[0])
	}
}
