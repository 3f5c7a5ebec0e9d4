// Command mc-bench is a thin smoke-test and micro-benchmark exerciser
// for mcpool, in the pack's cmd/ convention: dial a server list, run a
// batch of sets/gets, and report timings.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-mcpool/mcpool"
)

func main() {
	var (
		serversFlag = flag.String("servers", "127.0.0.1:11211", "comma-separated host:port list")
		failover    = flag.Bool("failover", false, "enable skip-dead-walk failover")
		n           = flag.Int("n", 1000, "number of keys to set and get")
		prefix      = flag.String("prefix", "mc-bench", "key prefix")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	servers, err := parseServers(*serversFlag)
	if err != nil {
		logger.Error("mc-bench: bad -servers", "err", err)
		os.Exit(1)
	}

	client, err := mcpool.New(servers, *failover, mcpool.WithLogger(logger))
	if err != nil {
		logger.Error("mc-bench: new client", "err", err)
		os.Exit(1)
	}

	if versions, err := client.Version(); err != nil {
		logger.Warn("mc-bench: version broadcast failed", "err", err)
	} else {
		for _, v := range versions {
			fmt.Printf("%s: %s\n", v.Host, strings.Join(linesToStrings(v.Lines), " "))
		}
	}

	start := time.Now()
	for i := 0; i < *n; i++ {
		key := []byte(fmt.Sprintf("%s:%d", *prefix, i))
		if err := client.Set(key, []byte(fmt.Sprintf("value-%d", i)), 0, 60); err != nil {
			logger.Warn("mc-bench: set failed", "key", string(key), "err", err)
		}
	}
	setElapsed := time.Since(start)

	hits := 0
	start = time.Now()
	for i := 0; i < *n; i++ {
		key := []byte(fmt.Sprintf("%s:%d", *prefix, i))
		if _, err := client.Get(key); err == nil {
			hits++
		} else if err != mcpool.ErrNotFound {
			logger.Warn("mc-bench: get failed", "key", string(key), "err", err)
		}
	}
	getElapsed := time.Since(start)

	fmt.Printf("set %d keys in %v (%v/op)\n", *n, setElapsed, setElapsed/time.Duration(*n))
	fmt.Printf("got %d/%d keys in %v (%v/op)\n", hits, *n, getElapsed, getElapsed/time.Duration(*n))
}

func parseServers(s string) ([]mcpool.ServerSpec, error) {
	var specs []mcpool.ServerSpec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("mc-bench: %q is not host:port", part)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("mc-bench: %q has a bad port: %w", part, err)
		}
		specs = append(specs, mcpool.ServerSpec{Host: host, Port: uint16(port)})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("mc-bench: no servers given")
	}
	return specs, nil
}

func linesToStrings(lines []mcpool.LineResult) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l.Line)
	}
	return out
}
