package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/CortexLM/cortex-ide-sub005/bridge"
)

const BridgeCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Bridge control. Diagnostics against a running IDE host process.

The default url is:
    host_url: ws://127.0.0.1:9763/bridge

Usage:
    bridgectl call [--host_url=<host_url>] [--token=<token>] <command> [<args_json>]
    bridgectl watch [--host_url=<host_url>] [--token=<token>]
        [--update_count=<update_count>]
    bridgectl stats [--host_url=<host_url>] [--token=<token>]
        [--duration=<seconds>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --host_url=<host_url>
    --token=<token>                Your host session token. Prompted if not set.
    --update_count=<update_count>  Print this many updates then exit.
    --duration=<seconds>           Watch for this many seconds then print stats.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BridgeCtlVersion)
	if err != nil {
		panic(err)
	}

	if call_, _ := opts.Bool("call"); call_ {
		call(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if stats_, _ := opts.Bool("stats"); stats_ {
		stats(opts)
	}
}

func hostUrl(opts docopt.Opts) string {
	if hostUrl, err := opts.String("--host_url"); err == nil && hostUrl != "" {
		return hostUrl
	}
	return "ws://127.0.0.1:9763/bridge"
}

func sessionAuth(opts docopt.Opts) *bridge.SessionAuth {
	token, _ := opts.String("--token")
	if token == "" {
		fmt.Print("Session token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			Err.Fatalf("Could not read token (%s).\n", err)
		}
		token = string(tokenBytes)
	}
	return &bridge.SessionAuth{
		Token:      token,
		InstanceId: bridge.NewId(),
		AppVersion: fmt.Sprintf("bridgectl %s", BridgeCtlVersion),
	}
}

// execute one command and print the decoded result
func call(opts docopt.Opts) {
	command, _ := opts.String("<command>")
	argsJson, _ := opts.String("<args_json>")

	args := map[string]any{}
	if argsJson != "" {
		if err := json.Unmarshal([]byte(argsJson), &args); err != nil {
			Err.Fatalf("Invalid args json (%s).\n", err)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := bridge.NewHostTransportWithDefaults(cancelCtx, hostUrl(opts), sessionAuth(opts), nil)
	defer transport.Close()

	batcher := bridge.NewRequestBatcherWithDefaults(cancelCtx, transport)
	defer batcher.Close()

	result, err := batcher.Invoke(cancelCtx, command, args)
	if err != nil {
		Err.Fatalf("%s error = %s\n", command, err)
	}

	resultBytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		Err.Fatalf("Could not render result (%s).\n", err)
	}
	Out.Printf("%s\n", resultBytes)
}

// subscribe to the update stream and print envelopes as they drain
func watch(opts docopt.Opts) {
	updateCount := -1
	if updateCountStr, err := opts.String("--update_count"); err == nil && updateCountStr != "" {
		parsedUpdateCount, err := strconv.Atoi(updateCountStr)
		if err != nil {
			Err.Fatalf("Invalid update_count (%s).\n", err)
		}
		updateCount = parsedUpdateCount
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := bridge.NewStreamBusWithDefaults(cancelCtx)
	defer bus.Destroy()

	done := make(chan struct{})
	seen := 0
	unsubscribe := bus.Subscribe(func(envelope *bridge.UpdateEnvelope) {
		envelopeBytes, err := json.Marshal(envelope)
		if err != nil {
			return
		}
		Out.Printf("%s\n", envelopeBytes)
		seen += 1
		if seen == updateCount {
			close(done)
		}
	})
	defer unsubscribe()

	transport := bridge.NewHostTransportWithDefaults(cancelCtx, hostUrl(opts), sessionAuth(opts), bus)
	defer transport.Close()

	<-done
}

// watch for a fixed duration, then print bus counters
func stats(opts docopt.Opts) {
	duration := 10 * time.Second
	if durationStr, err := opts.String("--duration"); err == nil && durationStr != "" {
		seconds, err := strconv.Atoi(durationStr)
		if err != nil {
			Err.Fatalf("Invalid duration (%s).\n", err)
		}
		duration = time.Duration(seconds) * time.Second
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := bridge.NewStreamBusWithDefaults(cancelCtx)
	defer bus.Destroy()

	transport := bridge.NewHostTransportWithDefaults(cancelCtx, hostUrl(opts), sessionAuth(opts), bus)
	defer transport.Close()

	select {
	case <-time.After(duration):
	case <-cancelCtx.Done():
	}

	busStats := bus.GetStats()
	statsBytes, err := json.MarshalIndent(busStats, "", "  ")
	if err != nil {
		Err.Fatalf("Could not render stats (%s).\n", err)
	}
	Out.Printf("%s\n", statsBytes)

	backpressure := bus.GetBackpressureStatus()
	backpressureBytes, err := json.MarshalIndent(backpressure, "", "  ")
	if err != nil {
		Err.Fatalf("Could not render backpressure status (%s).\n", err)
	}
	Out.Printf("%s\n", backpressureBytes)
}
