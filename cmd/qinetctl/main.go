// Command qinetctl starts a standalone directory node, or a demo echo
// service registered against one, mirroring the teacher's azurl driver-
// selection flag pattern with a -role flag instead of a -driver one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/qinetmesh/qinet"
)

func main() {
	roleFlag := flag.String("role", "directory", "Node role: directory or echo")
	listenFlag := flag.String("listen", defaultListenURL(), "URL this node listens on (tcp://host:port)")
	directoryFlag := flag.String("directory", "", "Directory URL to connect to (required for -role echo)")
	nameFlag := flag.String("name", "echo", "Service name to register (-role echo only)")

	flag.Usage = printUsage
	flag.Parse()

	logger := log.New(os.Stderr, "qinetctl: ", log.LstdFlags)

	listenURL, err := qinet.ParseURL(*listenFlag)
	if err != nil {
		logger.Fatalf("invalid -listen url: %v", err)
	}

	reactor := qinet.NewNetworkReactor(0)
	if err := reactor.Start(); err != nil {
		logger.Fatalf("reactor start: %v", err)
	}
	defer reactor.Stop()

	switch *roleFlag {
	case "directory":
		runDirectory(logger, reactor, listenURL)
	case "echo":
		if *directoryFlag == "" {
			logger.Fatalf("-directory is required for -role echo")
		}
		directoryURL, err := qinet.ParseURL(*directoryFlag)
		if err != nil {
			logger.Fatalf("invalid -directory url: %v", err)
		}
		runEcho(logger, reactor, directoryURL, listenURL, *nameFlag)
	default:
		logger.Fatalf("unknown -role %q (want directory or echo)", *roleFlag)
	}
}

func runDirectory(logger *log.Logger, reactor *qinet.NetworkReactor, listenURL qinet.URL) {
	dir, err := qinet.NewServiceDirectory(reactor, listenURL, qinet.WithLogger(logger))
	if err != nil {
		logger.Fatalf("directory listen: %v", err)
	}
	defer dir.Close()

	endpoints, err := dir.Endpoints()
	if err != nil {
		logger.Fatalf("endpoints: %v", err)
	}
	for _, ep := range endpoints {
		logger.Printf("directory listening on %s", ep)
	}

	waitForSignal()
}

func runEcho(logger *log.Logger, reactor *qinet.NetworkReactor, directoryURL, listenURL qinet.URL, name string) {
	session := qinet.NewSession(reactor, qinet.WithLogger(logger))
	defer session.Close()

	ctx := context.Background()
	if _, err := session.Connect(ctx, directoryURL).Wait(ctx); err != nil {
		logger.Fatalf("connect directory: %v", err)
	}
	if err := session.Listen(listenURL); err != nil {
		logger.Fatalf("listen: %v", err)
	}

	table := qinet.NewObjectTable()
	table.OnCall(1, func(payload *qinet.Buffer) (*qinet.Buffer, error) {
		dec := qinet.NewDecoder(payload)
		s, err := dec.ReadString()
		if err != nil {
			return nil, err
		}
		enc := qinet.NewEncoder(nil)
		enc.WriteString(s)
		return enc.Buffer(), nil
	})

	id, err := session.RegisterService(name, table).Wait(ctx)
	if err != nil {
		logger.Fatalf("register service %q: %v", name, err)
	}
	logger.Printf("registered %q as service id %d", name, id)

	waitForSignal()
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func defaultListenURL() string {
	if v := os.Getenv("QI_LISTEN_URL"); v != "" {
		return v
	}
	return "tcp://127.0.0.1:0"
}

func printUsage() {
	fmt.Println("qinetctl - qinet directory/service node")
	fmt.Println("Usage:")
	fmt.Println("  qinetctl -role directory [-listen tcp://host:port]")
	fmt.Println("  qinetctl -role echo -directory tcp://host:port [-listen tcp://host:port] [-name echo]")
}
