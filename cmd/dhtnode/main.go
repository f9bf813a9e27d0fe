package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/retonato/simple-dht-node/dht"
	"github.com/sirupsen/logrus"
)

func usage() {
	fmt.Fprintf(os.Stderr, `%s [options]

    -id string        Optional: 40-character hex node ID. A random one is
                       generated if not set.
    -port int          Optional: UDP port to bind. A random port is chosen
                       if not set.
    -log-level string  Logging level: debug, info, warn, error (default "info")
`, os.Args[0])
	os.Exit(2)
}

func main() {
	var idHex string
	var port int
	var logLevel string
	flag.Usage = usage
	flag.StringVar(&idHex, "id", "", "")
	flag.IntVar(&port, "port", 0, "")
	flag.StringVar(&logLevel, "log-level", "info", "")
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", logLevel, err)
		os.Exit(2)
	}
	log.SetLevel(level)

	opts := dht.Options{Logger: log}
	if idHex != "" {
		id, err := dht.ParseNodeID(idHex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -id: %v\n", err)
			os.Exit(2)
		}
		opts.NodeID, opts.HasID = id, true
	}
	if port < 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid -port %d\n", port)
		os.Exit(2)
	}
	opts.Port = uint16(port)

	node, err := dht.New(opts)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("failed to construct node")
	}

	node.AddMessageHandler(func(msg *dht.Message, sender dht.RemoteNode) {
		log.WithFields(logrus.Fields{
			"from":  sender.Addr().String(),
			"type":  msg.Type,
			"query": msg.Query,
			"tx_id": fmt.Sprintf("%x", msg.TransactionID),
		}).Debug("dht: observed message")
	})

	if err := node.Start(); err != nil {
		log.WithField("error", err.Error()).Fatal("failed to start node")
	}
	log.WithFields(logrus.Fields{
		"node_id": node.ID().String(),
		"port":    node.Port(),
	}).Info("dht node running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	statsTicker := time.NewTicker(1 * time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-sigCh:
			log.Info("shutting down")
			if err := node.Stop(); err != nil {
				log.WithField("error", err.Error()).Warn("error during shutdown")
			}
			return
		case <-statsTicker.C:
			stats := node.Stats()
			log.WithFields(logrus.Fields{
				"active_nodes": stats.ActiveNodes,
				"incoming":     stats.Incoming,
				"outgoing":     stats.Outgoing,
			}).Info("dht node stats")
		}
	}
}
