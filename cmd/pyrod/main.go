// Command pyrod starts a name server or a plain object daemon. It exists
// only so the broker has a runnable entrypoint; CLI ergonomics beyond that
// are out of scope.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pyro-go/pyro/config"
	"github.com/pyro-go/pyro/daemon"
	"github.com/pyro-go/pyro/nameserver"
)

var (
	host            string
	port            uint16
	bcHost          string
	bcPort          uint16
	noBroadcast     bool
	serverTypeFlag  string
	dottedNamesFlag bool
	logLevelFlag    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pyrod",
		Short: "pyrod runs a broker name server or a bare object daemon",
	}
	root.PersistentFlags().StringVar(&host, "host", "localhost", "bind host")
	root.PersistentFlags().Uint16Var(&port, "port", 0, "bind port (0 picks an ephemeral port)")
	root.PersistentFlags().StringVar(&serverTypeFlag, "servertype", "thread", "transport server variant: thread|multiplex")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "logrus level: debug|info|warn|error")

	root.AddCommand(newNameServerCmd())
	root.AddCommand(newDaemonCmd())
	return root
}

func newNameServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nameserver",
		Short: "start a name server (registry + daemon + broadcast responder)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg := buildConfig()

			ns, err := nameserver.StartNS(host, port, !noBroadcast, bcHost, bcPort, cfg, log)
			if err != nil {
				return err
			}
			log.Infof("name server listening at %s", ns.URI())
			if ns.BCResponder != nil {
				log.Infof("broadcast responder listening at %s", ns.BCResponder.LocationStr())
			}

			running := atomic.Bool{}
			running.Store(true)
			go waitForSignal(func() { running.Store(false); ns.Daemon.PingConnection() })
			return ns.Serve(func() bool { return running.Load() })
		},
	}
	cmd.Flags().StringVar(&bcHost, "bchost", "", "broadcast responder bind host")
	cmd.Flags().Uint16Var(&bcPort, "bcport", 9091, "broadcast responder bind port")
	cmd.Flags().BoolVar(&noBroadcast, "no-broadcast", false, "disable the UDP discovery responder")
	cmd.Flags().BoolVar(&dottedNamesFlag, "dotted-names", false, "refuse to start (guard against attribute-traversal escape)")
	return cmd
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "start a bare daemon with no registered objects (for embedding/testing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg := buildConfig()

			d, err := daemon.New(host, port, cfg, log)
			if err != nil {
				return err
			}
			log.Infof("daemon listening at %s", d.LocationStr())

			running := atomic.Bool{}
			running.Store(true)
			go waitForSignal(func() { running.Store(false); d.PingConnection() })
			return d.RequestLoop(func() bool { return running.Load() })
		},
	}
}

func buildConfig() config.Config {
	cfg := config.Default()
	cfg.Host = host
	cfg.DottedNames = dottedNamesFlag
	if serverTypeFlag == "multiplex" {
		cfg.ServerType = config.ServerTypeMultiplex
	} else {
		cfg.ServerType = config.ServerTypeThread
	}
	return cfg
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(logLevelFlag); err == nil {
		log.SetLevel(lvl)
	}
	return logrus.NewEntry(log)
}

func waitForSignal(onSignal func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	onSignal()
	// give the request loop a moment to observe the flag and the ping
	// before this goroutine exits.
	time.Sleep(50 * time.Millisecond)
}
