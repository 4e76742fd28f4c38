// Command ember-serverd runs a server listener: it binds a UDP socket,
// admits and gates incoming handshakes against the ban store, serves
// Prometheus metrics and a peer listing over HTTP, and announces itself on
// the LAN discovery multicast group when configured to.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emberproto/ember/config"
	"github.com/emberproto/ember/discovery"
	"github.com/emberproto/ember/logging"
	"github.com/emberproto/ember/rudp"
	"github.com/emberproto/ember/store"
	"github.com/emberproto/ember/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "ember-serverd",
		Short: "Run a reliable-datagram session server",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "ember-serverd.yml", "path to the server configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newBanCmd(&configPath))
	root.AddCommand(newUnbanCmd(&configPath))
	root.AddCommand(newBanListCmd(&configPath))
	return root
}

func openStore(configPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.BanDBPath == "" {
		cfg.BanDBPath = "storage/ban.db"
	}
	s, err := store.Open(cfg.BanDBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

func newBanCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ban <addr> [reason]",
		Short: "Ban an IP address",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer s.Close()
			reason := "banned"
			if len(args) == 2 {
				reason = args[1]
			}
			return s.Ban(args[0], reason)
		},
	}
}

func newUnbanCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unban <addr>",
		Short: "Remove an IP address from the ban list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Unban(args[0])
		},
	}
}

func newBanListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ban-list",
		Short: "List banned addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer s.Close()
			entries, err := s.List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\t%s\t%s\n", e.Addr, e.Reason, e.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start accepting connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

// peerStatus is the JSON shape served by GET /peers (§6).
type peerStatus struct {
	Remote        string  `json:"remote"`
	ConnectionID  string  `json:"connectionID"`
	State         string  `json:"state"`
	AvgRTTMillis  float64 `json:"avgRTTMillis"`
	Outstanding   int     `json:"outstanding"`
	PingsSinceAck int     `json:"pingsSinceAck"`
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logWriter, err := logging.Open("log")
	if err != nil {
		return err
	}
	log.SetOutput(logWriter)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if cfg.BanDBPath == "" {
		cfg.BanDBPath = "storage/ban.db"
	}
	banStore, err := store.Open(cfg.BanDBPath)
	if err != nil {
		return err
	}
	defer banStore.Close()

	sock, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := rudp.NewMetrics(registry)

	listener := rudp.Listen(sock, cfg.Tunables.Tunables(), rudp.RealClock, metrics)
	listener.Admit = func(addr net.Addr, handshake []byte) []byte {
		if banned, reason, err := banStore.IsBannedAddr(addr); err == nil && banned {
			log.Printf("rejected %s: %s", addr, reason)
			return []byte("banned: " + reason)
		}
		return nil
	}
	listener.OnNewConnection = func(c *rudp.Conn, handshake []byte) {
		log.Printf("peer connected: %s (%s)", c.RemoteAddr(), c.ID)
		c.OnDataReceived = func(data []byte, opt wire.SendOption) {
			log.Printf("data from %s: %d bytes (%s)", c.RemoteAddr(), len(data), opt)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	// Stopping the listener unblocks the accept loop below when another
	// group member fails.
	group.Go(func() error {
		<-ctx.Done()
		listener.Stop()
		return nil
	})

	group.Go(func() error {
		for {
			_, err := listener.Accept()
			if err != nil {
				return err
			}
		}
	})

	if cfg.MetricsAddr != "" {
		router := chi.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		router.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
			peers := listener.Peers()
			out := make([]peerStatus, 0, len(peers))
			for _, p := range peers {
				snap := p.Snapshot()
				out = append(out, peerStatus{
					Remote:        snap.Remote,
					ConnectionID:  snap.ID.String(),
					State:         snap.State.String(),
					AvgRTTMillis:  snap.AvgRTTMillis,
					Outstanding:   snap.Outstanding,
					PingsSinceAck: snap.PingsSinceAck,
				})
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(out)
		})
		httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: router}
		group.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	var announcer *discovery.Announcer
	if cfg.Discovery.Enabled {
		announcer, err = discovery.NewAnnouncer(
			fmt.Sprintf("%s:%d", cfg.Discovery.Group, cfg.Discovery.Port),
			2*time.Second,
			func() discovery.Beacon {
				return discovery.Beacon{
					Name:    cfg.Discovery.AnnounceName,
					Addr:    cfg.Listen,
					PeerCnt: len(listener.Peers()),
				}
			},
		)
		if err != nil {
			log.Printf("discovery announce disabled: %v", err)
		}
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Print("caught SIGINT or SIGTERM, shutting down")
		if announcer != nil {
			announcer.Stop()
		}
		listener.Stop()
		cancel()
	}()

	if err := group.Wait(); err != nil && err != rudp.ErrListenerClosed {
		return err
	}
	return nil
}
