// syncd is the collaborative notebook sync daemon: it hosts rooms over
// websockets, persists snapshots, and optionally bridges rooms across
// processes through Redis.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabnb/syncd/config"
	"collabnb/syncd/discovery"
	"collabnb/syncd/relay"
	"collabnb/syncd/room"
	"collabnb/syncd/server"
	"collabnb/syncd/store"
	"collabnb/syncd/trust"
)

func main() {
	root := &cobra.Command{
		Use:   "syncd",
		Short: "Collaborative notebook synchronization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.Flags().String("listen", "", "HTTP listen address")
	root.Flags().String("data-dir", "", "directory for the embedded store and trust key")
	root.Flags().String("database-url", "", "Postgres URL (overrides the embedded store)")
	root.Flags().String("redis-addr", "", "Redis address for cross-node relay")
	viper.BindPFlag("listen", root.Flags().Lookup("listen"))
	viper.BindPFlag("data.dir", root.Flags().Lookup("data-dir"))
	viper.BindPFlag("database.url", root.Flags().Lookup("database-url"))
	viper.BindPFlag("redis.addr", root.Flags().Lookup("redis-addr"))

	cobra.OnInitialize(config.SetDefaults)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	var st store.Store
	var err error
	if url := config.DatabaseURL(); url != "" {
		st, err = store.OpenPostgres(ctx, url)
		log.Printf("[syncd] using postgres store")
	} else {
		st, err = store.OpenBolt(filepath.Join(dataDir, "snapshots.db"))
		log.Printf("[syncd] using embedded store at %s", dataDir)
	}
	if err != nil {
		return err
	}
	defer st.Close()

	var rel relay.Relay
	if addr := config.RedisAddr(); addr != "" {
		r, err := relay.NewRedis(ctx, addr)
		if err != nil {
			return err
		}
		defer r.Close()
		rel = r
		log.Printf("[syncd] relaying through redis at %s", addr)
	}

	keys, err := trust.LoadKeychain(dataDir)
	if err != nil {
		return err
	}

	reg := room.NewRegistry(st, rel, room.Config{
		GracePeriod:   config.GracePeriod(),
		SaveInterval:  config.SaveInterval(),
		HistoryLimit:  config.HistoryLimit(),
		SessionBuffer: config.SessionBuffer(),
	})

	srv := &http.Server{
		Addr:    config.ListenAddr(),
		Handler: server.New(reg, keys).Router(),
	}

	if config.AnnounceDiscovery() {
		if port := listenPort(srv.Addr); port > 0 {
			stop, err := discovery.Announce(discovery.ServerService, port)
			if err != nil {
				log.Printf("[syncd] mdns announce failed: %v", err)
			} else {
				defer stop()
			}
		}
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("[syncd] listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Printf("[syncd] shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	srv.Shutdown(shutdownCtx)
	reg.Shutdown()
	return nil
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
