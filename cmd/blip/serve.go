package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"blip-toolkit/blip"
	"blip-toolkit/websocket"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a BLIP echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(addr)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", ":4984", "listen address")
	return cmd
}

// echoDelegate answers "echo" requests with their own body and refuses
// everything else.
type echoDelegate struct {
	blip.DefaultDelegate
}

func (echoDelegate) OnRequestReceived(c *blip.Connection, request *blip.MessageIn) {
	log.Infof("Request #%d profile=%q (%d bytes)",
		request.Number(), request.Profile(), len(request.Body()))
	switch request.Profile() {
	case "echo":
		response := blip.NewResponse()
		response.Compressed = request.Compressed()
		response.SetBody(request.Body())
		request.Respond(response)
	default:
		request.NotHandled()
	}
}

func (echoDelegate) OnClose(c *blip.Connection, status websocket.CloseStatus) {
	log.Infof("Connection closed: %s", status)
}

func serve(addr string) error {
	registry := prometheus.NewRegistry()
	metrics := blip.NewMetrics(registry)

	cfg := blip.DefaultConfig()
	cfg.Logger = log
	cfg.Metrics = metrics

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/blip", func(w http.ResponseWriter, req *http.Request) {
		socket, err := websocket.Upgrade(w, req, websocket.Options{
			HeartbeatInterval: cfg.Heartbeat,
		}, log)
		if err != nil {
			log.Warnf("Upgrade failed: %v", err)
			return
		}
		conn, err := blip.NewConnection(socket, cfg)
		if err != nil {
			log.Errorf("Connection setup failed: %v", err)
			return
		}
		conn.SetDelegate(echoDelegate{})
		if err := conn.Start(); err != nil {
			log.Errorf("Connection start failed: %v", err)
			return
		}
		log.Infof("Accepted BLIP connection from %s", req.RemoteAddr)
	})

	server := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Server listening at %s", addr)
		errCh <- server.ListenAndServe()
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-ch:
		log.Infof("Received signal %+v", sig)
		return server.Close()
	}
}
