package main

import (
	"fmt"
	"time"

	"blip-toolkit/blip"
	"blip-toolkit/websocket"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var (
		url        string
		profile    string
		compressed bool
		urgent     bool
		noReply    bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [body]",
		Short: "Send a BLIP request and print the response",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := ""
			if len(args) > 0 {
				body = args[0]
			}
			return send(url, profile, body, compressed, urgent, noReply, timeout)
		},
	}
	cmd.Flags().StringVarP(&url, "url", "u", "ws://localhost:4984/blip", "server URL")
	cmd.Flags().StringVarP(&profile, "profile", "p", "echo", "request profile")
	cmd.Flags().BoolVarP(&compressed, "compress", "z", false, "compress the request body")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "send at urgent priority")
	cmd.Flags().BoolVar(&noReply, "noreply", false, "do not wait for a response")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "response timeout")
	return cmd
}

func send(url, profile, body string, compressed, urgent, noReply bool, timeout time.Duration) error {
	cfg := blip.DefaultConfig()
	cfg.Logger = log

	socket := websocket.NewClient(url, nil, websocket.Options{
		HeartbeatInterval: cfg.Heartbeat,
	}, log)
	conn, err := blip.NewConnection(socket, cfg)
	if err != nil {
		return err
	}
	conn.SetDelegate(blip.DefaultDelegate{})
	if err := conn.Start(); err != nil {
		return err
	}
	defer conn.Close(websocket.CodeNormal, "done")

	request := blip.NewRequest().SetProfile(profile).SetBody([]byte(body))
	request.Compressed = compressed
	request.Urgent = urgent
	request.NoReply = noReply

	async, err := conn.SendRequest(request)
	if err != nil {
		return err
	}
	if async == nil {
		log.Info("Request sent (noreply)")
		return nil
	}

	response, err, ok := async.WaitTimeout(timeout)
	if !ok {
		return fmt.Errorf("no response within %v", timeout)
	}
	if err != nil {
		return err
	}
	if response.IsError() {
		return fmt.Errorf("peer returned error: %v", response.GetError())
	}
	fmt.Printf("%s\n", response.Body())
	return nil
}
