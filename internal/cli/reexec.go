package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/uinit/uinit/internal/config"
)

func (a *App) newReexecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reexec",
		Short: "Ask a running daemon to serialize state and re-exec itself",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return sendControlRequest(cfg.SocketPath, "reexec", nil)
		},
	}
}

// sendControlRequest opens a single connection to the daemon's control
// socket, sends one request and prints its reply. It is a minimal client
// for the same Unix-socket protocol internal/control/socket.go serves;
// the real wire protocol is an external collaborator per the spec, so
// this stays a thin diagnostic tool rather than a generated stub.
func sendControlRequest(socketPath, method string, args any) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer conn.Close()

	var raw json.RawMessage
	if args != nil {
		raw, err = json.Marshal(args)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(struct {
		Method string          `json:"method"`
		Args   json.RawMessage `json:"args,omitempty"`
	}{Method: method, Args: raw}); err != nil {
		return fmt.Errorf("control socket: %w", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	}
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s: %s", method, resp.Error)
	}
	if len(resp.Result) > 0 {
		fmt.Println(string(resp.Result))
	}
	return nil
}
