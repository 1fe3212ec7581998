package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/oklog/ulid/v2"
)

// Request is one client call over the control socket. Args is re-decoded
// per Method by the handler; this package does not define a schema per
// method beyond what Core's methods need, since the wire format itself is
// out of the core's specified scope.
type Request struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Response carries either Result or Error, never both.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Server listens on a Unix domain socket and dispatches newline-delimited
// JSON Request/Response pairs to a Core. It is a minimal stand-in for the
// real control-socket protocol (out of scope per the spec); no generated
// client stub ships with it; this package is the seam an external wire
// protocol would extend.
type Server struct {
	core Core
	ln   net.Listener
}

// Listen creates the Unix socket at path (removing a stale one first) and
// returns a Server bound to core.
func Listen(path string, core Core) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("control socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("control socket: %w", err)
	}
	return &Server{core: core, ln: ln}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn) {
	connID := ulid.Make().String()
	defer conn.Close()

	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if resp.Error != "" {
			log.Printf("control %s: %s: %s", connID, req.Method, resp.Error)
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Method {
	case "list_classes":
		return Response{Result: s.core.ListClasses()}

	case "find_class":
		var args struct{ Name string }
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResponse(err)
		}
		info, err := s.core.FindClass(args.Name)
		if err != nil {
			return errResponse(err)
		}
		return Response{Result: info}

	case "start_instance":
		var args struct{ Class, Instance string }
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResponse(err)
		}
		j, err := s.core.StartInstance(args.Class, args.Instance)
		if err != nil {
			return errResponse(err)
		}
		return Response{Result: j}

	case "stop_instance":
		var args struct{ Class, Instance string }
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResponse(err)
		}
		if err := s.core.StopInstance(args.Class, args.Instance); err != nil {
			return errResponse(err)
		}
		return Response{}

	case "restart_instance":
		var args struct{ Class, Instance string }
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResponse(err)
		}
		if err := s.core.RestartInstance(args.Class, args.Instance); err != nil {
			return errResponse(err)
		}
		return Response{}

	case "reload_instance":
		var args struct{ Class, Instance string }
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResponse(err)
		}
		if err := s.core.ReloadInstance(args.Class, args.Instance); err != nil {
			return errResponse(err)
		}
		return Response{}

	case "reload_config":
		var args struct{ Source string }
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResponse(err)
		}
		if err := s.core.ReloadConfig(args.Source); err != nil {
			return errResponse(err)
		}
		return Response{}

	case "reexec":
		if err := s.core.RequestReexec(); err != nil {
			return errResponse(err)
		}
		return Response{}

	default:
		return Response{Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func errResponse(err error) Response {
	return Response{Error: err.Error()}
}
