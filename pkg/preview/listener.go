package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// Listener serves preview requests from out-of-process pickers. One
// connection is handled at a time: messages are JSON `[method, args,
// kwargs]` triples, the only exposed method is preview_node, and
// close_connection ends the session. Errors are returned as text so the
// caller can print them.
type Listener struct {
	db     *store.DB
	addr   string
	logger zerolog.Logger
}

func NewListener(db *store.DB, port int) *Listener {
	return &Listener{
		db:     db,
		addr:   fmt.Sprintf("localhost:%d", port),
		logger: log.WithComponent("listener"),
	}
}

// request is the wire triple. Kwargs is accepted but unused by the exposed
// methods.
type request struct {
	Method string
	Args   []json.RawMessage
	Kwargs map[string]json.RawMessage
}

func (r *request) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &r.Method); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &r.Args); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &r.Kwargs)
}

// Serve accepts connections until ctx ends.
func (l *Listener) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.addr, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	l.logger.Info().Str("addr", l.addr).Msg("preview listener started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection accepted")
		l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req request
		if err := decoder.Decode(&req); err != nil {
			l.logger.Debug().Err(err).Msg("connection closed")
			return
		}
		if req.Method == "close_connection" {
			return
		}
		result, err := l.dispatch(&req)
		if err != nil {
			l.logger.Debug().Err(err).Str("method", req.Method).Msg("request failed")
			result = err.Error() + "\n" + string(debug.Stack())
		}
		if err := encoder.Encode(result); err != nil {
			l.logger.Debug().Err(err).Msg("send failed")
			return
		}
	}
}

func (l *Listener) dispatch(req *request) (any, error) {
	switch req.Method {
	case "preview_node":
		if len(req.Args) != 4 {
			return nil, fmt.Errorf("preview_node takes (node_id, width, height, depth), got %d args", len(req.Args))
		}
		var id types.NodeID
		var width, height, depth int
		if err := json.Unmarshal(req.Args[0], &id); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(req.Args[1], &width); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(req.Args[2], &height); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(req.Args[3], &depth); err != nil {
			return nil, err
		}
		return Node(l.db, id, width, height, depth)
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}
