package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"candlegate/internal/manager"
	"candlegate/internal/metrics"
	"candlegate/internal/model"
)

// ServerConfig carries the downstream listener settings.
type ServerConfig struct {
	Addr             string
	SubscribeTimeout time.Duration
	BufferMax        int
	Policy           OverflowPolicy
}

// Server accepts downstream WebSocket subscribers, performs the subscribe
// handshake, and hands live clients to the manager for fan-out.
type Server struct {
	cfg ServerConfig
	mgr *manager.Manager
	met *metrics.Metrics
	log *slog.Logger

	httpSrv  *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewServer(cfg ServerConfig, mgr *manager.Manager, met *metrics.Metrics, log *slog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		mgr: mgr,
		met: met,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Start binds the listener and begins serving. A bind failure is returned
// synchronously so the caller can abort startup.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("subscriber listener up", "addr", ln.Addr().String())
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("subscriber listener stopped", "error", err)
		}
	}()
	return nil
}

// Addr reports the bound address; valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Stop shuts down the listener and drains connected clients: buffered frames
// are flushed and each connection receives a close frame.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
	for _, c := range clients {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	req, err := s.readSubscribe(conn)
	if err != nil {
		var fe *model.FeedError
		if errors.As(err, &fe) {
			s.rejectAndClose(conn, fe)
			return
		}
		// Timed out or hung up before subscribing: nobody is listening
		// for an error frame, just drop the connection.
		s.log.Debug("subscribe handshake failed", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}
	if len(req.Symbols) == 0 {
		s.rejectAndClose(conn, &model.FeedError{
			Code:    model.ErrInvalidSymbol,
			Message: "subscribe frame must name at least one symbol",
		})
		return
	}
	if req.ContractType == "" {
		req.ContractType = "spot"
	}
	req.Exchange = strings.ToLower(req.Exchange)
	req.ContractType = strings.ToLower(req.ContractType)
	// Candles carry exchange-native uppercase symbols; fold the request to
	// match so fan-out keys line up.
	for i, sym := range req.Symbols {
		req.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}

	client := newClient(conn, s, req.Limit, s.cfg.BufferMax, s.cfg.Policy, s.log, s.met)

	accepted, rejected, err := s.mgr.Subscribe(client, req.Exchange, req.ContractType, req.Symbols)
	if err != nil {
		var fe *model.FeedError
		if !errors.As(err, &fe) {
			fe = &model.FeedError{Code: model.ErrUnknown, Message: err.Error()}
		}
		s.rejectAndClose(conn, fe)
		return
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.met.Subscribers.Inc()

	// Malformed symbols get an error frame but the connection stays up and
	// the valid subset streams.
	if len(rejected) > 0 {
		frame, _ := json.Marshal(newErrorFrame(&model.FeedError{
			Code:         model.ErrInvalidSymbol,
			Message:      fmt.Sprintf("invalid symbols for %s %s", req.Exchange, req.ContractType),
			Exchange:     req.Exchange,
			ContractType: req.ContractType,
			Symbols:      rejected,
		}))
		client.send <- outFrame{data: frame}
	}
	if len(accepted) > 0 {
		ack, _ := json.Marshal(subscribedFrame{
			Type:         "subscribed",
			Exchange:     req.Exchange,
			ContractType: req.ContractType,
			Symbols:      accepted,
			Limit:        req.Limit,
		})
		client.send <- outFrame{data: ack}
	}

	s.log.Info("subscriber connected",
		"remote", r.RemoteAddr,
		"exchange", req.Exchange,
		"contract_type", req.ContractType,
		"symbols", len(accepted),
		"rejected", len(rejected),
		"limit", req.Limit)

	go client.writePump()
	go client.readPump()
}

// readSubscribe waits for the single subscription frame, bounded by the
// subscribe timeout.
func (s *Server) readSubscribe(conn *websocket.Conn) (*subscribeRequest, error) {
	conn.SetReadLimit(1 << 16)
	conn.SetReadDeadline(time.Now().Add(s.cfg.SubscribeTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, model.NewFeedError(model.ErrUnknown, "malformed subscribe frame: "+err.Error())
	}
	conn.SetReadDeadline(time.Time{})
	return &req, nil
}

func (s *Server) rejectAndClose(conn *websocket.Conn, fe *model.FeedError) {
	data, _ := json.Marshal(newErrorFrame(fe))
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, data)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(fe.Code)))
	conn.Close()
}

// removeClient tears down one subscriber: unhooks it from fan-out, drains the
// pump, and drops it from the registry. Safe to call more than once.
func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if !present {
		return
	}

	s.mgr.RemoveSubscriber(c)
	c.closeSend()
	s.met.Subscribers.Dec()
	s.log.Info("subscriber disconnected", "dropped_frames", c.dropped)
}
