// Package status serves the progress of a running training job over HTTP
// and pushes per-epoch updates to websocket subscribers.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"roadseg/internal/checkpoint"
	"roadseg/internal/metrics"
	"roadseg/internal/trainer"
)

const (
	clientBuffer = 16
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Lister exposes the retained checkpoints.
type Lister interface {
	List() ([]checkpoint.Entry, error)
}

// Event is pushed to websocket clients.
type Event struct {
	Type  string             `json:"type"`
	State string             `json:"state"`
	Epoch int                `json:"epoch"`
	Stat  *metrics.EpochStat `json:"stat,omitempty"`
}

// Report is the body of GET /status.
type Report struct {
	State   string              `json:"state"`
	Epoch   int                 `json:"epoch"`
	Loss    *float64            `json:"loss,omitempty"`
	History []metrics.EpochStat `json:"history"`
}

// Server tracks training progress. Its OnState and OnEpoch methods plug
// into trainer.RunConfig.
type Server struct {
	store Lister

	mu      sync.Mutex
	state   trainer.State
	epoch   int
	history []metrics.EpochStat
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
}

// New returns a Server. store may be nil when checkpointing is disabled.
func New(store Lister) *Server {
	return &Server{store: store, clients: make(map[*client]struct{})}
}

// Handler returns the router for the status endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/checkpoints", s.handleCheckpoints).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket)
	return r
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	klog.Infof("status server listening addr=%s", addr)
	select {
	case err := <-errc:
		return errors.Wrap(err, "status server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	s.closeClients()
	return srv.Shutdown(shutdownCtx)
}

// OnState records a state transition and broadcasts it.
func (s *Server) OnState(state trainer.State, epoch int) {
	s.mu.Lock()
	s.state = state
	s.epoch = epoch
	s.mu.Unlock()
	s.broadcast(Event{Type: "state", State: state.String(), Epoch: epoch})
}

// OnEpoch records a completed epoch and broadcasts it.
func (s *Server) OnEpoch(stat metrics.EpochStat) {
	s.mu.Lock()
	s.history = append(s.history, stat)
	state := s.state
	s.mu.Unlock()
	s.broadcast(Event{Type: "epoch", State: state.String(), Epoch: stat.Epoch, Stat: &stat})
}

// Clients reports the number of connected websocket subscribers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Report{
		State:   s.state.String(),
		Epoch:   s.epoch,
		History: append([]metrics.EpochStat(nil), s.history...),
	}
	if n := len(s.history); n > 0 {
		loss := s.history[n-1].Loss
		r.Loss = &loss
	}
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.report())
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []checkpoint.Entry{})
		return
	}
	entries, err := s.store.List()
	if err != nil {
		klog.Errorf("list checkpoints: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []checkpoint.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Errorf("websocket upgrade: %v", err)
		return
	}
	c := &client{conn: conn, remote: r.RemoteAddr, send: make(chan []byte, clientBuffer)}

	// The hello message is queued under the lock so no broadcast can
	// overtake it.
	s.mu.Lock()
	hello, _ := json.Marshal(Event{Type: "hello", State: s.state.String(), Epoch: s.epoch})
	c.send <- hello
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	klog.V(1).Infof("websocket client connected remote=%s", r.RemoteAddr)

	go s.writeLoop(c)
	// Reads only detect the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.drop(c)
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			klog.V(1).Infof("websocket write failed: %v", err)
			s.drop(c)
			return
		}
	}
}

func (s *Server) broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		klog.Errorf("encode status event: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			klog.Warningf("dropping slow websocket client remote=%s", c.remote)
			delete(s.clients, c)
			close(c.send)
		}
	}
}

// drop unregisters c. It is safe to call more than once.
func (s *Server) drop(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("encode response: %v", err)
	}
}
