// Package relay is a small pub/sub broker for codelive sessions that have
// no MQTT broker at hand. Participants connect over a websocket, register a
// will, subscribe to topics and publish to them.
package relay

import (
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes a hub over HTTP.
type Server struct {
	hub    *Hub
	router *mux.Router
}

func NewServer(hub *Hub) *Server {
	s := &Server{
		hub:    hub,
		router: mux.NewRouter(),
	}
	s.router.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[relay]upgrade %s: %s\n", r.RemoteAddr, err)
		return
	}
	client := newClient(s.hub, conn)
	glog.V(2).Infof("[relay]new connection %s from %s\n", client.id, r.RemoteAddr)
	go client.readPump()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.hub.done:
		http.Error(w, "hub stopped", http.StatusServiceUnavailable)
	default:
		w.Write([]byte("ok\n"))
	}
}
