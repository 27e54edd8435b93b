// Package relay implements the session fanout hub that carries cross-tab
// notifications between clients of the same storefront session. It accepts
// websocket and QUIC members and forwards every valid frame to the other
// members of the same session, best-effort.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"github.com/cartsync/cartsync/internal/core/observability/log"
)

// member is one connected tab. send must serialize its own writes.
type member struct {
	id   string
	send func(frame []byte) error
}

// Server is the relay hub.
type Server struct {
	cfg    Config
	logger log.Log
	schema *jsonschema.Schema

	mu       sync.RWMutex
	sessions map[string]map[string]*member

	upgrader websocket.Upgrader
}

func NewServer(cfg Config, logger log.Log) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Provide()
	}
	schema, err := compileMessageSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.With(log.String("component", "relay")),
		schema:   schema,
		sessions: make(map[string]map[string]*member),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Same-origin enforcement happens at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Router returns the HTTP surface: the websocket relay endpoint and a
// health probe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/relay/{session}", s.handleWS)
	return r
}

// Run serves the websocket and QUIC listeners until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              s.cfg.WSAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if s.cfg.QUICAddr != "" {
		listener, err := quic.ListenAddr(s.cfg.QUICAddr, generateTLSConfig(), &quic.Config{
			MaxIdleTimeout:  60 * time.Second,
			KeepAlivePeriod: 15 * time.Second,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			return listener.Close()
		})
		g.Go(func() error {
			for {
				conn, err := listener.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				go s.serveQUIC(ctx, conn)
			}
		})
	}

	s.logger.Info("relay started",
		log.String("ws_addr", s.cfg.WSAddr),
		log.String("quic_addr", s.cfg.QUICAddr))
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	if sessionID == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", log.Err(err))
		return
	}

	var writeMu sync.Mutex
	m := &member{
		id: uuid.NewString(),
		send: func(frame []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			return conn.WriteMessage(websocket.TextMessage, frame)
		},
	}
	s.join(sessionID, m)
	defer func() {
		s.leave(sessionID, m.id)
		_ = conn.Close()
	}()

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.fanout(sessionID, m.id, frame)
	}
}

func (s *Server) serveQUIC(ctx context.Context, conn *quic.Conn) {
	defer func() { _ = conn.CloseWithError(0, "session ended") }()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}
	dec := json.NewDecoder(stream)

	var join struct {
		Session string `json:"session"`
	}
	if err = dec.Decode(&join); err != nil || join.Session == "" {
		s.logger.Warn("quic member failed to join", log.Err(err))
		return
	}

	var writeMu sync.Mutex
	m := &member{
		id: uuid.NewString(),
		send: func(frame []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			if _, werr := stream.Write(frame); werr != nil {
				return werr
			}
			_, werr := stream.Write([]byte{'\n'})
			return werr
		},
	}
	s.join(join.Session, m)
	defer s.leave(join.Session, m.id)

	for {
		var raw json.RawMessage
		if err = dec.Decode(&raw); err != nil {
			return
		}
		s.fanout(join.Session, m.id, raw)
	}
}

func (s *Server) join(sessionID string, m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.sessions[sessionID]
	if room == nil {
		room = make(map[string]*member)
		s.sessions[sessionID] = room
	}
	room[m.id] = m
	s.logger.Debug("member joined",
		log.String("session", sessionID),
		log.String("member", m.id),
		log.Int("members", len(room)))
}

func (s *Server) leave(sessionID, memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.sessions[sessionID]
	delete(room, memberID)
	if len(room) == 0 {
		delete(s.sessions, sessionID)
	}
}

// fanout forwards a frame to every other member of the session. Write
// failures only log: delivery is at-most-once by contract.
func (s *Server) fanout(sessionID, senderID string, frame []byte) {
	if s.cfg.ValidateFrames {
		if err := validateFrame(s.schema, frame); err != nil {
			s.logger.Warn("dropping invalid frame",
				log.String("session", sessionID),
				log.String("sender", senderID),
				log.Err(err))
			return
		}
	}

	s.mu.RLock()
	peers := make([]*member, 0, len(s.sessions[sessionID]))
	for id, m := range s.sessions[sessionID] {
		if id == senderID {
			continue
		}
		peers = append(peers, m)
	}
	s.mu.RUnlock()

	for _, peer := range peers {
		if err := peer.send(frame); err != nil {
			s.logger.Debug("fanout write failed",
				log.String("member", peer.id),
				log.Err(err))
		}
	}
}

// MemberCount reports the current size of a session room.
func (s *Server) MemberCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[sessionID])
}
