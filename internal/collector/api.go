// internal/collector/api.go
package collector

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/IRNAS/koruza-controller/internal/config"
)

// stateStore holds the most recent snapshot for the API.
type stateStore struct {
	mutex    sync.RWMutex
	snapshot *Snapshot
}

func newStateStore() *stateStore {
	return &stateStore{}
}

func (s *stateStore) update(snapshot Snapshot) {
	s.mutex.Lock()
	s.snapshot = &snapshot
	s.mutex.Unlock()
}

func (s *stateStore) current() *Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.snapshot
}

// eventBus fans snapshots out to websocket subscribers. Slow
// subscribers drop snapshots rather than delay the collector.
type eventBus struct {
	mutex       sync.Mutex
	subscribers map[chan Snapshot]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subscribers: make(map[chan Snapshot]struct{})}
}

func (eb *eventBus) publish(snapshot Snapshot) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	for subscriber := range eb.subscribers {
		select {
		case subscriber <- snapshot:
		default:
		}
	}
}

func (eb *eventBus) subscribe() chan Snapshot {
	subscriber := make(chan Snapshot, 16)
	eb.mutex.Lock()
	eb.subscribers[subscriber] = struct{}{}
	eb.mutex.Unlock()
	return subscriber
}

func (eb *eventBus) unsubscribe(subscriber chan Snapshot) {
	eb.mutex.Lock()
	delete(eb.subscribers, subscriber)
	eb.mutex.Unlock()
}

// apiServer exposes the collected state over a small local HTTP
// surface: the current snapshot, a health probe and a websocket feed.
type apiServer struct {
	cfg      config.APIConfig
	store    *stateStore
	bus      *eventBus
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func newAPIServer(cfg config.APIConfig, store *stateStore, bus *eventBus, logger *zap.Logger) *apiServer {
	return &apiServer{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *apiServer) run(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())

	router.GET("/healthz", s.handleHealth)
	router.GET("/state", s.handleState)
	router.GET("/ws", s.handleWebsocket)

	server := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Status API listening.", zap.String("listen", s.cfg.Listen))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Status API failed.", zap.Error(err))
	}
}

func (s *apiServer) corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = s.cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	return cors.New(corsConfig)
}

func (s *apiServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *apiServer) handleState(c *gin.Context) {
	snapshot := s.store.current()
	if snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no state collected yet"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// handleWebsocket pushes every new snapshot to the client until it
// disconnects.
func (s *apiServer) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed.", zap.Error(err))
		return
	}
	defer conn.Close()

	subscriber := s.bus.subscribe()
	defer s.bus.unsubscribe(subscriber)

	// Reader goroutine only to observe the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case snapshot := <-subscriber:
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		}
	}
}
