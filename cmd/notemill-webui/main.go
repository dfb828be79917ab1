package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/TheEntropyCollective/notemill/pkg/engine"
	"github.com/TheEntropyCollective/notemill/pkg/events"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/notemill/pkg/markdown"
)

// Server exposes engine statistics and a live event stream over HTTP
type Server struct {
	engine *engine.Engine

	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]chan interface{}
	wsMutex    sync.RWMutex
}

// APIResponse is the envelope for all JSON endpoints
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

var (
	port       = flag.Int("port", 8080, "Port to listen on")
	configFile = flag.String("config", "", "Configuration file path")
	watch      = flag.Bool("watch-config", true, "Reload configuration when the file changes")
)

func main() {
	flag.Parse()

	configPath := *configFile
	if configPath == "" {
		if defaultPath, err := config.DefaultConfigPath(); err == nil {
			configPath = defaultPath
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewFromSettings(cfg.Logging.Level, cfg.Logging.Format)
	eng, err := engine.New(cfg, markdown.NewParser(), logger)
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Close()

	server := &Server{
		engine: eng,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		wsClients: make(map[*websocket.Conn]chan interface{}),
	}
	server.subscribeEvents()

	if *watch && configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
			eng.UpdateConfig(configAsMap(updated))
			server.broadcastToWebSockets("config_reloaded", nil)
		})
		if err != nil {
			log.Printf("Config watching disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", server.handleHealth).Methods("GET")
	api.HandleFunc("/stats/cache", server.handleCacheStats).Methods("GET")
	api.HandleFunc("/stats/workers", server.handleWorkerStats).Methods("GET")
	api.HandleFunc("/stats/resources", server.handleResourceStats).Methods("GET")
	api.HandleFunc("/cache/clear", server.handleClearCache).Methods("POST")
	api.HandleFunc("/cache/invalidate/{project}", server.handleInvalidateProject).Methods("POST")
	router.HandleFunc("/ws", server.handleWebSocket)

	log.Printf("Starting notemill web UI on port %d", *port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), router); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// subscribeEvents forwards engine events to every connected websocket client
func (s *Server) subscribeEvents() {
	forward := func(ev events.Event) {
		s.broadcastToWebSockets(string(ev.Type), ev)
	}
	for _, eventType := range []events.EventType{
		events.ParseStarted,
		events.ParseCompleted,
		events.CacheHit,
		events.BatchCompleted,
		events.BatchFailed,
	} {
		s.engine.Bus().Subscribe(eventType, forward)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"workers":   s.engine.EvaluateHealth(),
			"resources": s.engine.ResourceHealth(),
			"available": s.engine.IsAvailable(),
		},
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, APIResponse{Success: true, Data: s.engine.CacheStats()})
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, APIResponse{Success: true, Data: s.engine.WorkerStats()})
}

func (s *Server) handleResourceStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"stats":  s.engine.Registry().Stats(),
			"events": s.engine.Registry().EventLog(),
		},
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearCache()
	s.sendJSON(w, APIResponse{Success: true})
}

func (s *Server) handleInvalidateProject(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	if project == "" {
		s.sendJSON(w, APIResponse{Success: false, Error: "project id required"})
		return
	}
	removed := s.engine.InvalidateProject(project)
	s.sendJSON(w, APIResponse{
		Success: true,
		Data:    map[string]interface{}{"removed": removed},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	clientChan := make(chan interface{}, 32)

	s.wsMutex.Lock()
	s.wsClients[conn] = clientChan
	s.wsMutex.Unlock()

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		close(clientChan)
	}()

	for msg := range clientChan {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("WebSocket write error: %v", err)
			break
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("JSON encoding error: %v", err)
	}
}

func (s *Server) broadcastToWebSockets(msgType string, data interface{}) {
	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()

	msg := map[string]interface{}{
		"type": msgType,
		"data": data,
	}

	for _, clientChan := range s.wsClients {
		select {
		case clientChan <- msg:
		default:
			// Client channel full, skip
		}
	}
}

// configAsMap flattens the parser-relevant parts of the configuration for an
// update_config broadcast
func configAsMap(cfg *config.Config) map[string]interface{} {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
