// internal/api/ws_chat_handler.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cognitive-memory-engine/internal/engine"
)

// wsTurnMessage is one inbound frame on the harvest feed: a conversation
// turn to ingest, or an explicit trigger request with no content.
type wsTurnMessage struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Trigger        bool   `json:"trigger"`
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// safeWSConn serializes concurrent writes to a single websocket connection.
type safeWSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *safeWSConn) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *safeWSConn) ReadMessage() (int, []byte, error) {
	return s.conn.ReadMessage()
}

func (s *safeWSConn) Close() error {
	return s.conn.Close()
}

// wsHarvestHandler is the demo turn-feed adapter for the Harvester
// Orchestrator (SPEC_FULL.md §4.8): a caller streams conversation turns
// over the socket and the engine silently harvests memories in the
// background. auth.AuthMiddleware has already validated the bearer token
// by the time this handler runs.
func wsHarvestHandler(harv *engine.Harvester) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawConn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Println("[Harvester] websocket upgrade failed:", err)
			return
		}
		conn := &safeWSConn{conn: rawConn}
		defer conn.Close()

		if harv == nil {
			conn.WriteJSON(map[string]string{"error": "harvester not configured"})
			return
		}

		var turnIndex int64
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in wsTurnMessage
			if err := json.Unmarshal(msg, &in); err != nil {
				conn.WriteJSON(map[string]string{"error": "invalid JSON"})
				continue
			}
			if in.ConversationID == "" {
				conn.WriteJSON(map[string]string{"error": "conversation_id is required"})
				continue
			}

			if in.Trigger {
				harv.Trigger(in.ConversationID)
				conn.WriteJSON(map[string]string{"status": "triggered"})
				continue
			}

			harv.Ingest(engine.Turn{
				ConversationID: in.ConversationID,
				Index:          turnIndex,
				Role:           in.Role,
				Content:        in.Content,
				Timestamp:      time.Now(),
			})
			turnIndex++
			conn.WriteJSON(map[string]string{"status": "ingested"})
		}
	}
}
