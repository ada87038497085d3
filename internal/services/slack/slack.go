// Package slack is a minimal Slack Web API lookalike operating on the
// environment's namespace tables (channels, users, messages, reactions).
// Only the handful of methods agents exercise in tests is implemented;
// everything else returns Slack's unknown_method error shape.
package slack

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/services"
)

// Service implements services.Handler for the "slack" service name.
type Service struct {
	logger *logging.Logger
}

// New creates the Slack fake service.
func New() *Service {
	return &Service{logger: logging.GetLogger("services")}
}

// ServeService dispatches on the Web API method name in the path suffix.
func (s *Service) ServeService(w http.ResponseWriter, r *http.Request, rc *services.RequestContext) {
	switch rc.Path {
	case "chat.postMessage":
		s.postMessage(w, r, rc)
	case "reactions.add":
		s.addReaction(w, r, rc)
	case "conversations.list":
		s.listConversations(w, r, rc)
	case "users.list":
		s.listUsers(w, r, rc)
	default:
		writeSlackError(w, "unknown_method")
	}
}

type postMessageArgs struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

func (s *Service) postMessage(w http.ResponseWriter, r *http.Request, rc *services.RequestContext) {
	var args postMessageArgs
	if err := decodeArgs(r, &args); err != nil || args.Channel == "" {
		writeSlackError(w, "invalid_arguments")
		return
	}

	var channelID string
	err := rc.Session.QueryRow(r.Context(),
		`SELECT id FROM channels WHERE id = $1 OR name = $1`, args.Channel).Scan(&channelID)
	if err != nil {
		writeSlackError(w, "channel_not_found")
		return
	}

	id := "M" + strings.ToUpper(uuid.NewString()[:8])
	ts := fmt.Sprintf("%d.%06d", time.Now().Unix(), time.Now().Nanosecond()/1000)
	_, err = rc.Session.Exec(r.Context(),
		`INSERT INTO messages (id, channel_id, user_id, text, ts) VALUES ($1, $2, $3, $4, $5)`,
		id, channelID, rc.ImpersonateUserID, args.Text, ts)
	if err != nil {
		s.logger.Error("postMessage insert failed: %v", err)
		writeSlackError(w, "internal_error")
		return
	}

	writeSlackOK(w, map[string]any{
		"channel": channelID,
		"ts":      ts,
		"message": map[string]any{"text": args.Text, "user": rc.ImpersonateUserID, "ts": ts},
	})
}

type addReactionArgs struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
}

func (s *Service) addReaction(w http.ResponseWriter, r *http.Request, rc *services.RequestContext) {
	var args addReactionArgs
	if err := decodeArgs(r, &args); err != nil || args.Timestamp == "" || args.Name == "" {
		writeSlackError(w, "invalid_arguments")
		return
	}

	var messageID string
	err := rc.Session.QueryRow(r.Context(),
		`SELECT id FROM messages WHERE ts = $1`, args.Timestamp).Scan(&messageID)
	if err != nil {
		writeSlackError(w, "message_not_found")
		return
	}

	_, err = rc.Session.Exec(r.Context(),
		`INSERT INTO reactions (id, message_id, user_id, name) VALUES ($1, $2, $3, $4)`,
		"R"+strings.ToUpper(uuid.NewString()[:8]), messageID, rc.ImpersonateUserID, args.Name)
	if err != nil {
		writeSlackError(w, "already_reacted")
		return
	}
	writeSlackOK(w, nil)
}

func (s *Service) listConversations(w http.ResponseWriter, r *http.Request, rc *services.RequestContext) {
	rows, err := rc.Session.Query(r.Context(), `SELECT id, name FROM channels ORDER BY id`)
	if err != nil {
		writeSlackError(w, "internal_error")
		return
	}
	defer rows.Close()

	channels := []map[string]any{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			writeSlackError(w, "internal_error")
			return
		}
		channels = append(channels, map[string]any{"id": id, "name": name})
	}
	writeSlackOK(w, map[string]any{"channels": channels})
}

func (s *Service) listUsers(w http.ResponseWriter, r *http.Request, rc *services.RequestContext) {
	rows, err := rc.Session.Query(r.Context(), `SELECT id, name, email FROM users ORDER BY id`)
	if err != nil {
		writeSlackError(w, "internal_error")
		return
	}
	defer rows.Close()

	members := []map[string]any{}
	for rows.Next() {
		var id, name, email string
		if err := rows.Scan(&id, &name, &email); err != nil {
			writeSlackError(w, "internal_error")
			return
		}
		members = append(members, map[string]any{
			"id":      id,
			"name":    name,
			"profile": map[string]any{"email": email},
		})
	}
	writeSlackOK(w, map[string]any{"members": members})
}

// decodeArgs accepts JSON bodies and form encoding, like the real Web API.
func decodeArgs(r *http.Request, out any) error {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		return json.NewDecoder(r.Body).Decode(out)
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	values := map[string]string{}
	for key := range r.Form {
		values[key] = r.Form.Get(key)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func writeSlackOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeSlackError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": code})
}
