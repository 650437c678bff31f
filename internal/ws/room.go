package ws

import (
	"context"
	"encoding/json"

	"github.com/pairpad/backend/internal/session"
)

// serveSession runs the per-connection receive loop: decode one inbound
// envelope at a time, mutate the session, fan out to the other
// participants. Messages from a single connection are handled strictly
// in order; the broadcast for one message is fully dispatched before the
// next read.
func (s *Server) serveSession(ctx context.Context, sess *session.Session, c *client) {
	defer func() {
		sess.Detach(c)
		c.Close()
	}()

	language, code := sess.Snapshot()
	s.sendTo(c, InitMessage{Type: MsgInit, Language: language, Code: code})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendTo(c, ErrorMessage{Type: MsgError, Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case MsgEdit:
			sess.SetCode(msg.Code)
			s.broadcast(sess, EditMessage{Type: MsgEdit, Code: msg.Code}, c)

		case MsgLanguage:
			language := msg.Language
			if language == "" {
				language, _ = sess.Snapshot()
			}
			sess.SetLanguage(language)
			s.broadcast(sess, LanguageMessage{Type: MsgLanguage, Language: language}, c)

		case MsgRun:
			language, code := sess.Snapshot()
			result := s.runner.Execute(ctx, language, code)
			s.broadcast(sess, RunResultMessage{
				Type:     MsgRunResult,
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
				Language: result.Language,
			}, nil)

		case MsgEnd:
			s.registry.End(sess.ID, "ended by user")
			return

		default:
			s.sendTo(c, ErrorMessage{Type: MsgError, Message: "unknown message type"})
		}
	}
}

// broadcast fans a message out over a snapshot of the session's
// connections, excluding skip if non-nil. Connections that refuse the
// send are detached after the snapshot iteration completes; one bad
// connection never aborts delivery to the rest.
func (s *Server) broadcast(sess *session.Session, v any, skip session.Conn) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("broadcast marshal", "session_id", sess.ID, "err", err)
		return
	}

	var failed []session.Conn
	for _, c := range sess.Conns(skip) {
		if !c.Send(payload) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		sess.Detach(c)
		c.Close()
		s.logger.Warn("dropped unresponsive connection", "session_id", sess.ID)
	}
}

// sendTo delivers a message to a single connection, ignoring failure;
// the receive loop notices a dead transport on its next read.
func (s *Server) sendTo(c *client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("send marshal", "err", err)
		return
	}
	c.Send(payload)
}
