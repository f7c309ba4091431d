package httpapi

import (
	"net/http"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// handleInvited serves the claimer side of the enrollment ceremony.
// The bearer token is the invitation token itself.
func (s *Server) handleInvited(w http.ResponseWriter, r *http.Request) {
	body, cmd, ok := s.readCommand(w, r)
	if !ok {
		return
	}
	org := orgParam(r)
	invitation, status, err := s.authenticateInvited(r, org)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	switch cmd {
	case "ping":
		var req struct {
			Ping string `msgpack:"ping"`
		}
		if err := msgpack.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		s.writeRep(w, map[string]any{"pong": req.Ping})

	case "invite_info":
		s.writeRep(w, map[string]any{
			"type":          string(invitation.Type),
			"status":        string(invitation.Status),
			"claimer_email": invitation.ClaimerEmail,
			"created_on":    invitation.CreatedOn,
		})

	case "invite_claimer_start_greeting_attempt":
		var req struct {
			GreeterUserID string `msgpack:"greeter_user_id"`
		}
		if err := msgpack.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		attemptID, err := s.invites.ClaimerStartGreetingAttempt(r.Context(), org,
			invitation.Token, models.UserID(req.GreeterUserID))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeRep(w, map[string]any{"greeting_attempt": string(attemptID)})

	case "invite_claimer_step":
		var req struct {
			GreetingAttempt string `msgpack:"greeting_attempt"`
			Step            int    `msgpack:"step"`
			Payload         []byte `msgpack:"payload"`
		}
		if err := msgpack.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		peer, err := s.invites.ClaimerStep(r.Context(), org, invitation.Token,
			models.GreetingAttemptID(req.GreetingAttempt), req.Step, req.Payload)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeRep(w, map[string]any{"greeter_payload": peer})

	case "invite_claimer_cancel_greeting_attempt":
		var req struct {
			GreetingAttempt string `msgpack:"greeting_attempt"`
			Reason          string `msgpack:"reason"`
		}
		if err := msgpack.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		err := s.invites.ClaimerCancelGreetingAttempt(r.Context(), org, invitation.Token,
			models.GreetingAttemptID(req.GreetingAttempt),
			models.CancelledGreetingAttemptReason(req.Reason))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeRep(w, nil)

	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
	}
}
