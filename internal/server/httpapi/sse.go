package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/services"
)

// handleEvents streams the per-device event feed as server-sent events.
// Each message carries the bus envelope id so a reconnecting client can
// resume with Last-Event-Id; when the id has left the replay cache the
// stream restarts from scratch and the client must poll for what it
// missed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !checkApiVersion(r) {
		http.Error(w, "unsupported api version", http.StatusUnprocessableEntity)
		return
	}
	if accept := r.Header.Get("Accept"); !strings.Contains(accept, "text/event-stream") {
		http.Error(w, "unsupported accept", http.StatusNotAcceptable)
		return
	}
	org := orgParam(r)
	device, status, err := s.authenticate(r, org)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	ctx := r.Context()
	if err := s.core.RequireTosAccepted(ctx, org, device); err != nil {
		s.writeErr(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the initial snapshot so nothing published in
	// between is lost; duplicates are filtered on Seq below.
	sub := s.bus.Subscribe(s.cfg.SSEEventsCacheSize)
	defer sub.Close()

	configEvent, err := s.orgs.ConfigEvent(ctx, org)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "", configEvent)
	flusher.Flush()

	var lastSeq uint64
	if sinceID := r.Header.Get("Last-Event-Id"); sinceID != "" {
		missed, resumable := s.bus.Replay(sinceID)
		if resumable {
			for _, env := range missed {
				terminate, err := s.relay(ctx, w, org, device, env, &lastSeq)
				if err != nil || terminate {
					flusher.Flush()
					return
				}
			}
			flusher.Flush()
		}
	}

	keepalive := time.NewTicker(s.cfg.SSEKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		case env, open := <-sub.C():
			// A closed channel means the queue overflowed; the client
			// reconnects and resumes from its last id.
			if !open {
				return
			}
			terminate, err := s.relay(ctx, w, org, device, env, &lastSeq)
			if err != nil {
				return
			}
			flusher.Flush()
			if terminate {
				return
			}
		}
	}
}

// relay filters one envelope for the device and writes it out when it
// passes. It reports whether the stream must terminate.
func (s *Server) relay(ctx context.Context, w http.ResponseWriter, org models.OrganizationID,
	device models.DeviceID, env *events.Envelope, lastSeq *uint64) (bool, error) {

	if env.Organization != org || env.Seq <= *lastSeq {
		return false, nil
	}
	*lastSeq = env.Seq
	decision, err := s.core.FilterEvent(ctx, org, device, env.Event)
	if err != nil {
		return false, err
	}
	switch decision {
	case services.EventSkip:
		return false, nil
	case services.EventTerminate:
		// The trigger itself stays server-side: the client only sees
		// its stream close and must reconnect.
		return true, nil
	default:
		writeEvent(w, env.ID, env.Event)
		return false, nil
	}
}

// writeEvent emits one SSE message: the envelope id plus the event
// payload as base64-encoded MessagePack.
func writeEvent(w http.ResponseWriter, id string, ev events.Event) {
	payload, err := msgpack.Marshal(eventFields(ev))
	if err != nil {
		return
	}
	if id != "" {
		_, _ = fmt.Fprintf(w, "id: %s\n", id)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(payload))
}

// eventFields flattens an event into its wire fields, keyed by the
// protocol names.
func eventFields(ev events.Event) map[string]any {
	fields := map[string]any{"event": ev.Type()}
	switch e := ev.(type) {
	case events.Pinged:
		fields["ping"] = e.Ping
	case events.OrganizationTosUpdated:
		fields["updated_on"] = e.UpdatedOn
	case events.OrganizationConfig:
		fields["active_users_limit"] = e.ActiveUsersLimit
		fields["user_profile_outsider_allowed"] = e.UserProfileOutsiderAllowed
		fields["sse_keepalive_seconds"] = e.SseKeepaliveSeconds
		fields["allowed_client_agent"] = string(e.AllowedClientAgent)
		fields["account_vault_strategy"] = string(e.AccountVaultStrategy)
	case events.CommonCertificate:
		fields["timestamp"] = e.Timestamp
	case events.SequesterCertificate:
		fields["timestamp"] = e.Timestamp
	case events.ShamirRecoveryCertificate:
		fields["timestamp"] = e.Timestamp
	case events.RealmCertificate:
		fields["timestamp"] = e.Timestamp
		fields["realm_id"] = string(e.RealmID)
	case events.Vlob:
		fields["realm_id"] = string(e.RealmID)
		fields["vlob_id"] = string(e.VlobID)
		fields["author"] = e.Author.String()
		fields["timestamp"] = e.Timestamp
		fields["version"] = e.Version
		fields["blob"] = e.Blob
		fields["last_common_certificate_timestamp"] = e.LastCommonCertificateTimestamp
		fields["last_realm_certificate_timestamp"] = e.LastRealmCertificateTimestamp
	case events.Invitation:
		fields["token"] = string(e.Token)
		fields["invitation_status"] = string(e.Status)
	case events.GreetingAttemptReady:
		fields["token"] = string(e.Token)
		fields["greeting_attempt"] = string(e.GreetingAttempt)
	case events.GreetingAttemptCancelled:
		fields["token"] = string(e.Token)
		fields["greeting_attempt"] = string(e.GreetingAttempt)
	case events.GreetingAttemptJoined:
		fields["token"] = string(e.Token)
		fields["greeting_attempt"] = string(e.GreetingAttempt)
	case events.PkiEnrollment:
		fields["enrollment_id"] = string(e.EnrollmentID)
	case events.UserUpdated:
		fields["user_id"] = string(e.UserID)
		fields["new_profile"] = string(e.NewProfile)
	}
	return fields
}
