package httpapi

import (
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// handleTos serves the terms of service family. It is authenticated
// like the main family but deliberately not gated on acceptance,
// otherwise a device could never accept an update.
func (s *Server) handleTos(w http.ResponseWriter, r *http.Request) {
	body, cmd, ok := s.readCommand(w, r)
	if !ok {
		return
	}
	org := orgParam(r)
	device, status, err := s.authenticate(r, org)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	switch cmd {
	case "tos_get":
		tos, err := s.orgs.TosGet(r.Context(), org)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeRep(w, map[string]any{
			"per_locale_urls": tos.PerLocaleURLs,
			"updated_on":      tos.UpdatedOn,
		})

	case "tos_accept":
		var req struct {
			TosUpdatedOn time.Time `msgpack:"tos_updated_on"`
		}
		if err := msgpack.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if err := s.orgs.TosAccept(r.Context(), org, device, req.TosUpdatedOn); err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeRep(w, nil)

	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
	}
}
