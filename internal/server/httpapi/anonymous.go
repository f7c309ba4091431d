package httpapi

import (
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
)

// handleAnonymous serves the commands available without any
// credential: ping and organization bootstrap.
func (s *Server) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	body, cmd, ok := s.readCommand(w, r)
	if !ok {
		return
	}
	org := orgParam(r)

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

	case "organization_bootstrap":
		var req struct {
			BootstrapToken               string `msgpack:"bootstrap_token"`
			RootVerifyKey                []byte `msgpack:"root_verify_key"`
			UserCertificate              []byte `msgpack:"user_certificate"`
			DeviceCertificate            []byte `msgpack:"device_certificate"`
			RedactedUserCertificate      []byte `msgpack:"redacted_user_certificate"`
			RedactedDeviceCertificate    []byte `msgpack:"redacted_device_certificate"`
			SequesterAuthorityCertificate []byte `msgpack:"sequester_authority_certificate"`
		}
		if err := msgpack.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		// Spontaneous bootstrap creates the organization on first
		// contact when enabled.
		if s.cfg.OrganizationSpontaneousBootstrap {
			if _, err := s.orgs.CreateOrGet(r.Context(), org); err != nil {
				s.writeErr(w, r, err)
				return
			}
		}
		err := s.orgs.Bootstrap(r.Context(), org, req.BootstrapToken, req.RootVerifyKey,
			req.UserCertificate, req.DeviceCertificate,
			req.RedactedUserCertificate, req.RedactedDeviceCertificate,
			req.SequesterAuthorityCertificate)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeRep(w, nil)

	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
	}
}
