package httpapi

import (
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// handleAuthenticated serves the device-authenticated command family.
// Every command is gated on terms of service acceptance.
func (s *Server) handleAuthenticated(w http.ResponseWriter, r *http.Request) {
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
	if err := s.core.RequireTosAccepted(r.Context(), org, device); err != nil {
		s.writeErr(w, r, err)
		return
	}

	decode := func(req any) bool {
		if err := msgpack.Unmarshal(body, req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return false
		}
		return true
	}

	switch cmd {
	case "ping":
		var req struct {
			Ping string `msgpack:"ping"`
		}
		if !decode(&req) {
			return
		}
		s.writeRep(w, map[string]any{"pong": req.Ping})

	case "user_create":
		var req struct {
			UserCertificate           []byte `msgpack:"user_certificate"`
			DeviceCertificate         []byte `msgpack:"device_certificate"`
			RedactedUserCertificate   []byte `msgpack:"redacted_user_certificate"`
			RedactedDeviceCertificate []byte `msgpack:"redacted_device_certificate"`
			InvitationToken           string `msgpack:"invitation_token"`
		}
		if !decode(&req) {
			return
		}
		err := s.users.Create(r.Context(), org, device,
			req.UserCertificate, req.DeviceCertificate,
			req.RedactedUserCertificate, req.RedactedDeviceCertificate,
			models.InvitationToken(req.InvitationToken))
		s.finish(w, r, err, nil)

	case "device_create":
		var req struct {
			DeviceCertificate         []byte `msgpack:"device_certificate"`
			RedactedDeviceCertificate []byte `msgpack:"redacted_device_certificate"`
			InvitationToken           string `msgpack:"invitation_token"`
		}
		if !decode(&req) {
			return
		}
		err := s.users.CreateDevice(r.Context(), org, device,
			req.DeviceCertificate, req.RedactedDeviceCertificate,
			models.InvitationToken(req.InvitationToken))
		s.finish(w, r, err, nil)

	case "user_update":
		var req struct {
			UserUpdateCertificate []byte `msgpack:"user_update_certificate"`
		}
		if !decode(&req) {
			return
		}
		s.finish(w, r, s.users.Update(r.Context(), org, device, req.UserUpdateCertificate), nil)

	case "user_revoke":
		var req struct {
			RevokedUserCertificate []byte `msgpack:"revoked_user_certificate"`
		}
		if !decode(&req) {
			return
		}
		s.finish(w, r, s.users.Revoke(r.Context(), org, device, req.RevokedUserCertificate), nil)

	case "invite_new_user":
		var req struct {
			ClaimerEmail string `msgpack:"claimer_email"`
			SendEmail    bool   `msgpack:"send_email"`
		}
		if !decode(&req) {
			return
		}
		token, err := s.invites.NewUserInvitation(r.Context(), org, device, req.ClaimerEmail, req.SendEmail)
		s.finish(w, r, err, map[string]any{"token": string(token)})

	case "invite_new_device":
		var req struct {
			SendEmail bool `msgpack:"send_email"`
		}
		if !decode(&req) {
			return
		}
		token, err := s.invites.NewDeviceInvitation(r.Context(), org, device, req.SendEmail)
		s.finish(w, r, err, map[string]any{"token": string(token)})

	case "shamir_recovery_setup":
		var req struct {
			BriefCertificate  []byte   `msgpack:"shamir_recovery_brief_certificate"`
			ShareCertificates [][]byte `msgpack:"shamir_recovery_share_certificates"`
		}
		if !decode(&req) {
			return
		}
		s.finish(w, r, s.invites.SetupShamirRecovery(r.Context(), org, device,
			req.BriefCertificate, req.ShareCertificates), nil)

	case "invite_new_shamir_recovery":
		var req struct {
			ClaimerUserID string `msgpack:"claimer_user_id"`
		}
		if !decode(&req) {
			return
		}
		token, err := s.invites.NewShamirInvitation(r.Context(), org, device,
			models.UserID(req.ClaimerUserID))
		s.finish(w, r, err, map[string]any{"token": string(token)})

	case "invite_cancel":
		var req struct {
			Token string `msgpack:"token"`
		}
		if !decode(&req) {
			return
		}
		s.finish(w, r, s.invites.Cancel(r.Context(), org, device, models.InvitationToken(req.Token)), nil)

	case "invite_list":
		invitations, err := s.invites.List(r.Context(), org, device)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		out := make([]map[string]any, 0, len(invitations))
		for _, invitation := range invitations {
			out = append(out, map[string]any{
				"token":         string(invitation.Token),
				"type":          string(invitation.Type),
				"status":        string(invitation.Status),
				"claimer_email": invitation.ClaimerEmail,
				"created_on":    invitation.CreatedOn,
			})
		}
		s.writeRep(w, map[string]any{"invitations": out})

	case "invite_greeter_start_greeting_attempt":
		var req struct {
			Token string `msgpack:"token"`
		}
		if !decode(&req) {
			return
		}
		attemptID, err := s.invites.GreeterStartGreetingAttempt(r.Context(), org, device,
			models.InvitationToken(req.Token))
		s.finish(w, r, err, map[string]any{"greeting_attempt": string(attemptID)})

	case "invite_greeter_step":
		var req struct {
			GreetingAttempt string `msgpack:"greeting_attempt"`
			Step            int    `msgpack:"step"`
			Payload         []byte `msgpack:"payload"`
		}
		if !decode(&req) {
			return
		}
		peer, err := s.invites.GreeterStep(r.Context(), org, device,
			models.GreetingAttemptID(req.GreetingAttempt), req.Step, req.Payload)
		s.finish(w, r, err, map[string]any{"claimer_payload": peer})

	case "invite_greeter_cancel_greeting_attempt":
		var req struct {
			GreetingAttempt string `msgpack:"greeting_attempt"`
			Reason          string `msgpack:"reason"`
		}
		if !decode(&req) {
			return
		}
		err := s.invites.GreeterCancelGreetingAttempt(r.Context(), org, device,
			models.GreetingAttemptID(req.GreetingAttempt),
			models.CancelledGreetingAttemptReason(req.Reason))
		s.finish(w, r, err, nil)

	case "realm_create":
		var req struct {
			RealmRoleCertificate []byte `msgpack:"realm_role_certificate"`
		}
		if !decode(&req) {
			return
		}
		s.finish(w, r, s.realms.Create(r.Context(), org, device, req.RealmRoleCertificate), nil)

	case "realm_share":
		var req struct {
			RealmRoleCertificate      []byte `msgpack:"realm_role_certificate"`
			KeyIndex                  int    `msgpack:"key_index"`
			RecipientKeysBundleAccess []byte `msgpack:"recipient_keys_bundle_access"`
		}
		if !decode(&req) {
			return
		}
		err := s.realms.Share(r.Context(), org, device,
			req.RealmRoleCertificate, req.KeyIndex, req.RecipientKeysBundleAccess)
		s.finish(w, r, err, nil)

	case "realm_unshare":
		var req struct {
			RealmRoleCertificate []byte `msgpack:"realm_role_certificate"`
		}
		if !decode(&req) {
			return
		}
		s.finish(w, r, s.realms.Unshare(r.Context(), org, device, req.RealmRoleCertificate), nil)

	case "realm_rename":
		var req struct {
			RealmNameCertificate []byte `msgpack:"realm_name_certificate"`
			InitialNameOrFail    bool   `msgpack:"initial_name_or_fail"`
		}
		if !decode(&req) {
			return
		}
		err := s.realms.Rename(r.Context(), org, device, req.RealmNameCertificate, req.InitialNameOrFail)
		s.finish(w, r, err, nil)

	case "realm_rotate_key":
		var req struct {
			RealmKeyRotationCertificate []byte            `msgpack:"realm_key_rotation_certificate"`
			KeysBundle                  []byte            `msgpack:"keys_bundle"`
			ParticipantAccesses         map[string][]byte `msgpack:"per_participant_keys_bundle_access"`
			SequesterServiceAccesses    map[string][]byte `msgpack:"per_sequester_service_keys_bundle_access"`
		}
		if !decode(&req) {
			return
		}
		participants := make(map[models.UserID][]byte, len(req.ParticipantAccesses))
		for id, access := range req.ParticipantAccesses {
			participants[models.UserID(id)] = access
		}
		var serviceAccesses map[models.SequesterServiceID][]byte
		if req.SequesterServiceAccesses != nil {
			serviceAccesses = make(map[models.SequesterServiceID][]byte, len(req.SequesterServiceAccesses))
			for id, access := range req.SequesterServiceAccesses {
				serviceAccesses[models.SequesterServiceID(id)] = access
			}
		}
		err := s.realms.RotateKey(r.Context(), org, device,
			req.RealmKeyRotationCertificate, req.KeysBundle, participants, serviceAccesses)
		s.finish(w, r, err, nil)

	case "realm_archive":
		var req struct {
			RealmArchivingCertificate []byte `msgpack:"realm_archiving_certificate"`
		}
		if !decode(&req) {
			return
		}
		s.finish(w, r, s.realms.Archive(r.Context(), org, device, req.RealmArchivingCertificate), nil)

	case "realm_get_keys_bundle":
		var req struct {
			RealmID  string `msgpack:"realm_id"`
			KeyIndex int    `msgpack:"key_index"`
		}
		if !decode(&req) {
			return
		}
		bundle, access, err := s.realms.GetKeysBundle(r.Context(), org, device,
			models.RealmID(req.RealmID), req.KeyIndex)
		s.finish(w, r, err, map[string]any{
			"keys_bundle":        bundle,
			"keys_bundle_access": access,
		})

	case "vlob_create":
		var req struct {
			RealmID        string            `msgpack:"realm_id"`
			VlobID         string            `msgpack:"vlob_id"`
			KeyIndex       int               `msgpack:"key_index"`
			Timestamp      time.Time         `msgpack:"timestamp"`
			Blob           []byte            `msgpack:"blob"`
			SequesterBlobs map[string][]byte `msgpack:"sequester_blob"`
		}
		if !decode(&req) {
			return
		}
		err := s.vlobs.Create(r.Context(), org, device,
			models.RealmID(req.RealmID), models.VlobID(req.VlobID),
			req.KeyIndex, req.Timestamp, req.Blob, sequesterBlobs(req.SequesterBlobs))
		s.finish(w, r, err, nil)

	case "vlob_update":
		var req struct {
			RealmID        string            `msgpack:"realm_id"`
			VlobID         string            `msgpack:"vlob_id"`
			KeyIndex       int               `msgpack:"key_index"`
			Version        int               `msgpack:"version"`
			Timestamp      time.Time         `msgpack:"timestamp"`
			Blob           []byte            `msgpack:"blob"`
			SequesterBlobs map[string][]byte `msgpack:"sequester_blob"`
		}
		if !decode(&req) {
			return
		}
		err := s.vlobs.Update(r.Context(), org, device,
			models.RealmID(req.RealmID), models.VlobID(req.VlobID),
			req.KeyIndex, req.Version, req.Timestamp, req.Blob, sequesterBlobs(req.SequesterBlobs))
		s.finish(w, r, err, nil)

	case "vlob_read":
		var req struct {
			RealmID string     `msgpack:"realm_id"`
			VlobID  string     `msgpack:"vlob_id"`
			Version *int       `msgpack:"version"`
			At      *time.Time `msgpack:"at"`
		}
		if !decode(&req) {
			return
		}
		atom, err := s.vlobs.Read(r.Context(), org, device,
			models.RealmID(req.RealmID), models.VlobID(req.VlobID), req.Version, req.At)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeRep(w, map[string]any{
			"version":   atom.Version,
			"key_index": atom.KeyIndex,
			"blob":      atom.Blob,
			"author":    atom.Author.String(),
			"timestamp": atom.Timestamp,
		})

	case "vlob_poll_changes":
		var req struct {
			RealmID        string `msgpack:"realm_id"`
			LastCheckpoint int64  `msgpack:"last_checkpoint"`
		}
		if !decode(&req) {
			return
		}
		checkpoint, changes, err := s.vlobs.PollChanges(r.Context(), org, device,
			models.RealmID(req.RealmID), req.LastCheckpoint)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		out := make(map[string]int, len(changes))
		for id, version := range changes {
			out[string(id)] = version
		}
		s.writeRep(w, map[string]any{
			"current_checkpoint": checkpoint,
			"changes":            out,
		})

	case "vlob_list_versions":
		var req struct {
			RealmID string `msgpack:"realm_id"`
			VlobID  string `msgpack:"vlob_id"`
		}
		if !decode(&req) {
			return
		}
		versions, err := s.vlobs.ListVersions(r.Context(), org, device,
			models.RealmID(req.RealmID), models.VlobID(req.VlobID))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		out := make([]map[string]any, 0, len(versions))
		for _, v := range versions {
			out = append(out, map[string]any{
				"version":   v.Version,
				"timestamp": v.Timestamp,
				"author":    v.Author.String(),
			})
		}
		s.writeRep(w, map[string]any{"versions": out})

	case "block_create":
		var req struct {
			RealmID  string `msgpack:"realm_id"`
			BlockID  string `msgpack:"block_id"`
			KeyIndex int    `msgpack:"key_index"`
			Block    []byte `msgpack:"block"`
		}
		if !decode(&req) {
			return
		}
		err := s.blocks.Create(r.Context(), org, device,
			models.RealmID(req.RealmID), models.BlockID(req.BlockID), req.KeyIndex, req.Block)
		s.finish(w, r, err, nil)

	case "block_read":
		var req struct {
			BlockID string `msgpack:"block_id"`
		}
		if !decode(&req) {
			return
		}
		data, keyIndex, neededTs, err := s.blocks.Read(r.Context(), org, device, models.BlockID(req.BlockID))
		s.finish(w, r, err, map[string]any{
			"block":     data,
			"key_index": keyIndex,
			"needed_realm_certificate_timestamp": neededTs,
		})

	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
	}
}

// finish writes either the error rep or the success rep with the given
// fields.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, err error, fields map[string]any) {
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeRep(w, fields)
}

func sequesterBlobs(raw map[string][]byte) map[models.SequesterServiceID][]byte {
	if raw == nil {
		return nil
	}
	out := make(map[models.SequesterServiceID][]byte, len(raw))
	for id, blob := range raw {
		out[models.SequesterServiceID(id)] = blob
	}
	return out
}
