package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/services"
)

// adminAuth guards the administration endpoints with the static
// administration token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r) != s.cfg.AdministrationToken {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "invalid administration token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
		return false
	}
	return true
}

// adminError maps service failures to administration HTTP statuses.
func adminError(w http.ResponseWriter, err error) {
	var idempotent *common.IdempotentOutcomeError
	if errors.As(err, &idempotent) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "nothing to do"})
		return
	}
	switch {
	case errors.Is(err, common.ErrOrganizationNotFound),
		errors.Is(err, common.ErrUserNotFound),
		errors.Is(err, common.ErrSequesterServiceNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": err.Error()})
	case errors.Is(err, common.ErrAlreadyExists),
		errors.Is(err, common.ErrSequesterDisabled),
		errors.Is(err, common.ErrInvalidCertificate):
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
	}
}

func (s *Server) adminCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	id := models.OrganizationID(req.OrganizationID)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing organization_id"})
		return
	}
	org, err := s.orgs.Create(r.Context(), id, "")
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"organization_id": string(org.ID),
		"bootstrap_token": org.BootstrapToken,
	})
}

func orgView(org *models.Organization) map[string]any {
	var tos map[string]string
	if org.Tos != nil {
		tos = org.Tos.PerLocaleURLs
	}
	return map[string]any{
		"organization_id":               string(org.ID),
		"is_bootstrapped":               org.IsBootstrapped(),
		"is_expired":                    org.IsExpired,
		"active_users_limit":            org.ActiveUsersLimit,
		"user_profile_outsider_allowed": org.UserProfileOutsiderAllowed,
		"minimum_archiving_period":      int(org.MinimumArchivingPeriod / time.Second),
		"allowed_client_agent":          string(org.AllowedClientAgent),
		"account_vault_strategy":        string(org.AccountVaultStrategy),
		"tos":                           tos,
	}
}

func (s *Server) adminGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.orgs.Get(r.Context(), orgParam(r))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orgView(org))
}

func (s *Server) adminUpdateOrganization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsExpired                  *bool           `json:"is_expired"`
		ActiveUsersLimit           json.RawMessage `json:"active_users_limit"`
		UserProfileOutsiderAllowed *bool           `json:"user_profile_outsider_allowed"`
		MinimumArchivingPeriod     *int            `json:"minimum_archiving_period"`
		AllowedClientAgent         *string         `json:"allowed_client_agent"`
		AccountVaultStrategy       *string         `json:"account_vault_strategy"`
		Tos                        json.RawMessage `json:"tos"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	opts := services.UpdateOptions{IsExpired: req.IsExpired}
	if req.UserProfileOutsiderAllowed != nil {
		opts.UserProfileOutsiderAllowed = req.UserProfileOutsiderAllowed
	}
	if req.MinimumArchivingPeriod != nil {
		period := time.Duration(*req.MinimumArchivingPeriod) * time.Second
		opts.MinimumArchivingPeriod = &period
	}
	if req.AllowedClientAgent != nil {
		agent := models.AllowedClientAgent(*req.AllowedClientAgent)
		opts.AllowedClientAgent = &agent
	}
	if req.AccountVaultStrategy != nil {
		strategy := models.AccountVaultStrategy(*req.AccountVaultStrategy)
		opts.AccountVaultStrategy = &strategy
	}
	// A null limit lifts it; an absent field leaves it untouched.
	if len(req.ActiveUsersLimit) > 0 {
		if string(req.ActiveUsersLimit) == "null" {
			opts.UnlimitedUsers = true
		} else {
			var limit int
			if err := json.Unmarshal(req.ActiveUsersLimit, &limit); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid active_users_limit"})
				return
			}
			opts.ActiveUsersLimit = &limit
		}
	}
	if len(req.Tos) > 0 {
		if string(req.Tos) == "null" {
			opts.RemoveTos = true
		} else {
			var tos map[string]string
			if err := json.Unmarshal(req.Tos, &tos); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid tos"})
				return
			}
			opts.Tos = tos
		}
	}
	if err := s.orgs.Update(r.Context(), orgParam(r), opts); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) adminEraseOrganization(w http.ResponseWriter, r *http.Request) {
	if err := s.orgs.Erase(r.Context(), orgParam(r)); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func statsView(id models.OrganizationID, stats *models.OrganizationStats) map[string]any {
	return map[string]any{
		"organization_id":   string(id),
		"users":             stats.Users,
		"active_users":      stats.ActiveUsers,
		"admin_users":       stats.AdminUsers,
		"standard_users":    stats.StandardUsers,
		"outsider_users":    stats.OutsiderUsers,
		"realms":            stats.Realms,
		"vlobs_total_bytes": stats.VlobsTotalBytes,
		"blocks_total_bytes": stats.BlocksTotalBytes,
		"metadata_size":     stats.MetadataSize,
		"data_size":         stats.DataSize,
	}
}

var statsCsvHeader = []string{
	"organization_id", "users", "active_users", "admin_users", "standard_users",
	"outsider_users", "realms", "metadata_size", "data_size",
}

func statsCsvRow(id models.OrganizationID, stats *models.OrganizationStats) []string {
	return []string{
		string(id),
		strconv.Itoa(stats.Users),
		strconv.Itoa(stats.ActiveUsers),
		strconv.Itoa(stats.AdminUsers),
		strconv.Itoa(stats.StandardUsers),
		strconv.Itoa(stats.OutsiderUsers),
		strconv.Itoa(stats.Realms),
		strconv.FormatInt(stats.MetadataSize, 10),
		strconv.FormatInt(stats.DataSize, 10),
	}
}

func (s *Server) adminOrganizationStats(w http.ResponseWriter, r *http.Request) {
	id := orgParam(r)
	stats, err := s.orgs.Stats(r.Context(), id)
	if err != nil {
		adminError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write(statsCsvHeader)
		_ = cw.Write(statsCsvRow(id, stats))
		cw.Flush()
		return
	}
	writeJSON(w, http.StatusOK, statsView(id, stats))
}

func (s *Server) adminServerStats(w http.ResponseWriter, r *http.Request) {
	all, err := s.orgs.ServerStats(r.Context())
	if err != nil {
		adminError(w, err)
		return
	}
	ids := make([]models.OrganizationID, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write(statsCsvHeader)
		for _, id := range ids {
			_ = cw.Write(statsCsvRow(id, all[id]))
		}
		cw.Flush()
		return
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, statsView(id, all[id]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": out})
}

func (s *Server) adminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context(), orgParam(r))
	if err != nil {
		adminError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(users))
	for _, user := range users {
		entry := map[string]any{
			"user_id":      string(user.UserID),
			"user_email":   user.HumanHandle.Email,
			"user_name":    user.HumanHandle.Label,
			"profile":      string(user.Profile),
			"created_on":   user.CreatedOn,
			"frozen":       user.IsFrozen,
			"revoked_on":   user.RevokedOn,
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (s *Server) adminFreezeUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    *string `json:"user_id"`
		UserEmail *string `json:"user_email"`
		Frozen    bool    `json:"frozen"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	org := orgParam(r)
	var userID models.UserID
	switch {
	case req.UserID != nil:
		userID = models.UserID(*req.UserID)
	case req.UserEmail != nil:
		users, err := s.users.List(r.Context(), org)
		if err != nil {
			adminError(w, err)
			return
		}
		for _, user := range users {
			if user.HumanHandle.Email == *req.UserEmail {
				userID = user.UserID
				break
			}
		}
		if userID == "" {
			adminError(w, common.ErrUserNotFound)
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing user_id or user_email"})
		return
	}
	if err := s.users.SetFrozen(r.Context(), org, userID, req.Frozen); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": string(userID),
		"frozen":  req.Frozen,
	})
}

func (s *Server) adminCreateSequesterService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceCertificate []byte `json:"service_certificate"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.orgs.CreateSequesterService(r.Context(), orgParam(r), req.ServiceCertificate); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) adminUpdateSequesterService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RevokedServiceCertificate []byte `json:"revoked_service_certificate"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.orgs.RevokeSequesterService(r.Context(), orgParam(r), req.RevokedServiceCertificate); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
