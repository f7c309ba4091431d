package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/parsec-cloud/parsec-server/internal/logging"
	"github.com/parsec-cloud/parsec-server/internal/server/blockstore"
	"github.com/parsec-cloud/parsec-server/internal/server/certif"
	"github.com/parsec-cloud/parsec-server/internal/server/config"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/repomanager"
	"github.com/parsec-cloud/parsec-server/internal/server/services"
)

type testIdentity struct {
	device  models.DeviceID
	signing ed25519.PrivateKey
	verify  ed25519.PublicKey
}

type webFixture struct {
	t      *testing.T
	ctx    context.Context
	clock  *clock.Mock
	cfg    *config.Config
	bus    *events.Bus
	server *Server
	router http.Handler

	org   models.OrganizationID
	alice testIdentity
	token string
}

func newWebFixture(t *testing.T) *webFixture {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC))

	cfg := &config.Config{}
	cfg.LoadDefaults()

	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	bus := events.NewBus(64, log)
	core := services.NewCore(nil, repomanager.NewMemoryRepositoryManager(), bus,
		blockstore.NewMocked(), mock, cfg, log)
	server := NewServer(cfg, log, bus, core)

	f := &webFixture{
		t:      t,
		ctx:    context.Background(),
		clock:  mock,
		cfg:    cfg,
		bus:    bus,
		server: server,
		router: server.Router(),
		org:    "WebOrg",
	}

	_, err := server.orgs.Create(f.ctx, f.org, "bootstrap-token")
	require.NoError(t, err)

	rootVerify, rootSigning, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	f.alice = newTestIdentity(t, models.NewUserID(), "dev1")
	userRaw, deviceRaw, ruRaw, rdRaw := buildUserCerts(t, rootSigning, nil, f.now(), f.alice,
		"alice@example.com", models.ProfileAdmin)
	require.NoError(t, server.orgs.Bootstrap(f.ctx, f.org, "bootstrap-token",
		rootVerify, userRaw, deviceRaw, ruRaw, rdRaw, nil))
	f.clock.Add(time.Second)

	f.token, err = GenerateToken(f.org, f.alice.device, []byte(cfg.SecretKey), time.Hour)
	require.NoError(t, err)
	return f
}

func (f *webFixture) now() time.Time {
	return models.Truncate(f.clock.Now())
}

func newTestIdentity(t *testing.T, user models.UserID, name models.DeviceName) testIdentity {
	verify, signing, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return testIdentity{
		device:  models.DeviceID{UserID: user, DeviceName: name},
		signing: signing,
		verify:  verify,
	}
}

func buildUserCerts(t *testing.T, authorKey ed25519.PrivateKey, author *models.DeviceID, ts time.Time,
	id testIdentity, email string, profile models.Profile) (userRaw, deviceRaw, redactedUserRaw, redactedDeviceRaw []byte) {

	handle := &models.HumanHandle{Email: email, Label: email}
	user := certif.UserCertificate{
		Type:        certif.TypeUser,
		Author:      author,
		Timestamp:   ts,
		UserID:      id.device.UserID,
		HumanHandle: handle,
		PublicKey:   []byte("pubkey"),
		Profile:     profile,
	}
	raw, err := certif.Sign(authorKey, user)
	require.NoError(t, err)
	userRaw = raw
	user.HumanHandle = nil
	redactedUserRaw, err = certif.Sign(authorKey, user)
	require.NoError(t, err)

	label := "laptop"
	device := certif.DeviceCertificate{
		Type:        certif.TypeDevice,
		Author:      author,
		Timestamp:   ts,
		UserID:      id.device.UserID,
		DeviceName:  id.device.DeviceName,
		DeviceLabel: &label,
		VerifyKey:   id.verify,
	}
	deviceRaw, err = certif.Sign(authorKey, device)
	require.NoError(t, err)
	device.DeviceLabel = nil
	redactedDeviceRaw, err = certif.Sign(authorKey, device)
	require.NoError(t, err)
	return userRaw, deviceRaw, redactedUserRaw, redactedDeviceRaw
}

// createRealm makes alice the owner of a fresh realm, bypassing HTTP.
func (f *webFixture) createRealm() models.RealmID {
	realmID := models.NewRealmID()
	role := models.RoleOwner
	raw, err := certif.Sign(f.alice.signing, certif.RealmRoleCertificate{
		Type:      certif.TypeRealmRole,
		Author:    &f.alice.device,
		Timestamp: f.now(),
		RealmID:   realmID,
		UserID:    f.alice.device.UserID,
		Role:      &role,
	})
	require.NoError(f.t, err)
	require.NoError(f.t, f.server.realms.Create(f.ctx, f.org, f.alice.device, raw))
	f.clock.Add(time.Second)

	rotation, err := certif.Sign(f.alice.signing, certif.RealmKeyRotationCertificate{
		Type:                certif.TypeRealmKeyRotation,
		Author:              &f.alice.device,
		Timestamp:           f.now(),
		RealmID:             realmID,
		KeyIndex:            1,
		EncryptionAlgorithm: "XSALSA20_POLY1305",
		HashAlgorithm:       "BLAKE2B",
		KeyCanary:           []byte("canary"),
	})
	require.NoError(f.t, err)
	require.NoError(f.t, f.server.realms.RotateKey(f.ctx, f.org, f.alice.device, rotation,
		[]byte("bundle"), map[models.UserID][]byte{f.alice.device.UserID: []byte("access")}, nil))
	f.clock.Add(time.Second)
	return realmID
}

// rpc posts one MessagePack command; a non-empty token goes in the
// Authorization header.
func (f *webFixture) rpc(path, token string, cmd map[string]any) *httptest.ResponseRecorder {
	payload, err := msgpack.Marshal(cmd)
	require.NoError(f.t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Api-Version", "5.0")
	req.Header.Set("Content-Type", contentTypeMsgpack)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeRep(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	require.Equal(t, contentTypeMsgpack, rec.Header().Get("Content-Type"))
	rep := map[string]any{}
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &rep))
	return rep
}

func (f *webFixture) admin(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+f.cfg.AdministrationToken)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestTransportNegotiation(t *testing.T) {
	f := newWebFixture(t)

	payload, err := msgpack.Marshal(map[string]any{"cmd": "ping", "ping": "hi"})
	require.NoError(t, err)

	// Missing Api-Version.
	req := httptest.NewRequest(http.MethodPost, "/anonymous/WebOrg", bytes.NewReader(payload))
	req.Header.Set("Content-Type", contentTypeMsgpack)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Unsupported major.
	req = httptest.NewRequest(http.MethodPost, "/anonymous/WebOrg", bytes.NewReader(payload))
	req.Header.Set("Api-Version", "3.0")
	req.Header.Set("Content-Type", contentTypeMsgpack)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Wrong content type.
	req = httptest.NewRequest(http.MethodPost, "/anonymous/WebOrg", bytes.NewReader(payload))
	req.Header.Set("Api-Version", "5.0")
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	// Garbage body.
	req = httptest.NewRequest(http.MethodPost, "/anonymous/WebOrg", strings.NewReader("not msgpack"))
	req.Header.Set("Api-Version", "5.0")
	req.Header.Set("Content-Type", contentTypeMsgpack)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown command.
	rec = f.rpc("/anonymous/WebOrg", "", map[string]any{"cmd": "no_such_command"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnonymousPing(t *testing.T) {
	f := newWebFixture(t)

	rec := f.rpc("/anonymous/WebOrg", "", map[string]any{"cmd": "ping", "ping": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decodeRep(t, rec)
	assert.Equal(t, "ok", rep["status"])
	assert.Equal(t, "hello", rep["pong"])
}

func TestOrganizationBootstrapOverHTTP(t *testing.T) {
	f := newWebFixture(t)

	rec := f.admin(http.MethodPost, "/administration/organizations",
		map[string]any{"organization_id": "FreshOrg"})
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		OrganizationID string `json:"organization_id"`
		BootstrapToken string `json:"bootstrap_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "FreshOrg", created.OrganizationID)
	require.NotEmpty(t, created.BootstrapToken)

	rootVerify, rootSigning, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	first := newTestIdentity(t, models.NewUserID(), "dev1")
	userRaw, deviceRaw, ruRaw, rdRaw := buildUserCerts(t, rootSigning, nil, f.now(), first,
		"zack@example.com", models.ProfileAdmin)

	bootstrap := map[string]any{
		"cmd":                         "organization_bootstrap",
		"bootstrap_token":             created.BootstrapToken,
		"root_verify_key":             []byte(rootVerify),
		"user_certificate":            userRaw,
		"device_certificate":          deviceRaw,
		"redacted_user_certificate":   ruRaw,
		"redacted_device_certificate": rdRaw,
	}
	rec = f.rpc("/anonymous/FreshOrg", "", bootstrap)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeRep(t, rec)["status"])

	// Replaying the bootstrap is reported as such.
	rec = f.rpc("/anonymous/FreshOrg", "", bootstrap)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "organization_already_bootstrapped", decodeRep(t, rec)["status"])

	// Wrong token on a fresh organization.
	rec = f.admin(http.MethodPost, "/administration/organizations",
		map[string]any{"organization_id": "OtherOrg"})
	require.Equal(t, http.StatusOK, rec.Code)
	bootstrap["bootstrap_token"] = "wrong"
	rec = f.rpc("/anonymous/OtherOrg", "", bootstrap)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "invalid_bootstrap_token", decodeRep(t, rec)["status"])
}

func TestAuthenticatedAuth(t *testing.T) {
	f := newWebFixture(t)

	ping := map[string]any{"cmd": "ping", "ping": "hi"}

	rec := f.rpc("/authenticated/WebOrg", "", ping)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.rpc("/authenticated/WebOrg", "garbage", ping)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Token minted for another organization is rejected.
	foreign, err := GenerateToken("SomeOtherOrg", f.alice.device, []byte(f.cfg.SecretKey), time.Hour)
	require.NoError(t, err)
	rec = f.rpc("/authenticated/WebOrg", foreign, ping)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.rpc("/authenticated/WebOrg", f.token, ping)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decodeRep(t, rec)
	assert.Equal(t, "ok", rep["status"])
	assert.Equal(t, "hi", rep["pong"])
}

func TestVlobOverHTTP(t *testing.T) {
	f := newWebFixture(t)
	realmID := f.createRealm()
	vlobID := models.NewVlobID()

	rec := f.rpc("/authenticated/WebOrg", f.token, map[string]any{
		"cmd":       "vlob_create",
		"realm_id":  string(realmID),
		"vlob_id":   string(vlobID),
		"key_index": 1,
		"timestamp": f.now(),
		"blob":      []byte("v1"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeRep(t, rec)["status"])

	// Recreating the same vlob travels as a domain error rep.
	f.clock.Add(time.Second)
	rec = f.rpc("/authenticated/WebOrg", f.token, map[string]any{
		"cmd":       "vlob_create",
		"realm_id":  string(realmID),
		"vlob_id":   string(vlobID),
		"key_index": 1,
		"timestamp": f.now(),
		"blob":      []byte("again"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vlob_already_exists", decodeRep(t, rec)["status"])

	rec = f.rpc("/authenticated/WebOrg", f.token, map[string]any{
		"cmd":      "vlob_read",
		"realm_id": string(realmID),
		"vlob_id":  string(vlobID),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decodeRep(t, rec)
	require.Equal(t, "ok", rep["status"])
	assert.EqualValues(t, 1, rep["version"])
	assert.Equal(t, []byte("v1"), rep["blob"])
	assert.Equal(t, f.alice.device.String(), rep["author"])

	rec = f.rpc("/authenticated/WebOrg", f.token, map[string]any{
		"cmd":             "vlob_poll_changes",
		"realm_id":        string(realmID),
		"last_checkpoint": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rep = decodeRep(t, rec)
	require.Equal(t, "ok", rep["status"])
	assert.EqualValues(t, 1, rep["current_checkpoint"])
}

func TestTosFlow(t *testing.T) {
	f := newWebFixture(t)

	require.NoError(t, f.server.orgs.Update(f.ctx, f.org, services.UpdateOptions{
		Tos: map[string]string{"en": "https://example.com/tos"},
	}))

	// Acceptance now gates the main family.
	rec := f.rpc("/authenticated/WebOrg", f.token, map[string]any{"cmd": "ping", "ping": "hi"})
	assert.Equal(t, 463, rec.Code)

	// The tos family stays reachable.
	rec = f.rpc("/tos/WebOrg", f.token, map[string]any{"cmd": "tos_get"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tosRep struct {
		Status        string            `msgpack:"status"`
		PerLocaleURLs map[string]string `msgpack:"per_locale_urls"`
		UpdatedOn     time.Time         `msgpack:"updated_on"`
	}
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &tosRep))
	require.Equal(t, "ok", tosRep.Status)
	assert.Equal(t, "https://example.com/tos", tosRep.PerLocaleURLs["en"])

	rec = f.rpc("/tos/WebOrg", f.token, map[string]any{
		"cmd":            "tos_accept",
		"tos_updated_on": tosRep.UpdatedOn,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeRep(t, rec)["status"])

	rec = f.rpc("/authenticated/WebOrg", f.token, map[string]any{"cmd": "ping", "ping": "hi"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvitedFamily(t *testing.T) {
	f := newWebFixture(t)

	token, err := f.server.invites.NewUserInvitation(f.ctx, f.org, f.alice.device,
		"zoe@example.com", false)
	require.NoError(t, err)

	rec := f.rpc("/invited/WebOrg", "", map[string]any{"cmd": "invite_info"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.rpc("/invited/WebOrg", "not-a-token", map[string]any{"cmd": "invite_info"})
	assert.Equal(t, 461, rec.Code)

	rec = f.rpc("/invited/WebOrg", string(token), map[string]any{"cmd": "invite_info"})
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decodeRep(t, rec)
	assert.Equal(t, "ok", rep["status"])
	assert.Equal(t, "USER", rep["type"])
	assert.Equal(t, "zoe@example.com", rep["claimer_email"])

	// A cancelled invitation is refused at the transport level.
	require.NoError(t, f.server.invites.Cancel(f.ctx, f.org, f.alice.device, token))
	rec = f.rpc("/invited/WebOrg", string(token), map[string]any{"cmd": "invite_info"})
	assert.Equal(t, 460, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	f := newWebFixture(t)

	// Wrong administration token.
	req := httptest.NewRequest(http.MethodGet, "/administration/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.admin(http.MethodPost, "/administration/organizations", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.admin(http.MethodGet, "/administration/organizations/WebOrg/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, true, view["is_bootstrapped"])
	assert.Equal(t, false, view["is_expired"])

	rec = f.admin(http.MethodPatch, "/administration/organizations/WebOrg/",
		map[string]any{"is_expired": true})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.admin(http.MethodGet, "/administration/organizations/WebOrg/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, true, view["is_expired"])

	// An expired organization answers 410 on the RPC families.
	pingRec := f.rpc("/authenticated/WebOrg", f.token, map[string]any{"cmd": "ping", "ping": "hi"})
	assert.Equal(t, http.StatusGone, pingRec.Code)

	rec = f.admin(http.MethodPatch, "/administration/organizations/WebOrg/",
		map[string]any{"is_expired": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.admin(http.MethodGet, "/administration/organizations/WebOrg/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats["users"])

	rec = f.admin(http.MethodGet, "/administration/stats?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "organization_id,users,"))
	assert.True(t, strings.HasPrefix(lines[1], "WebOrg,1,"))

	rec = f.admin(http.MethodGet, "/administration/organizations/NoSuchOrg/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminFreezeUser(t *testing.T) {
	f := newWebFixture(t)

	rec := f.admin(http.MethodPost, "/administration/organizations/WebOrg/users/freeze",
		map[string]any{"user_email": "alice@example.com", "frozen": true})
	require.Equal(t, http.StatusOK, rec.Code)
	var frozen struct {
		UserID string `json:"user_id"`
		Frozen bool   `json:"frozen"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frozen))
	assert.Equal(t, string(f.alice.device.UserID), frozen.UserID)
	assert.True(t, frozen.Frozen)

	// A frozen user is locked out with 499.
	pingRec := f.rpc("/authenticated/WebOrg", f.token, map[string]any{"cmd": "ping", "ping": "hi"})
	assert.Equal(t, 499, pingRec.Code)

	rec = f.admin(http.MethodGet, "/administration/organizations/WebOrg/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Users []struct {
			UserID string `json:"user_id"`
			Frozen bool   `json:"frozen"`
		} `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Users, 1)
	assert.True(t, listing.Users[0].Frozen)

	rec = f.admin(http.MethodPost, "/administration/organizations/WebOrg/users/freeze",
		map[string]any{"user_id": string(f.alice.device.UserID), "frozen": false})
	require.Equal(t, http.StatusOK, rec.Code)
	pingRec = f.rpc("/authenticated/WebOrg", f.token, map[string]any{"cmd": "ping", "ping": "hi"})
	assert.Equal(t, http.StatusOK, pingRec.Code)

	rec = f.admin(http.MethodPost, "/administration/organizations/WebOrg/users/freeze",
		map[string]any{"user_email": "nobody@example.com", "frozen": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// sseEvents decodes the data lines of an SSE body.
func sseEvents(t *testing.T, body string) []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, "data: "))
		require.NoError(t, err)
		fields := map[string]any{}
		require.NoError(t, msgpack.Unmarshal(raw, &fields))
		out = append(out, fields)
	}
	return out
}

func TestEventsStream(t *testing.T) {
	f := newWebFixture(t)
	f.cfg.SSEKeepalive = 20 * time.Millisecond

	// Missing Accept header.
	req := httptest.NewRequest(http.MethodGet, "/authenticated/WebOrg/events", nil)
	req.Header.Set("Api-Version", "5.0")
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	req = httptest.NewRequest(http.MethodGet, "/authenticated/WebOrg/events", nil).WithContext(ctx)
	req.Header.Set("Api-Version", "5.0")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec = httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	f.bus.Publish(f.ctx, f.org, events.Pinged{Ping: "over-sse"})
	// Events of other organizations never leak into the stream.
	f.bus.Publish(f.ctx, "SomeOtherOrg", events.Pinged{Ping: "foreign"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, ":keepalive")
	assert.Contains(t, body, "id: ")

	got := sseEvents(t, body)
	require.Len(t, got, 2)
	assert.Equal(t, "ORGANIZATION_CONFIG", got[0]["event"])
	assert.Equal(t, "PINGED", got[1]["event"])
	assert.Equal(t, "over-sse", got[1]["ping"])
}

func TestEventsStreamClosesOnRevocation(t *testing.T) {
	f := newWebFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/authenticated/WebOrg/events", nil)
	req.Header.Set("Api-Version", "5.0")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	f.bus.Publish(f.ctx, f.org, events.Pinged{Ping: "before"})
	f.bus.Publish(f.ctx, f.org, events.UserRevokedOrFrozen{UserID: f.alice.device.UserID})

	// The revocation ends the stream by itself, without the client
	// hanging up.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not close after revocation")
	}

	got := sseEvents(t, rec.Body.String())
	require.Len(t, got, 2)
	assert.Equal(t, "ORGANIZATION_CONFIG", got[0]["event"])
	assert.Equal(t, "PINGED", got[1]["event"])
	for _, fields := range got {
		assert.NotEqual(t, "USER_REVOKED_OR_FROZEN", fields["event"])
	}
}

// sseIDs collects the envelope ids of an SSE body, in order.
func sseIDs(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "id: ") {
			out = append(out, strings.TrimPrefix(line, "id: "))
		}
	}
	return out
}

func TestEventsStreamReplay(t *testing.T) {
	f := newWebFixture(t)

	stream := func(lastEventID string, publish func()) *httptest.ResponseRecorder {
		ctx, cancel := context.WithCancel(context.Background())
		req := httptest.NewRequest(http.MethodGet, "/authenticated/WebOrg/events", nil).WithContext(ctx)
		req.Header.Set("Api-Version", "5.0")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+f.token)
		if lastEventID != "" {
			req.Header.Set("Last-Event-Id", lastEventID)
		}
		rec := httptest.NewRecorder()
		done := make(chan struct{})
		go func() {
			defer close(done)
			f.router.ServeHTTP(rec, req)
		}()
		time.Sleep(50 * time.Millisecond)
		if publish != nil {
			publish()
			time.Sleep(50 * time.Millisecond)
		}
		cancel()
		<-done
		return rec
	}

	first := stream("", func() {
		f.bus.Publish(f.ctx, f.org, events.Pinged{Ping: "one"})
		f.bus.Publish(f.ctx, f.org, events.Pinged{Ping: "two"})
	})
	ids := sseIDs(first.Body.String())
	require.Len(t, ids, 2)

	// Resuming from the first ping replays only what came after it.
	second := stream(ids[0], nil)
	got := sseEvents(t, second.Body.String())
	require.Len(t, got, 2)
	assert.Equal(t, "ORGANIZATION_CONFIG", got[0]["event"])
	assert.Equal(t, "PINGED", got[1]["event"])
	assert.Equal(t, "two", got[1]["ping"])

	// An id that fell out of the cache means no replay at all: the
	// client starts over from the snapshot.
	third := stream("long-gone", nil)
	got = sseEvents(t, third.Body.String())
	require.Len(t, got, 1)
	assert.Equal(t, "ORGANIZATION_CONFIG", got[0]["event"])
}
