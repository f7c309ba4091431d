package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/certif"
	"github.com/parsec-cloud/parsec-server/internal/server/config"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

func TestUserInvitationLifecycle(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(16)
	defer sub.Close()

	token, err := f.invites.NewUserInvitation(f.ctx, f.org, f.alice.device, "claimer@example.com", false)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	evs := drain(sub)
	require.Len(t, evs, 1)
	inv, ok := evs[0].(events.Invitation)
	require.True(t, ok)
	assert.Equal(t, token, inv.Token)
	assert.Equal(t, []models.UserID{f.alice.device.UserID}, inv.PossibleGreeters)

	// A pending invitation for the same claimer is reused.
	again, err := f.invites.NewUserInvitation(f.ctx, f.org, f.alice.device, "claimer@example.com", false)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	// An active member cannot be invited.
	_, err = f.invites.NewUserInvitation(f.ctx, f.org, f.alice.device, "alice@example.com", false)
	require.ErrorIs(t, err, common.ErrHumanHandleAlreadyTaken)

	// Token hash lookup drives the invited authentication family.
	byHash, err := f.invites.GetByTokenHash(f.ctx, f.org, HashToken(token))
	require.NoError(t, err)
	assert.Equal(t, token, byHash.Token)
	_, err = f.invites.GetByTokenHash(f.ctx, f.org, HashToken(models.NewInvitationToken()))
	require.ErrorIs(t, err, common.ErrInvitationNotFound)

	require.NoError(t, f.invites.Cancel(f.ctx, f.org, f.alice.device, token))
	_, err = f.invites.ClaimerStartGreetingAttempt(f.ctx, f.org, token, f.alice.device.UserID)
	require.ErrorIs(t, err, common.ErrInvitationCancelled)
}

func TestUserInvitationNonAdmin(t *testing.T) {
	f := newFixture(t)
	bob := f.createUser("bob@example.com", models.ProfileStandard)
	_, err := f.invites.NewUserInvitation(f.ctx, f.org, bob.device, "claimer@example.com", false)
	require.ErrorIs(t, err, common.ErrAuthorNotAllowed)
}

func TestInvitationEmail(t *testing.T) {
	f := newFixture(t)
	f.core.config.Email.SMTPAddr = "smtp.invalid:25"

	var sentTo string
	origSend := sendInvitationEmail
	sendInvitationEmail = func(cfg config.EmailConfig, recipient string, body []byte) error {
		sentTo = recipient
		return nil
	}
	defer func() { sendInvitationEmail = origSend }()

	_, err := f.invites.NewUserInvitation(f.ctx, f.org, f.alice.device, "claimer@example.com", true)
	require.NoError(t, err)
	assert.Equal(t, "claimer@example.com", sentTo)
}

func TestDeviceInvitation(t *testing.T) {
	f := newFixture(t)
	token, err := f.invites.NewDeviceInvitation(f.ctx, f.org, f.alice.device, false)
	require.NoError(t, err)

	listed, err := f.invites.List(f.ctx, f.org, f.alice.device)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, token, listed[0].Token)
	assert.Equal(t, models.InvitationDevice, listed[0].Type)
}

// startJoinedAttempt creates a user invitation and joins both sides of
// a greeting attempt.
func startJoinedAttempt(t *testing.T, f *fixture) (models.InvitationToken, models.GreetingAttemptID) {
	token, err := f.invites.NewUserInvitation(f.ctx, f.org, f.alice.device, "claimer@example.com", false)
	require.NoError(t, err)
	greeterAttempt, err := f.invites.GreeterStartGreetingAttempt(f.ctx, f.org, f.alice.device, token)
	require.NoError(t, err)
	claimerAttempt, err := f.invites.ClaimerStartGreetingAttempt(f.ctx, f.org, token, f.alice.device.UserID)
	require.NoError(t, err)
	require.Equal(t, greeterAttempt, claimerAttempt)
	return token, claimerAttempt
}

type stepResult struct {
	payload []byte
	err     error
}

func TestGreetingAttemptSteps(t *testing.T) {
	f := newFixture(t)
	token, attemptID := startJoinedAttempt(t, f)

	// The greeter posts first and blocks until the claimer's payload
	// lands.
	results := make(chan stepResult, 1)
	go func() {
		payload, err := f.invites.GreeterStep(f.ctx, f.org, f.alice.device, attemptID, 0, []byte("greeter-0"))
		results <- stepResult{payload: payload, err: err}
	}()
	time.Sleep(50 * time.Millisecond)

	claimerGot, err := f.invites.ClaimerStep(f.ctx, f.org, token, attemptID, 0, []byte("claimer-0"))
	require.NoError(t, err)
	assert.Equal(t, []byte("greeter-0"), claimerGot)

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, []byte("claimer-0"), res.payload)

	// Skipping ahead is rejected.
	_, err = f.invites.ClaimerStep(f.ctx, f.org, token, attemptID, 2, []byte("claimer-2"))
	require.ErrorIs(t, err, common.ErrStepTooAdvanced)

	// Reposting a step with a different payload is rejected; the same
	// payload returns the peer's again.
	_, err = f.invites.ClaimerStep(f.ctx, f.org, token, attemptID, 0, []byte("tampered"))
	require.ErrorIs(t, err, common.ErrStepMismatch)
	claimerGot, err = f.invites.ClaimerStep(f.ctx, f.org, token, attemptID, 0, []byte("claimer-0"))
	require.NoError(t, err)
	assert.Equal(t, []byte("greeter-0"), claimerGot)
}

func TestGreetingAttemptNotReady(t *testing.T) {
	f := newFixture(t)
	token, attemptID := startJoinedAttempt(t, f)

	results := make(chan stepResult, 1)
	go func() {
		payload, err := f.invites.ClaimerStep(f.ctx, f.org, token, attemptID, 0, []byte("claimer-0"))
		results <- stepResult{payload: payload, err: err}
	}()
	// Let the claimer reach its wait before firing the deadline.
	time.Sleep(50 * time.Millisecond)
	f.clock.Add(PeerEventMaxWait + time.Second)

	res := <-results
	require.ErrorIs(t, res.err, common.ErrNotReady)
}

func TestGreetingAttemptNotJoined(t *testing.T) {
	f := newFixture(t)
	token, err := f.invites.NewUserInvitation(f.ctx, f.org, f.alice.device, "claimer@example.com", false)
	require.NoError(t, err)
	attemptID, err := f.invites.GreeterStartGreetingAttempt(f.ctx, f.org, f.alice.device, token)
	require.NoError(t, err)

	// The claimer has not joined yet.
	_, err = f.invites.GreeterStep(f.ctx, f.org, f.alice.device, attemptID, 0, []byte("greeter-0"))
	require.ErrorIs(t, err, common.ErrGreetingAttemptNotJoined)
}

func TestGreetingAttemptAutoCancel(t *testing.T) {
	f := newFixture(t)
	_, attemptID := startJoinedAttempt(t, f)

	// Rejoining from an already-joined side cancels the attempt and
	// opens a fresh one.
	token := func() models.InvitationToken {
		listed, err := f.invites.List(f.ctx, f.org, f.alice.device)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		return listed[0].Token
	}()
	fresh, err := f.invites.ClaimerStartGreetingAttempt(f.ctx, f.org, token, f.alice.device.UserID)
	require.NoError(t, err)
	require.NotEqual(t, attemptID, fresh)

	_, err = f.invites.GreeterStep(f.ctx, f.org, f.alice.device, attemptID, 0, []byte("greeter-0"))
	var cancelled *common.GreetingAttemptCancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, string(models.ReasonAutomaticallyCancelled), cancelled.Reason)
}

func TestGreetingAttemptManualCancel(t *testing.T) {
	f := newFixture(t)
	token, attemptID := startJoinedAttempt(t, f)
	sub := f.bus.Subscribe(16)
	defer sub.Close()

	require.NoError(t, f.invites.ClaimerCancelGreetingAttempt(f.ctx, f.org, token, attemptID,
		models.ReasonManuallyCancelled))

	evs := drain(sub)
	require.Len(t, evs, 1)
	_, ok := evs[0].(events.GreetingAttemptCancelled)
	require.True(t, ok)

	_, err := f.invites.GreeterStep(f.ctx, f.org, f.alice.device, attemptID, 0, []byte("greeter-0"))
	var cancelled *common.GreetingAttemptCancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, string(models.PeerClaimer), cancelled.Origin)
	assert.Equal(t, string(models.ReasonManuallyCancelled), cancelled.Reason)

	// Cancelling twice reports the original cancellation.
	err = f.invites.ClaimerCancelGreetingAttempt(f.ctx, f.org, token, attemptID,
		models.ReasonManuallyCancelled)
	require.ErrorAs(t, err, &cancelled)
}

func TestGreetingAttemptWrongGreeter(t *testing.T) {
	f := newFixture(t)
	bob := f.createUser("bob@example.com", models.ProfileStandard)
	token, err := f.invites.NewUserInvitation(f.ctx, f.org, f.alice.device, "claimer@example.com", false)
	require.NoError(t, err)

	// Bob is not a possible greeter of this invitation.
	_, err = f.invites.GreeterStartGreetingAttempt(f.ctx, f.org, bob.device, token)
	require.ErrorIs(t, err, common.ErrGreeterNotAllowed)
	_, err = f.invites.ClaimerStartGreetingAttempt(f.ctx, f.org, token, bob.device.UserID)
	require.ErrorIs(t, err, common.ErrGreeterNotAllowed)
}

func TestGreetingAttemptTokenMismatch(t *testing.T) {
	f := newFixture(t)
	_, attemptID := startJoinedAttempt(t, f)

	_, err := f.invites.ClaimerStep(f.ctx, f.org, models.NewInvitationToken(), attemptID, 0, []byte("x"))
	require.ErrorIs(t, err, common.ErrGreetingAttemptNotFound)
}

// shamirCerts builds a brief plus one share per recipient, all signed
// by the owner's device at the current clock.
func (f *fixture) shamirCerts(owner identity, threshold int, recipients ...identity) (brief []byte, shares [][]byte) {
	ts := f.now()
	perRecipient := make(map[models.UserID]int, len(recipients))
	for _, recipient := range recipients {
		perRecipient[recipient.device.UserID] = 1
	}
	brief = sign(f.t, owner.signing, certif.ShamirRecoveryBriefCertificate{
		Type:               certif.TypeShamirRecoveryBrief,
		Author:             &owner.device,
		Timestamp:          ts,
		UserID:             owner.device.UserID,
		Threshold:          threshold,
		PerRecipientShares: perRecipient,
	})
	for _, recipient := range recipients {
		shares = append(shares, sign(f.t, owner.signing, certif.ShamirRecoveryShareCertificate{
			Type:          certif.TypeShamirRecoveryShare,
			Author:        &owner.device,
			Timestamp:     ts,
			UserID:        owner.device.UserID,
			Recipient:     recipient.device.UserID,
			CipheredShare: []byte("share-" + string(recipient.device.UserID)),
		}))
	}
	return brief, shares
}

func TestShamirRecoverySetup(t *testing.T) {
	f := newFixture(t)
	bob := f.createUser("bob@example.com", models.ProfileStandard)
	carol := f.createUser("carol@example.com", models.ProfileStandard)
	sub := f.bus.Subscribe(16)
	defer sub.Close()

	brief, shares := f.shamirCerts(f.alice, 2, bob, carol)
	require.NoError(t, f.invites.SetupShamirRecovery(f.ctx, f.org, f.alice.device, brief, shares))

	evs := drain(sub)
	require.Len(t, evs, 1)
	cert, ok := evs[0].(events.ShamirRecoveryCertificate)
	require.True(t, ok)
	assert.ElementsMatch(t, []models.UserID{bob.device.UserID, carol.device.UserID}, cert.Participants)

	// Every brief recipient needs its share certificate.
	f.tick()
	brief, shares = f.shamirCerts(f.alice, 1, bob, carol)
	err := f.invites.SetupShamirRecovery(f.ctx, f.org, f.alice.device, brief, shares[:1])
	require.ErrorIs(t, err, common.ErrInvalidCertificate)

	// A threshold above the total share count is rejected.
	f.tick()
	brief, shares = f.shamirCerts(f.alice, 3, bob, carol)
	err = f.invites.SetupShamirRecovery(f.ctx, f.org, f.alice.device, brief, shares)
	require.ErrorIs(t, err, common.ErrInvalidCertificate)
}

func TestShamirInvitationGreeters(t *testing.T) {
	f := newFixture(t)
	bob := f.createUser("bob@example.com", models.ProfileStandard)
	carol := f.createUser("carol@example.com", models.ProfileStandard)

	// No invitation without a registered setup.
	_, err := f.invites.NewShamirInvitation(f.ctx, f.org, f.alice.device, f.alice.device.UserID)
	require.ErrorIs(t, err, common.ErrShamirRecoveryNotSetup)

	brief, shares := f.shamirCerts(f.alice, 2, bob, carol)
	require.NoError(t, f.invites.SetupShamirRecovery(f.ctx, f.org, f.alice.device, brief, shares))
	f.tick()

	token, err := f.invites.NewShamirInvitation(f.ctx, f.org, f.alice.device, f.alice.device.UserID)
	require.NoError(t, err)

	// Any recipient can greet; the claimer's own user cannot.
	_, err = f.invites.GreeterStartGreetingAttempt(f.ctx, f.org, bob.device, token)
	require.NoError(t, err)
	_, err = f.invites.GreeterStartGreetingAttempt(f.ctx, f.org, carol.device, token)
	require.NoError(t, err)
	_, err = f.invites.GreeterStartGreetingAttempt(f.ctx, f.org, f.alice.device, token)
	require.ErrorIs(t, err, common.ErrGreeterNotAllowed)
}
