package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/certif"
	"github.com/parsec-cloud/parsec-server/internal/server/config"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// PeerEventMaxWait bounds a greeting step poll: past it the server
// answers ErrNotReady and the client reissues the request.
const PeerEventMaxWait = 5 * time.Minute

// HashToken derives the stored lookup hash of an invitation token. The
// raw token never hits storage.
func HashToken(token models.InvitationToken) []byte {
	sum := blake2b.Sum256([]byte(token))
	return sum[:]
}

// possibleGreeters is the set of users eligible to run the ceremony:
// the creator for user invites, the claimer's own user for device
// invites, the recovery recipients for shamir invites.
func possibleGreeters(invitation *models.Invitation) []models.UserID {
	switch invitation.Type {
	case models.InvitationUser:
		return []models.UserID{invitation.CreatedBy.UserID}
	case models.InvitationDevice:
		if invitation.ClaimerUserID != nil {
			return []models.UserID{*invitation.ClaimerUserID}
		}
		return nil
	case models.InvitationShamir:
		return invitation.ShamirRecipients
	default:
		return nil
	}
}

// sendInvitationEmail is swapped out in tests.
var sendInvitationEmail = func(cfg config.EmailConfig, recipient string, body []byte) error {
	return smtp.SendMail(cfg.SMTPAddr, nil, cfg.Sender, []string{recipient}, body)
}

// stepKey identifies one awaited greeting step post.
type stepKey struct {
	org     models.OrganizationID
	attempt models.GreetingAttemptID
	step    int
	// side is the peer whose post is being awaited.
	side models.GreeterOrClaimer
}

// stepNotifier wakes bounded step waiters when the peer posts or the
// attempt is cancelled. Waiters never hold the attempt row across the
// wait; they re-read after waking.
type stepNotifier struct {
	mu      sync.Mutex
	waiters map[stepKey][]chan struct{}
}

func newStepNotifier() *stepNotifier {
	return &stepNotifier{waiters: make(map[stepKey][]chan struct{})}
}

func (n *stepNotifier) subscribe(key stepKey) chan struct{} {
	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[key] = append(n.waiters[key], ch)
	n.mu.Unlock()
	return ch
}

func (n *stepNotifier) unsubscribe(key stepKey, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	channels := n.waiters[key]
	for i, stored := range channels {
		if stored == ch {
			n.waiters[key] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
}

func (n *stepNotifier) wake(key stepKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.waiters[key] {
		close(ch)
	}
	delete(n.waiters, key)
}

// wakeAttempt wakes every waiter of the attempt, used on cancellation.
func (n *stepNotifier) wakeAttempt(org models.OrganizationID, attempt models.GreetingAttemptID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, channels := range n.waiters {
		if key.org == org && key.attempt == attempt {
			for _, ch := range channels {
				close(ch)
			}
			delete(n.waiters, key)
		}
	}
}

// InviteService covers the invitation lifecycle and the greet-attempt
// ceremony.
type InviteService struct {
	*Core
	notifier *stepNotifier
}

func NewInviteService(core *Core) *InviteService {
	return &InviteService{Core: core, notifier: newStepNotifier()}
}

func checkInvitationPending(invitation *models.Invitation) error {
	switch invitation.Status {
	case models.InvitationCancelled:
		return common.ErrInvitationCancelled
	case models.InvitationCompleted:
		return common.ErrInvitationAlreadyUsed
	}
	return nil
}

func (s *InviteService) invitationEvent(invitation *models.Invitation) events.Invitation {
	return events.Invitation{
		Token:            invitation.Token,
		PossibleGreeters: possibleGreeters(invitation),
		Status:           invitation.Status,
	}
}

// NewUserInvitation creates (or returns the pending) invitation for the
// claimer email. Author must be an active ADMIN.
func (s *InviteService) NewUserInvitation(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	claimerEmail string, sendEmail bool) (models.InvitationToken, error) {

	var token models.InvitationToken
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if auth.profile() != models.ProfileAdmin {
			return common.ErrAuthorNotAllowed
		}
		if _, err := s.repomanager.Users(tx).GetActiveByEmail(ctx, org, claimerEmail); err == nil {
			return common.ErrHumanHandleAlreadyTaken
		} else if !errors.Is(err, common.ErrUserNotFound) {
			return err
		}

		invitesRepo := s.repomanager.Invitations(tx)
		if existing, err := invitesRepo.FindActivePendingUser(ctx, org, claimerEmail); err != nil {
			return err
		} else if existing != nil {
			token = existing.Token
			return nil
		}

		token = models.NewInvitationToken()
		invitation := &models.Invitation{
			Token:        token,
			TokenHash:    HashToken(token),
			Type:         models.InvitationUser,
			CreatedBy:    device,
			CreatedOn:    s.now(),
			Status:       models.InvitationPending,
			ClaimerEmail: claimerEmail,
		}
		if err := invitesRepo.Insert(ctx, org, invitation); err != nil {
			return err
		}
		out.add(s.invitationEvent(invitation))
		return nil
	})
	if err != nil {
		return "", err
	}
	s.publish(ctx, out)
	if sendEmail {
		s.mailInvitation(ctx, org, claimerEmail, token)
	}
	return token, nil
}

// NewDeviceInvitation creates (or returns the pending) device
// invitation for the author's own user.
func (s *InviteService) NewDeviceInvitation(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	sendEmail bool) (models.InvitationToken, error) {

	var token models.InvitationToken
	var email string
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		email = auth.user.HumanHandle.Email

		invitesRepo := s.repomanager.Invitations(tx)
		if existing, err := invitesRepo.FindActivePendingDevice(ctx, org, device.UserID); err != nil {
			return err
		} else if existing != nil {
			token = existing.Token
			return nil
		}

		token = models.NewInvitationToken()
		claimer := device.UserID
		invitation := &models.Invitation{
			Token:         token,
			TokenHash:     HashToken(token),
			Type:          models.InvitationDevice,
			CreatedBy:     device,
			CreatedOn:     s.now(),
			Status:        models.InvitationPending,
			ClaimerUserID: &claimer,
		}
		if err := invitesRepo.Insert(ctx, org, invitation); err != nil {
			return err
		}
		out.add(s.invitationEvent(invitation))
		return nil
	})
	if err != nil {
		return "", err
	}
	s.publish(ctx, out)
	if sendEmail {
		s.mailInvitation(ctx, org, email, token)
	}
	return token, nil
}

// SetupShamirRecovery registers (or replaces) the author's recovery
// setup: the brief certificate plus one share certificate per
// recipient, all signed by the author device.
func (s *InviteService) SetupShamirRecovery(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	briefRaw []byte, sharesRaw [][]byte) error {

	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		brief, err := certif.LoadShamirRecoveryBriefCertificate(briefRaw, auth.device.VerifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(brief.Author, device); err != nil {
			return err
		}
		if brief.UserID != device.UserID {
			return fmt.Errorf("%w: setup must target the author's own user", common.ErrInvalidCertificate)
		}
		if err := certif.InBallpark(brief.Timestamp, s.now()); err != nil {
			return err
		}
		totalShares := 0
		for recipient, count := range brief.PerRecipientShares {
			if recipient == device.UserID {
				return fmt.Errorf("%w: author cannot hold its own shares", common.ErrInvalidCertificate)
			}
			if count < 1 {
				return fmt.Errorf("%w: recipient share count must be positive", common.ErrInvalidCertificate)
			}
			totalShares += count
		}
		if brief.Threshold < 1 || brief.Threshold > totalShares {
			return fmt.Errorf("%w: threshold out of range", common.ErrInvalidCertificate)
		}

		usersRepo := s.repomanager.Users(tx)
		shares := make(map[models.UserID][]byte, len(sharesRaw))
		for _, raw := range sharesRaw {
			share, err := certif.LoadShamirRecoveryShareCertificate(raw, auth.device.VerifyKey)
			if err != nil {
				return err
			}
			if err := certAuthorMatches(share.Author, device); err != nil {
				return err
			}
			if share.UserID != device.UserID {
				return fmt.Errorf("%w: share must target the author's own user", common.ErrInvalidCertificate)
			}
			if !share.Timestamp.Equal(brief.Timestamp) {
				return common.ErrTimestampMismatch
			}
			if _, ok := brief.PerRecipientShares[share.Recipient]; !ok {
				return fmt.Errorf("%w: share recipient missing from brief", common.ErrInvalidCertificate)
			}
			if _, ok := shares[share.Recipient]; ok {
				return fmt.Errorf("%w: duplicate share recipient", common.ErrInvalidCertificate)
			}
			recipient, err := usersRepo.Get(ctx, org, share.Recipient)
			if err != nil {
				return err
			}
			if recipient.IsRevoked() {
				return common.ErrUserRevoked
			}
			shares[share.Recipient] = raw
		}
		if len(shares) != len(brief.PerRecipientShares) {
			return fmt.Errorf("%w: one share certificate per recipient is required", common.ErrInvalidCertificate)
		}

		setup := &models.ShamirRecoverySetup{
			UserID:            device.UserID,
			CreatedOn:         brief.Timestamp,
			Threshold:         brief.Threshold,
			BriefCertificate:  briefRaw,
			ShareCertificates: shares,
		}
		if err := usersRepo.SetShamirRecovery(ctx, org, device.UserID, setup); err != nil {
			return err
		}
		out.add(events.ShamirRecoveryCertificate{
			Timestamp:    brief.Timestamp,
			Participants: setup.Recipients(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// NewShamirInvitation creates an invitation whose greeters are the
// recipients of the claimer's registered recovery setup.
func (s *InviteService) NewShamirInvitation(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	claimer models.UserID) (models.InvitationToken, error) {

	var token models.InvitationToken
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		usersRepo := s.repomanager.Users(tx)
		if _, err := usersRepo.Get(ctx, org, claimer); err != nil {
			return err
		}
		setup, err := usersRepo.GetShamirRecovery(ctx, org, claimer)
		if err != nil {
			return err
		}
		token = models.NewInvitationToken()
		claimerID := claimer
		invitation := &models.Invitation{
			Token:            token,
			TokenHash:        HashToken(token),
			Type:             models.InvitationShamir,
			CreatedBy:        device,
			CreatedOn:        s.now(),
			Status:           models.InvitationPending,
			ClaimerUserID:    &claimerID,
			ShamirRecipients: setup.Recipients(),
		}
		if err := s.repomanager.Invitations(tx).Insert(ctx, org, invitation); err != nil {
			return err
		}
		out.add(s.invitationEvent(invitation))
		return nil
	})
	if err != nil {
		return "", err
	}
	s.publish(ctx, out)
	return token, nil
}

func (s *InviteService) mailInvitation(ctx context.Context, org models.OrganizationID, recipient string, token models.InvitationToken) {
	if s.config.Email.SMTPAddr == "" {
		return
	}
	body := []byte(fmt.Sprintf("Subject: You have been invited to %s\r\n\r\n"+
		"Open parsec://%s/%s?token=%s to join.\r\n",
		org, s.config.ServerAddr, org, token))
	if err := sendInvitationEmail(s.config.Email, recipient, body); err != nil {
		s.log.Warn(ctx, "invitation email failed",
			"organization", string(org), "recipient", recipient, "error", err.Error())
	}
}

// Cancel marks a pending invitation cancelled. Allowed to the creator
// and to any possible greeter.
func (s *InviteService) Cancel(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	token models.InvitationToken) error {

	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		invitesRepo := s.repomanager.Invitations(tx)
		invitation, err := invitesRepo.Get(ctx, org, token)
		if err != nil {
			return err
		}
		if err := checkInvitationPending(invitation); err != nil {
			return err
		}
		allowed := invitation.CreatedBy.UserID == device.UserID
		for _, greeter := range possibleGreeters(invitation) {
			if greeter == device.UserID {
				allowed = true
			}
		}
		if !allowed {
			return common.ErrAuthorNotAllowed
		}
		if err := invitesRepo.SetStatus(ctx, org, token, models.InvitationCancelled); err != nil {
			return err
		}
		invitation.Status = models.InvitationCancelled
		out.add(s.invitationEvent(invitation))
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// List returns the invitations the author can greet or has created.
func (s *InviteService) List(ctx context.Context, org models.OrganizationID, device models.DeviceID) ([]*models.Invitation, error) {
	var out []*models.Invitation
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		all, err := s.repomanager.Invitations(tx).List(ctx, org)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, invitation := range all {
			visible := invitation.CreatedBy.UserID == device.UserID
			for _, greeter := range possibleGreeters(invitation) {
				if greeter == device.UserID {
					visible = true
				}
			}
			if visible {
				out = append(out, invitation)
			}
		}
		return nil
	})
	return out, err
}

// GetByTokenHash resolves the invitation behind a presented bearer
// token, used by the invited authentication family.
func (s *InviteService) GetByTokenHash(ctx context.Context, org models.OrganizationID, hash []byte) (*models.Invitation, error) {
	var out *models.Invitation
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		invitation, err := s.repomanager.Invitations(tx).GetByTokenHash(ctx, org, hash)
		out = invitation
		return err
	})
	return out, err
}

// startAttempt joins (or restarts) the active attempt for the
// (token, greeter) pair on the given side. Rejoining an attempt the
// side already joined cancels it and starts a fresh one.
func (s *InviteService) startAttempt(ctx context.Context, org models.OrganizationID, token models.InvitationToken,
	greeter models.UserID, side models.GreeterOrClaimer) (models.GreetingAttemptID, error) {

	var attemptID models.GreetingAttemptID
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		invitesRepo := s.repomanager.Invitations(tx)
		invitation, err := invitesRepo.Get(ctx, org, token)
		if err != nil {
			return err
		}
		if err := checkInvitationPending(invitation); err != nil {
			return err
		}
		eligible := false
		for _, candidate := range possibleGreeters(invitation) {
			if candidate == greeter {
				eligible = true
			}
		}
		if !eligible {
			return common.ErrGreeterNotAllowed
		}
		greeterUser, err := s.repomanager.Users(tx).Get(ctx, org, greeter)
		if err != nil {
			return err
		}
		if greeterUser.IsRevoked() || greeterUser.IsFrozen {
			return common.ErrGreeterNotAllowed
		}

		now := s.now()
		attempt, err := invitesRepo.ActiveAttempt(ctx, org, token, greeter)
		if err != nil {
			return err
		}
		if attempt != nil && s.sideJoined(attempt, side) {
			attempt.Cancelled = &models.GreetingAttemptCancellation{
				Origin:    side,
				Reason:    models.ReasonAutomaticallyCancelled,
				Timestamp: now,
			}
			if err := invitesRepo.UpdateAttempt(ctx, org, attempt); err != nil {
				return err
			}
			out.add(events.GreetingAttemptCancelled{
				Token:           token,
				GreeterUserID:   greeter,
				GreetingAttempt: attempt.ID,
			})
			s.notifier.wakeAttempt(org, attempt.ID)
			attempt = nil
		}
		if attempt == nil {
			attempt = &models.GreetingAttempt{
				ID:            models.NewGreetingAttemptID(),
				Token:         token,
				GreeterUserID: greeter,
			}
			s.joinSide(attempt, side, now)
			if err := invitesRepo.InsertAttempt(ctx, org, attempt); err != nil {
				return err
			}
		} else {
			s.joinSide(attempt, side, now)
			if err := invitesRepo.UpdateAttempt(ctx, org, attempt); err != nil {
				return err
			}
		}
		attemptID = attempt.ID
		if side == models.PeerClaimer {
			out.add(events.GreetingAttemptReady{
				Token:           token,
				GreeterUserID:   greeter,
				GreetingAttempt: attempt.ID,
			})
		} else {
			out.add(events.GreetingAttemptJoined{
				Token:           token,
				GreeterUserID:   greeter,
				GreetingAttempt: attempt.ID,
			})
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.publish(ctx, out)
	return attemptID, nil
}

func (s *InviteService) sideJoined(attempt *models.GreetingAttempt, side models.GreeterOrClaimer) bool {
	if side == models.PeerClaimer {
		return attempt.ClaimerJoined != nil
	}
	return attempt.GreeterJoined != nil
}

func (s *InviteService) joinSide(attempt *models.GreetingAttempt, side models.GreeterOrClaimer, now time.Time) {
	if side == models.PeerClaimer {
		attempt.ClaimerJoined = &now
	} else {
		attempt.GreeterJoined = &now
	}
}

// ClaimerStartGreetingAttempt is the invited-family entrypoint: the
// claimer names the greeter it wants to run the ceremony with.
func (s *InviteService) ClaimerStartGreetingAttempt(ctx context.Context, org models.OrganizationID,
	token models.InvitationToken, greeter models.UserID) (models.GreetingAttemptID, error) {
	return s.startAttempt(ctx, org, token, greeter, models.PeerClaimer)
}

// GreeterStartGreetingAttempt is the authenticated-family entrypoint.
func (s *InviteService) GreeterStartGreetingAttempt(ctx context.Context, org models.OrganizationID,
	device models.DeviceID, token models.InvitationToken) (models.GreetingAttemptID, error) {

	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := s.loadAuthor(ctx, tx, org, device)
		return err
	})
	if err != nil {
		return "", err
	}
	return s.startAttempt(ctx, org, token, device.UserID, models.PeerGreeter)
}

func cancelledError(c *models.GreetingAttemptCancellation) error {
	return &common.GreetingAttemptCancelledError{
		Timestamp: c.Timestamp,
		Reason:    string(c.Reason),
		Origin:    string(c.Origin),
	}
}

// postStep validates and records one side's step payload. It returns
// the peer payload when the pair is already matched.
func (s *InviteService) postStep(ctx context.Context, org models.OrganizationID, attemptID models.GreetingAttemptID,
	side models.GreeterOrClaimer, step int, payload []byte) (peer []byte, ready bool, err error) {

	err = s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		invitesRepo := s.repomanager.Invitations(tx)
		attempt, err := invitesRepo.GetAttempt(ctx, org, attemptID)
		if err != nil {
			return err
		}
		if attempt.Cancelled != nil {
			return cancelledError(attempt.Cancelled)
		}
		if attempt.ClaimerJoined == nil || attempt.GreeterJoined == nil {
			return common.ErrGreetingAttemptNotJoined
		}
		if step < 0 || step >= models.GreetingStepCount {
			return common.ErrStepTooAdvanced
		}
		for i := 0; i < step; i++ {
			if !attempt.ClaimerPosted[i] || !attempt.GreeterPosted[i] {
				return common.ErrStepTooAdvanced
			}
		}

		ownSteps, ownPosted := &attempt.ClaimerSteps, &attempt.ClaimerPosted
		peerSteps, peerPosted := &attempt.GreeterSteps, &attempt.GreeterPosted
		if side == models.PeerGreeter {
			ownSteps, ownPosted = &attempt.GreeterSteps, &attempt.GreeterPosted
			peerSteps, peerPosted = &attempt.ClaimerSteps, &attempt.ClaimerPosted
		}
		if ownPosted[step] {
			if !bytes.Equal(ownSteps[step], payload) {
				return common.ErrStepMismatch
			}
		} else {
			ownSteps[step] = payload
			ownPosted[step] = true
			if err := invitesRepo.UpdateAttempt(ctx, org, attempt); err != nil {
				return err
			}
		}
		if peerPosted[step] {
			peer, ready = peerSteps[step], true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	// Wake the peer in case it is blocked on this post.
	s.notifier.wake(stepKey{org: org, attempt: attemptID, step: step, side: side})
	return peer, ready, nil
}

// step posts a payload and waits up to PeerEventMaxWait for the peer's
// matching post, returning ErrNotReady on timeout.
func (s *InviteService) step(ctx context.Context, org models.OrganizationID, attemptID models.GreetingAttemptID,
	side models.GreeterOrClaimer, step int, payload []byte) ([]byte, error) {

	peerSide := models.PeerGreeter
	if side == models.PeerGreeter {
		peerSide = models.PeerClaimer
	}
	// Subscribe before posting so a concurrent peer post cannot slip
	// between the check and the wait.
	key := stepKey{org: org, attempt: attemptID, step: step, side: peerSide}
	wakeup := s.notifier.subscribe(key)
	defer s.notifier.unsubscribe(key, wakeup)

	peer, ready, err := s.postStep(ctx, org, attemptID, side, step, payload)
	if err != nil {
		return nil, err
	}
	if ready {
		return peer, nil
	}

	timer := s.clock.Timer(PeerEventMaxWait)
	defer timer.Stop()
	select {
	case <-wakeup:
	case <-timer.C:
		return nil, common.ErrNotReady
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Re-read: the wakeup may be the peer's post or a cancellation.
	peer, ready, err = s.postStep(ctx, org, attemptID, side, step, payload)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, common.ErrNotReady
	}
	return peer, nil
}

// ClaimerStep posts the claimer payload of the given step and returns
// the greeter's.
func (s *InviteService) ClaimerStep(ctx context.Context, org models.OrganizationID, token models.InvitationToken,
	attemptID models.GreetingAttemptID, stepIndex int, payload []byte) ([]byte, error) {
	if err := s.checkAttemptToken(ctx, org, token, attemptID); err != nil {
		return nil, err
	}
	return s.step(ctx, org, attemptID, models.PeerClaimer, stepIndex, payload)
}

// GreeterStep posts the greeter payload of the given step and returns
// the claimer's.
func (s *InviteService) GreeterStep(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	attemptID models.GreetingAttemptID, stepIndex int, payload []byte) ([]byte, error) {

	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		attempt, err := s.repomanager.Invitations(tx).GetAttempt(ctx, org, attemptID)
		if err != nil {
			return err
		}
		if attempt.GreeterUserID != device.UserID {
			return common.ErrGreeterNotAllowed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.step(ctx, org, attemptID, models.PeerGreeter, stepIndex, payload)
}

func (s *InviteService) checkAttemptToken(ctx context.Context, org models.OrganizationID,
	token models.InvitationToken, attemptID models.GreetingAttemptID) error {
	return s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		attempt, err := s.repomanager.Invitations(tx).GetAttempt(ctx, org, attemptID)
		if err != nil {
			return err
		}
		if attempt.Token != token {
			return common.ErrGreetingAttemptNotFound
		}
		return nil
	})
}

// cancelAttempt cancels a joined attempt; subsequent steps report the
// cancellation with its origin and reason.
func (s *InviteService) cancelAttempt(ctx context.Context, org models.OrganizationID, attemptID models.GreetingAttemptID,
	side models.GreeterOrClaimer, reason models.CancelledGreetingAttemptReason) error {

	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		invitesRepo := s.repomanager.Invitations(tx)
		attempt, err := invitesRepo.GetAttempt(ctx, org, attemptID)
		if err != nil {
			return err
		}
		if attempt.Cancelled != nil {
			return cancelledError(attempt.Cancelled)
		}
		if !s.sideJoined(attempt, side) {
			return common.ErrGreetingAttemptNotJoined
		}
		attempt.Cancelled = &models.GreetingAttemptCancellation{
			Origin:    side,
			Reason:    reason,
			Timestamp: s.now(),
		}
		if err := invitesRepo.UpdateAttempt(ctx, org, attempt); err != nil {
			return err
		}
		out.add(events.GreetingAttemptCancelled{
			Token:           attempt.Token,
			GreeterUserID:   attempt.GreeterUserID,
			GreetingAttempt: attempt.ID,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	s.notifier.wakeAttempt(org, attemptID)
	return nil
}

// ClaimerCancelGreetingAttempt cancels the attempt from the claimer
// side.
func (s *InviteService) ClaimerCancelGreetingAttempt(ctx context.Context, org models.OrganizationID,
	token models.InvitationToken, attemptID models.GreetingAttemptID,
	reason models.CancelledGreetingAttemptReason) error {
	if err := s.checkAttemptToken(ctx, org, token, attemptID); err != nil {
		return err
	}
	return s.cancelAttempt(ctx, org, attemptID, models.PeerClaimer, reason)
}

// GreeterCancelGreetingAttempt cancels the attempt from the greeter
// side.
func (s *InviteService) GreeterCancelGreetingAttempt(ctx context.Context, org models.OrganizationID,
	device models.DeviceID, attemptID models.GreetingAttemptID,
	reason models.CancelledGreetingAttemptReason) error {

	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		attempt, err := s.repomanager.Invitations(tx).GetAttempt(ctx, org, attemptID)
		if err != nil {
			return err
		}
		if attempt.GreeterUserID != device.UserID {
			return common.ErrGreeterNotAllowed
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.cancelAttempt(ctx, org, attemptID, models.PeerGreeter, reason)
}
