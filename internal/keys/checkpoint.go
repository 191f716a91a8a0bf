package keys

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/analytics"
	"github.com/lua-guard/keyserver/internal/models"
	"github.com/lua-guard/keyserver/internal/security"
)

// startCheckpoint opens a pending request for (user, hwid) and returns the
// monetized verification link the user must walk through.
func (s *Service) startCheckpoint(ctx context.Context, user *models.User, hwid string, meta RequestMeta) (*IssueResult, error) {
	setting, errSetting := s.activeIntegration(ctx)
	if errSetting != nil {
		return nil, errSetting
	}
	provider, errProvider := s.newProvider(setting)
	if errProvider != nil {
		return nil, fmt.Errorf("keys: %w", errProvider)
	}

	requestID, errGenerate := security.GenerateRequestID()
	if errGenerate != nil {
		return nil, fmt.Errorf("keys: %w", errGenerate)
	}

	now := s.now()
	pending := models.PendingRequest{
		RequestID: requestID,
		UserID:    user.ID,
		HWID:      hwid,
		IssuedIP:  meta.IP,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.PendingTTL),
	}
	if errCreate := s.db.WithContext(ctx).Create(&pending).Error; errCreate != nil {
		return nil, fmt.Errorf("keys: create pending request: %w", errCreate)
	}

	callbackURL := s.opts.CallbackBaseURL + "?r=" + url.QueryEscape(requestID)
	link, errLink := provider.CreateLink(ctx, callbackURL, requestID)
	if errLink != nil {
		return nil, fmt.Errorf("keys: create verification link: %w", errLink)
	}

	s.events.Record(ctx, analytics.Entry{
		Type: "key_generation_started", UserID: &user.ID, HWID: hwid, IP: meta.IP,
		Metadata: map[string]any{"request_id": requestID, "provider": provider.Name()},
	})

	return &IssueResult{
		Status:          StatusVerificationRequired,
		VerificationURL: link,
		RequestID:       requestID,
		ExpiresIn:       s.opts.PendingTTL,
	}, nil
}

// Checkpoint callback states.
const (
	// CallbackPending means more steps are needed before minting.
	CallbackPending = "pending"
	// CallbackCompleted means the threshold was reached and a key was minted.
	CallbackCompleted = "completed"
)

// CallbackResult describes the state after one checkpoint callback.
type CallbackResult struct {
	State         string
	StepsDone     int
	StepsRequired int
	Key           *models.Key
}

// HandleCallback processes one checkpoint step callback. Replays of a step
// number already reached are no-ops, and the completion transition is a
// conditional update so two callbacks racing past the threshold mint exactly
// one key.
func (s *Service) HandleCallback(ctx context.Context, requestID string, step int, token string, meta RequestMeta) (*CallbackResult, error) {
	var pending models.PendingRequest
	if errFind := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		First(&pending).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("keys: lookup pending request: %w", errFind)
	}

	if pending.Expired(s.now()) {
		return nil, ErrRequestExpired
	}
	if pending.IsCompleted {
		return nil, ErrRequestCompleted
	}
	if step < 1 {
		return nil, fmt.Errorf("keys: invalid step %d", step)
	}

	if errVerify := s.verifyCallbackToken(ctx, &pending, step, token, meta); errVerify != nil {
		return nil, errVerify
	}

	// Only a strictly higher step advances; replays fall through with zero
	// rows affected.
	advance := s.db.WithContext(ctx).Model(&models.PendingRequest{}).
		Where("request_id = ? AND completed_steps < ? AND is_completed = ?", requestID, step, false).
		Update("completed_steps", step)
	if advance.Error != nil {
		return nil, fmt.Errorf("keys: advance step: %w", advance.Error)
	}

	if errReload := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		First(&pending).Error; errReload != nil {
		return nil, fmt.Errorf("keys: reload pending request: %w", errReload)
	}

	result := &CallbackResult{
		State:         CallbackPending,
		StepsDone:     pending.CompletedSteps,
		StepsRequired: s.opts.CheckpointsRequired,
	}
	if pending.CompletedSteps < s.opts.CheckpointsRequired {
		return result, nil
	}

	// At-most-one winner: the conditional flip decides who mints.
	complete := s.db.WithContext(ctx).Model(&models.PendingRequest{}).
		Where("request_id = ? AND is_completed = ?", requestID, false).
		Update("is_completed", true)
	if complete.Error != nil {
		return nil, fmt.Errorf("keys: complete pending request: %w", complete.Error)
	}
	if complete.RowsAffected == 0 {
		return nil, ErrRequestCompleted
	}

	var owner models.User
	if errOwner := s.db.WithContext(ctx).First(&owner, pending.UserID).Error; errOwner != nil {
		return nil, fmt.Errorf("keys: load request owner: %w", errOwner)
	}

	key, errMint := s.mintKey(ctx, &owner, pending.HWID, meta)
	if errMint != nil {
		return nil, errMint
	}

	s.events.Record(ctx, analytics.Entry{
		Type: "key_generated", UserID: &owner.ID, HWID: pending.HWID, IP: meta.IP,
		Metadata: map[string]any{"key_id": key.ID, "request_id": requestID},
	})

	result.State = CallbackCompleted
	result.Key = key
	return result, nil
}

// verifyCallbackToken enforces the anti-bypass signature when the active
// integration has a shared secret configured. Integrations without a secret
// accept callbacks unconditionally, an explicitly weaker mode.
func (s *Service) verifyCallbackToken(ctx context.Context, pending *models.PendingRequest, step int, token string, meta RequestMeta) error {
	setting, errSetting := s.activeIntegration(ctx)
	if errSetting != nil {
		if errors.Is(errSetting, ErrNotConfigured) {
			return nil
		}
		return errSetting
	}
	if setting.AntiBypassToken == "" {
		return nil
	}
	if security.VerifyCallback(setting.AntiBypassToken, pending.RequestID, step, token) {
		return nil
	}

	s.events.Record(ctx, analytics.Entry{
		Type: "checkpoint_bypass_attempt", UserID: &pending.UserID, HWID: pending.HWID, IP: meta.IP,
		Metadata: map[string]any{"request_id": pending.RequestID, "step": step},
	})
	return ErrVerificationFailed
}

// PendingStatusResult is the poll response for an in-flight request.
type PendingStatusResult struct {
	State         string
	StepsDone     int
	StepsRequired int
	Key           *models.Key
}

// Pending status states.
const (
	// PendingStateWaiting means the checkpoint flow is still in progress.
	PendingStateWaiting = "pending"
	// PendingStateCompleted means a key was minted for the request.
	PendingStateCompleted = "completed"
)

// PendingStatus reports the state of a pending request for client polling.
func (s *Service) PendingStatus(ctx context.Context, requestID string) (*PendingStatusResult, error) {
	var pending models.PendingRequest
	if errFind := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		First(&pending).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("keys: lookup pending request: %w", errFind)
	}

	if pending.IsCompleted {
		key, errKey := s.activeKey(ctx, pending.UserID, pending.HWID)
		if errKey != nil {
			return nil, errKey
		}
		return &PendingStatusResult{
			State:         PendingStateCompleted,
			StepsDone:     pending.CompletedSteps,
			StepsRequired: s.opts.CheckpointsRequired,
			Key:           key,
		}, nil
	}
	if pending.Expired(s.now()) {
		return nil, ErrRequestExpired
	}
	return &PendingStatusResult{
		State:         PendingStateWaiting,
		StepsDone:     pending.CompletedSteps,
		StepsRequired: s.opts.CheckpointsRequired,
	}, nil
}

// activeIntegration returns the active ad-network settings row.
func (s *Service) activeIntegration(ctx context.Context) (*models.IntegrationSetting, error) {
	var setting models.IntegrationSetting
	errFind := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("updated_at DESC").
		First(&setting).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("keys: load integration settings: %w", errFind)
	}
	return &setting, nil
}
