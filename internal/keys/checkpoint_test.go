package keys

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lua-guard/keyserver/internal/models"
	"github.com/lua-guard/keyserver/internal/security"
)

func startRequest(t *testing.T, svc *Service, user *models.User, hwid string) string {
	t.Helper()
	result, errIssue := svc.Issue(context.Background(), user, hwid, RequestMeta{IP: "10.0.0.1"})
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}
	if result.Status != StatusVerificationRequired {
		t.Fatalf("status=%q, want verification_required", result.Status)
	}
	return result.RequestID
}

func TestCheckpointFlowMintsAfterRequiredSteps(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "cp-1", false)
	requestID := startRequest(t, svc, user, "hwid-flow-1")

	first, errFirst := svc.HandleCallback(context.Background(), requestID, 1, "", RequestMeta{})
	if errFirst != nil {
		t.Fatalf("step 1: %v", errFirst)
	}
	if first.State != CallbackPending || first.StepsDone != 1 || first.StepsRequired != 2 {
		t.Fatalf("after step 1: %+v", first)
	}

	status, errStatus := svc.PendingStatus(context.Background(), requestID)
	if errStatus != nil {
		t.Fatalf("status poll: %v", errStatus)
	}
	if status.State != PendingStateWaiting || status.StepsDone != 1 {
		t.Fatalf("mid-flow status: %+v", status)
	}

	second, errSecond := svc.HandleCallback(context.Background(), requestID, 2, "", RequestMeta{})
	if errSecond != nil {
		t.Fatalf("step 2: %v", errSecond)
	}
	if second.State != CallbackCompleted || second.Key == nil {
		t.Fatalf("after step 2: %+v", second)
	}
	if !strings.HasPrefix(second.Key.KeyString, "LUAGUARD-") {
		t.Fatalf("minted key %q missing prefix", second.Key.KeyString)
	}
	if got := second.Key.ExpiresAt.Sub(second.Key.CreatedAt); got != 24*time.Hour {
		t.Fatalf("minted lifetime=%v, want 24h", got)
	}
	if second.Key.BoundHWID == nil || *second.Key.BoundHWID != "hwid-flow-1" {
		t.Fatalf("minted key not bound to requesting device")
	}

	done, errDone := svc.PendingStatus(context.Background(), requestID)
	if errDone != nil {
		t.Fatalf("final status poll: %v", errDone)
	}
	if done.State != PendingStateCompleted || done.Key == nil || done.Key.KeyString != second.Key.KeyString {
		t.Fatalf("final status: %+v", done)
	}
}

func TestCheckpointStepReplayIsNoOp(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "cp-2", false)
	requestID := startRequest(t, svc, user, "hwid-replay-1")

	if _, errFirst := svc.HandleCallback(context.Background(), requestID, 1, "", RequestMeta{}); errFirst != nil {
		t.Fatalf("step 1: %v", errFirst)
	}
	replay, errReplay := svc.HandleCallback(context.Background(), requestID, 1, "", RequestMeta{})
	if errReplay != nil {
		t.Fatalf("replayed step 1: %v", errReplay)
	}
	if replay.State != CallbackPending || replay.StepsDone != 1 {
		t.Fatalf("replay advanced the request: %+v", replay)
	}

	var pending models.PendingRequest
	if errFind := conn.Where("request_id = ?", requestID).First(&pending).Error; errFind != nil {
		t.Fatalf("load pending: %v", errFind)
	}
	if pending.CompletedSteps != 1 || pending.IsCompleted {
		t.Fatalf("pending row after replay: %+v", pending)
	}
}

func TestCheckpointDuplicateFinalStep(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "cp-3", false)
	requestID := startRequest(t, svc, user, "hwid-dup-final")

	if _, errFirst := svc.HandleCallback(context.Background(), requestID, 1, "", RequestMeta{}); errFirst != nil {
		t.Fatalf("step 1: %v", errFirst)
	}
	if _, errSecond := svc.HandleCallback(context.Background(), requestID, 2, "", RequestMeta{}); errSecond != nil {
		t.Fatalf("step 2: %v", errSecond)
	}
	if _, errDup := svc.HandleCallback(context.Background(), requestID, 2, "", RequestMeta{}); !errors.Is(errDup, ErrRequestCompleted) {
		t.Fatalf("duplicate final step err=%v, want ErrRequestCompleted", errDup)
	}

	var keyCount int64
	if errCount := conn.Model(&models.Key{}).Where("user_id = ?", user.ID).Count(&keyCount).Error; errCount != nil {
		t.Fatalf("count keys: %v", errCount)
	}
	if keyCount != 1 {
		t.Fatalf("duplicate final step minted %d keys, want 1", keyCount)
	}
}

func TestCheckpointConcurrentFinalStepMintsOneKey(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "cp-4", false)
	requestID := startRequest(t, svc, user, "hwid-race-final")

	if _, errFirst := svc.HandleCallback(context.Background(), requestID, 1, "", RequestMeta{}); errFirst != nil {
		t.Fatalf("step 1: %v", errFirst)
	}

	const callers = 4
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errCallback := svc.HandleCallback(context.Background(), requestID, 2, "", RequestMeta{})
			errCh <- errCallback
		}()
	}
	wg.Wait()
	close(errCh)

	var wins int
	for errCallback := range errCh {
		switch {
		case errCallback == nil:
			wins++
		case errors.Is(errCallback, ErrRequestCompleted):
		default:
			t.Fatalf("unexpected callback error: %v", errCallback)
		}
	}
	if wins != 1 {
		t.Fatalf("%d callers minted, want exactly 1", wins)
	}

	var keyCount int64
	if errCount := conn.Model(&models.Key{}).Where("user_id = ?", user.ID).Count(&keyCount).Error; errCount != nil {
		t.Fatalf("count keys: %v", errCount)
	}
	if keyCount != 1 {
		t.Fatalf("race minted %d keys, want 1", keyCount)
	}
}

func TestCheckpointExpiredRequest(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "cp-5", false)
	requestID := startRequest(t, svc, user, "hwid-expired-req")

	if errExpire := conn.Model(&models.PendingRequest{}).
		Where("request_id = ?", requestID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error; errExpire != nil {
		t.Fatalf("force expiry: %v", errExpire)
	}

	if _, errCallback := svc.HandleCallback(context.Background(), requestID, 1, "", RequestMeta{}); !errors.Is(errCallback, ErrRequestExpired) {
		t.Fatalf("callback err=%v, want ErrRequestExpired", errCallback)
	}
	if _, errStatus := svc.PendingStatus(context.Background(), requestID); !errors.Is(errStatus, ErrRequestExpired) {
		t.Fatalf("status err=%v, want ErrRequestExpired", errStatus)
	}
}

func TestCheckpointUnknownRequest(t *testing.T) {
	svc, _ := setupService(t)

	if _, errCallback := svc.HandleCallback(context.Background(), "deadbeefdeadbeef", 1, "", RequestMeta{}); !errors.Is(errCallback, ErrRequestNotFound) {
		t.Fatalf("callback err=%v, want ErrRequestNotFound", errCallback)
	}
	if _, errStatus := svc.PendingStatus(context.Background(), "deadbeefdeadbeef"); !errors.Is(errStatus, ErrRequestNotFound) {
		t.Fatalf("status err=%v, want ErrRequestNotFound", errStatus)
	}
}

func TestCheckpointAntiBypassTokenEnforced(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "cp-6", false)

	const secret = "shared-callback-secret"
	if errSecret := conn.Model(&models.IntegrationSetting{}).
		Where("provider = ?", models.ProviderLinkvertise).
		Update("anti_bypass_token", secret).Error; errSecret != nil {
		t.Fatalf("configure secret: %v", errSecret)
	}

	requestID := startRequest(t, svc, user, "hwid-signed-1")

	if _, errBad := svc.HandleCallback(context.Background(), requestID, 1, "forged", RequestMeta{}); !errors.Is(errBad, ErrVerificationFailed) {
		t.Fatalf("forged token err=%v, want ErrVerificationFailed", errBad)
	}

	var pending models.PendingRequest
	if errFind := conn.Where("request_id = ?", requestID).First(&pending).Error; errFind != nil {
		t.Fatalf("load pending: %v", errFind)
	}
	if pending.CompletedSteps != 0 {
		t.Fatalf("forged callback advanced steps to %d", pending.CompletedSteps)
	}

	good, errGood := svc.HandleCallback(context.Background(), requestID, 1, security.SignCallback(secret, requestID, 1), RequestMeta{})
	if errGood != nil {
		t.Fatalf("signed callback: %v", errGood)
	}
	if good.StepsDone != 1 {
		t.Fatalf("signed callback steps=%d, want 1", good.StepsDone)
	}
}
