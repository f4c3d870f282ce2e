package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	mqcontracts "whendoist/contracts/mq"
	"whendoist/internal/google"
	"whendoist/internal/model"
)

type fakeExchanger struct {
	resp *google.TokenResponse
	err  error
}

func (f *fakeExchanger) AuthURL(state string) string {
	return "https://example.test/consent?state=" + state
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string) (*google.TokenResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestCalendarService_CompleteConnect(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	creds := newMemCredStore()
	publisher := &memPublisher{}
	exchanger := &fakeExchanger{
		resp: &google.TokenResponse{AccessToken: "a", RefreshToken: "r", ExpiresIn: 3600},
	}

	svc := NewCalendarService(exchanger, creds, publisher, zap.NewNop())
	svc.clock = frozenClock(now)

	if err := svc.CompleteConnect(context.Background(), 10, "code", true); err != nil {
		t.Fatal(err)
	}

	cred, err := creds.Get(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if cred.SyncState != model.SyncStateActive || !cred.SyncEnabled {
		t.Errorf("credential state = %q enabled=%v, want active", cred.SyncState, cred.SyncEnabled)
	}
	if !cred.KeepEventsOnDisable {
		t.Error("keep-events preference should be stored")
	}
	if !cred.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expires at = %v, want %v", cred.ExpiresAt, now.Add(time.Hour))
	}

	if len(publisher.byKey(mqcontracts.SyncRequestedKey)) != 1 {
		t.Error("connecting should request an initial bulk sync")
	}
}

func TestCalendarService_CompleteConnectRequiresRefreshToken(t *testing.T) {
	creds := newMemCredStore()
	exchanger := &fakeExchanger{
		resp: &google.TokenResponse{AccessToken: "a", ExpiresIn: 3600},
	}

	svc := NewCalendarService(exchanger, creds, &memPublisher{}, zap.NewNop())

	if err := svc.CompleteConnect(context.Background(), 10, "code", false); err == nil {
		t.Fatal("expected an error when no refresh token is granted")
	}
	if _, err := creds.Get(context.Background(), 10); err == nil {
		t.Error("no credential should be stored")
	}
}

func TestCalendarService_DisconnectPublishesTeardown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	creds := newMemCredStore()
	creds.Upsert(context.Background(), activeCredential(10, now.Add(time.Hour)))
	publisher := &memPublisher{}

	svc := NewCalendarService(&fakeExchanger{}, creds, publisher, zap.NewNop())

	if err := svc.Disconnect(context.Background(), 10, true); err != nil {
		t.Fatal(err)
	}

	events := publisher.byKey(mqcontracts.SyncDisabledKey)
	if len(events) != 1 {
		t.Fatalf("sync.disabled events = %d, want 1", len(events))
	}
	payload := events[0].payload.(mqcontracts.SyncDisabledPayload)
	if !payload.DeleteEvents {
		t.Error("delete-events flag should be carried in the payload")
	}
}

func TestCalendarService_DisconnectWithoutCredential(t *testing.T) {
	svc := NewCalendarService(&fakeExchanger{}, newMemCredStore(), &memPublisher{}, zap.NewNop())

	err := svc.Disconnect(context.Background(), 10, false)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
}

func TestCalendarService_ReconnectRejectsRevoked(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cred := activeCredential(10, now.Add(time.Hour))
	cred.SyncState = model.SyncStateRevoked
	creds := newMemCredStore()
	creds.Upsert(context.Background(), cred)

	svc := NewCalendarService(&fakeExchanger{}, creds, &memPublisher{}, zap.NewNop())

	err := svc.Reconnect(context.Background(), 10)
	if !errors.Is(err, ErrCredentialRevoked) {
		t.Fatalf("err = %v, want ErrCredentialRevoked", err)
	}
}

func TestCalendarService_ReconnectReactivatesDisabled(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cred := activeCredential(10, now.Add(time.Hour))
	cred.SyncState = model.SyncStateDisabled
	cred.SyncEnabled = false
	creds := newMemCredStore()
	creds.Upsert(context.Background(), cred)
	publisher := &memPublisher{}

	svc := NewCalendarService(&fakeExchanger{}, creds, publisher, zap.NewNop())

	if err := svc.Reconnect(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	stored, _ := creds.Get(context.Background(), 10)
	if stored.SyncState != model.SyncStateActive {
		t.Errorf("state = %q, want active", stored.SyncState)
	}
	if len(publisher.byKey(mqcontracts.SyncRequestedKey)) != 1 {
		t.Error("reconnect should request a bulk sync")
	}
}
