package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"roadside-backend/internal/clients"
	"roadside-backend/internal/config"
	"roadside-backend/internal/models"
	"roadside-backend/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc         *DispatchService
	store       *memoryStore
	directory   *fakeDirectory
	notifier    *recordingNotifier
	provisioner *mockProvisioner
	billing     *dedupBilling
	events      *recordingPublisher
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()
	dir := &fakeDirectory{
		listing: []models.MechanicSnapshot{{UserID: "M1"}, {UserID: "M2"}},
		profiles: map[string]models.Profile{
			"M1": mechanic("M1", "active", "+254700000001", "brakes", "engine"),
			"M2": mechanic("M2", "inactive", "+254700000002", "brakes"),
			"D1": driver("D1", "+254711000000", models.Vehicle{RegistrationNumber: "KAA 123A", Brand: "Toyota"}),
		},
	}
	prov := &mockProvisioner{}
	prov.On("Provision", mock.Anything, mock.Anything).Return("session-1", nil).Maybe()

	h := &harness{
		store:       newMemoryStore(),
		directory:   dir,
		notifier:    &recordingNotifier{},
		provisioner: prov,
		billing:     newDedupBilling(),
		events:      &recordingPublisher{},
	}
	h.svc = NewDispatchService(DispatchDeps{
		Alerts:      h.store,
		Matcher:     NewMatcher(dir, logger.Nop()),
		Profiles:    dir,
		Notifier:    h.notifier,
		Provisioner: prov,
		Billing:     h.billing,
		Events:      h.events,
	}, DispatchOptions{
		Pricing:             DefaultPricing(),
		NotifyPolicy:        policy,
		CollaboratorTimeout: time.Second,
	}, logger.Nop())
	return h
}

func (h *harness) create(t *testing.T, specs ...string) *models.Alert {
	t.Helper()
	res, err := h.svc.CreateAlert(context.Background(), CreateAlertRequest{
		DriverID:                "D1",
		RegistrationNumber:      "KAA 123A",
		CommunicationMode:       "audio",
		BreakdownDetails:        "brakes failing on the highway",
		RequiredSpecializations: specs,
	})
	require.NoError(t, err)
	return res.Alert
}

func TestDispatch_EndToEnd(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()

	res, err := h.svc.CreateAlert(ctx, CreateAlertRequest{
		DriverID:                "D1",
		RegistrationNumber:      "KAA 123A",
		CommunicationMode:       "video",
		BreakdownDetails:        "grinding noise when stopping",
		RequiredSpecializations: []string{"Brakes"},
	})
	require.NoError(t, err)

	alert := res.Alert
	id := alert.ID.Hex()
	assert.Equal(t, models.StatusActive, alert.Status)
	assert.Equal(t, []string{"brakes"}, alert.RequiredSpecializations)
	assert.Equal(t, []string{"M1"}, alert.MatchedMechanicIDs)
	assert.Equal(t, NotificationStatus{
		Success:            true,
		Message:            "Notified 1 of 1 available mechanics",
		AvailableMechanics: 1,
		NotifiedMechanics:  1,
	}, res.NotificationStatus)
	assert.Equal(t, []string{"M1"}, h.notifier.recipients())
	assert.Equal(t, "New SOS Alert", h.notifier.sent[0].Title)
	assert.Equal(t, id, h.notifier.sent[0].Data["alertId"])

	accepted, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, accepted.Alert.Status)
	require.NotNil(t, accepted.Alert.MechanicID)
	assert.Equal(t, "M1", *accepted.Alert.MechanicID)
	assert.True(t, accepted.CommunicationStatus.Success)
	assert.Equal(t, "session-1", accepted.CommunicationStatus.SessionRef)
	h.provisioner.AssertCalled(t, "Provision", mock.Anything, clients.ProvisionRequest{
		AlertID:  id,
		Driver:   clients.Party{UserID: "D1", PhoneNumber: "+254711000000"},
		Mechanic: clients.Party{UserID: "M1", PhoneNumber: "+254700000001"},
		Mode:     "video",
	})

	_, err = h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M2"})
	assert.True(t, IsConflict(err), "got %v", err)

	completed, err := h.svc.CompleteAlert(ctx, CompleteAlertRequest{AlertID: id, CallDuration: 10})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Alert.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(*completed.Alert.Charges))
	assert.True(t, completed.BillingStatus.Success)
	assert.Equal(t, "bill-"+id, completed.BillingStatus.BillRef)

	stored := h.store.snapshot(id)
	require.NoError(t, stored.CheckInvariants())
	assert.Equal(t, "session-1", stored.CommunicationRef)
	assert.Equal(t, "bill-"+id, stored.BillRef)

	assert.Equal(t, []models.AlertEventType{
		models.EventAlertCreated,
		models.EventAlertMatched,
		models.EventAlertAccepted,
		models.EventAlertCompleted,
	}, h.events.types())
}

func TestCreateAlert_TokenizesDetails(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)

	res, err := h.svc.CreateAlert(context.Background(), CreateAlertRequest{
		DriverID:           "D1",
		RegistrationNumber: "KAA 123A",
		CommunicationMode:  "audio",
		BreakdownDetails:   "my car engine won't start",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"car", "engine", "won't", "start"}, res.Alert.RequiredSpecializations)
	assert.Equal(t, []string{"M1"}, res.Alert.MatchedMechanicIDs)
}

func TestCreateAlert_Validation(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)

	valid := CreateAlertRequest{
		DriverID:           "D1",
		RegistrationNumber: "KAA 123A",
		CommunicationMode:  "audio",
		BreakdownDetails:   "flat tyre",
	}
	tests := []struct {
		name   string
		mutate func(*CreateAlertRequest)
	}{
		{"missing driver", func(r *CreateAlertRequest) { r.DriverID = "" }},
		{"missing vehicle", func(r *CreateAlertRequest) { r.RegistrationNumber = "" }},
		{"unknown mode", func(r *CreateAlertRequest) { r.CommunicationMode = "sms" }},
		{"empty details", func(r *CreateAlertRequest) { r.BreakdownDetails = "" }},
		{"only short words", func(r *CreateAlertRequest) { r.BreakdownDetails = "my ca is ok" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.svc.CreateAlert(context.Background(), req)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
	assert.Empty(t, h.store.alerts)
}

func TestCreateAlert_StoreFailureIsUnavailable(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	h.store.fail = errors.New("no primary")

	_, err := h.svc.CreateAlert(context.Background(), CreateAlertRequest{
		DriverID: "D1", RegistrationNumber: "KAA 123A", CommunicationMode: "audio", BreakdownDetails: "engine dead",
	})
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Empty(t, h.notifier.recipients())
}

func TestCreateAlert_DirectoryDownStillCreates(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	h.directory.listErr = errors.New("connection refused")

	res, err := h.svc.CreateAlert(context.Background(), CreateAlertRequest{
		DriverID: "D1", RegistrationNumber: "KAA 123A", CommunicationMode: "audio", BreakdownDetails: "engine dead",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, res.Alert.Status)
	assert.False(t, res.NotificationStatus.Success)
	assert.Contains(t, res.NotificationStatus.Error, "connection refused")
	assert.Empty(t, res.Alert.MatchedMechanicIDs)
}

func TestCreateAlert_NoEligibleMechanics(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)

	res, err := h.svc.CreateAlert(context.Background(), CreateAlertRequest{
		DriverID: "D1", RegistrationNumber: "KAA 123A", CommunicationMode: "audio", BreakdownDetails: "transmission slipping",
	})
	require.NoError(t, err)
	assert.False(t, res.NotificationStatus.Success)
	assert.Zero(t, res.NotificationStatus.AvailableMechanics)
	assert.Empty(t, h.notifier.recipients())
}

func TestCreateAlert_NotifyPolicy(t *testing.T) {
	setup := func(policy string) *harness {
		h := newHarness(t, policy)
		h.directory.listing = []models.MechanicSnapshot{
			{UserID: "M1", Status: "active", Specializations: []string{"engine"}},
			{UserID: "M3", Status: "active", Specializations: []string{"engine"}},
			{UserID: "M4", Status: "active", Specializations: []string{"engine"}},
		}
		return h
	}

	t.Run("first", func(t *testing.T) {
		h := setup(config.NotifyFirst)
		res, err := h.svc.CreateAlert(context.Background(), CreateAlertRequest{
			DriverID: "D1", RegistrationNumber: "KAA 123A", CommunicationMode: "audio", BreakdownDetails: "engine smoke",
		})
		require.NoError(t, err)
		assert.Equal(t, 3, res.NotificationStatus.AvailableMechanics)
		assert.Equal(t, 1, res.NotificationStatus.NotifiedMechanics)
		assert.Equal(t, []string{"M1"}, h.notifier.recipients())
	})

	t.Run("all with one failure", func(t *testing.T) {
		h := setup(config.NotifyAll)
		h.notifier.fail = map[string]bool{"M3": true}
		res, err := h.svc.CreateAlert(context.Background(), CreateAlertRequest{
			DriverID: "D1", RegistrationNumber: "KAA 123A", CommunicationMode: "audio", BreakdownDetails: "engine smoke",
		})
		require.NoError(t, err)
		assert.True(t, res.NotificationStatus.Success)
		assert.Equal(t, 2, res.NotificationStatus.NotifiedMechanics)
		assert.Contains(t, res.NotificationStatus.Error, "M3")
		assert.ElementsMatch(t, []string{"M1", "M4"}, h.notifier.recipients())
	})
}

func TestAcceptAlert_RaceHasExactlyOneWinner(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	id := h.create(t, "brakes").ID.Hex()

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(mechanicID string) {
			defer wg.Done()
			<-start
			_, err := h.svc.AcceptAlert(context.Background(), AcceptAlertRequest{AlertID: id, MechanicID: mechanicID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, mechanicID)
			case IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("mech-%d", i))
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, conflicts)

	stored := h.store.snapshot(id)
	assert.Equal(t, winners[0], *stored.MechanicID)
	assert.NoError(t, stored.CheckInvariants())
}

func TestAcceptAlert_Errors(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()

	_, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: "not-an-id", MechanicID: "M1"})
	assert.True(t, IsValidation(err))

	_, err = h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: "65f000000000000000000000", MechanicID: "M1"})
	assert.True(t, IsNotFound(err))

	_, err = h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: "65f000000000000000000000"})
	assert.True(t, IsValidation(err))
}

func TestAcceptAlert_ProvisioningFailureKeepsClaim(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	prov := &mockProvisioner{}
	prov.On("Provision", mock.Anything, mock.Anything).Return("", errors.New("carrier unavailable")).Once()
	prov.On("Provision", mock.Anything, mock.Anything).Return("session-2", nil).Once()
	h.svc.provisioner = prov

	id := h.create(t, "brakes").ID.Hex()

	res, err := h.svc.AcceptAlert(context.Background(), AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, res.Alert.Status)
	assert.False(t, res.CommunicationStatus.Success)
	assert.Contains(t, res.CommunicationStatus.Error, "carrier unavailable")
	assert.Equal(t, models.StatusInProgress, h.store.snapshot(id).Status)

	retried, err := h.svc.RetryCommunication(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, retried.CommunicationStatus.Success)
	assert.Equal(t, "session-2", h.store.snapshot(id).CommunicationRef)
	prov.AssertNumberOfCalls(t, "Provision", 2)
}

func TestAcceptAlert_MissingContactIsReported(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	id := h.create(t, "brakes").ID.Hex()

	res, err := h.svc.AcceptAlert(context.Background(), AcceptAlertRequest{AlertID: id, MechanicID: "unknown-mechanic"})
	require.NoError(t, err)
	assert.False(t, res.CommunicationStatus.Success)
	h.provisioner.AssertNotCalled(t, "Provision", mock.Anything, mock.Anything)
}

func TestAcceptAlert_SurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	id := h.create(t, "brakes").ID.Hex()

	ctx, cancel := context.WithCancel(context.Background())
	prov := &mockProvisioner{}
	prov.On("Provision", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			cancel()
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return("session-3", nil)
	h.svc.provisioner = prov

	res, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
	require.NoError(t, err)
	assert.True(t, res.CommunicationStatus.Success)
}

func TestRetryCommunication_RequiresInProgress(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	id := h.create(t, "brakes").ID.Hex()

	_, err := h.svc.RetryCommunication(context.Background(), id)
	assert.True(t, IsInvalidState(err))
}

type invalidatingDirectory struct {
	*fakeDirectory
	invalidated []string
}

func (d *invalidatingDirectory) Invalidate(_ context.Context, userIDs ...string) error {
	d.invalidated = append(d.invalidated, userIDs...)
	return nil
}

func TestRetryCommunication_RefreshesCachedContacts(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()
	id := h.create(t, "brakes").ID.Hex()
	_, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
	require.NoError(t, err)

	dir := &invalidatingDirectory{fakeDirectory: h.directory}
	h.svc.profiles = dir

	res, err := h.svc.RetryCommunication(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.CommunicationStatus.Success)
	assert.Equal(t, []string{"D1", "M1"}, dir.invalidated)
}

func TestCompleteAlert_InvalidStateLeavesRecordUnchanged(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()
	id := h.create(t, "brakes").ID.Hex()

	before := h.store.snapshot(id)
	_, err := h.svc.CompleteAlert(ctx, CompleteAlertRequest{AlertID: id, CallDuration: 4})
	assert.True(t, IsInvalidState(err), "got %v", err)
	assert.Equal(t, before, h.store.snapshot(id))

	_, err = h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
	require.NoError(t, err)
	_, err = h.svc.CompleteAlert(ctx, CompleteAlertRequest{AlertID: id, CallDuration: 4})
	require.NoError(t, err)

	before = h.store.snapshot(id)
	_, err = h.svc.CompleteAlert(ctx, CompleteAlertRequest{AlertID: id, CallDuration: 99})
	assert.True(t, IsInvalidState(err))
	assert.Equal(t, before, h.store.snapshot(id))

	_, err = h.svc.CompleteAlert(ctx, CompleteAlertRequest{AlertID: id, CallDuration: -1})
	assert.True(t, IsValidation(err))
}

func TestCompleteAlert_RequiresCallDuration(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()
	id := h.create(t, "brakes").ID.Hex()
	_, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
	require.NoError(t, err)

	before := h.store.snapshot(id)
	for _, tc := range []struct {
		name string
		req  CompleteAlertRequest
	}{
		{"omitted", CompleteAlertRequest{AlertID: id}},
		{"zero", CompleteAlertRequest{AlertID: id, CallDuration: 0}},
		{"negative", CompleteAlertRequest{AlertID: id, CallDuration: -3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CompleteAlert(ctx, tc.req)
			assert.True(t, IsValidation(err), "got %v", err)
			assert.Equal(t, before, h.store.snapshot(id))
		})
	}
	assert.Zero(t, h.billing.calls)
}

func TestCompleteAlert_MinimumCharge(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()
	id := h.create(t, "brakes").ID.Hex()
	_, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
	require.NoError(t, err)

	res, err := h.svc.CompleteAlert(ctx, CompleteAlertRequest{AlertID: id, CallDuration: 1})
	require.NoError(t, err)
	assert.Equal(t, "20.00", res.Alert.Charges.StringFixed(2))
}

func TestBilling_IsIdempotentPerAlert(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()
	id := h.create(t, "brakes").ID.Hex()
	_, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
	require.NoError(t, err)
	_, err = h.svc.CompleteAlert(ctx, CompleteAlertRequest{AlertID: id, CallDuration: 5})
	require.NoError(t, err)

	again, err := h.svc.RetryBilling(ctx, id)
	require.NoError(t, err)
	assert.True(t, again.BillingStatus.Success)

	assert.Equal(t, 2, h.billing.calls)
	require.Len(t, h.billing.bills, 1)
	assert.True(t, decimal.NewFromInt(50).Equal(h.billing.bills[id].Amount))
}

func TestBilling_FailureIsReportedAndReconciled(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()
	id := h.create(t, "brakes").ID.Hex()
	_, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
	require.NoError(t, err)

	h.billing.err = errors.New("payment service 503")
	res, err := h.svc.CompleteAlert(ctx, CompleteAlertRequest{AlertID: id, CallDuration: 12})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Alert.Status)
	assert.False(t, res.BillingStatus.Success)
	assert.Empty(t, h.store.snapshot(id).BillRef)

	h.billing.err = nil
	h.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	billed, err := h.svc.ReconcileBilling(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, billed)
	assert.Equal(t, "bill-"+id, h.store.snapshot(id).BillRef)

	billed, err = h.svc.ReconcileBilling(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, billed)
}

func TestRetryBilling_RequiresCompleted(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	id := h.create(t, "brakes").ID.Hex()

	_, err := h.svc.RetryBilling(context.Background(), id)
	assert.True(t, IsInvalidState(err))
}

func TestCancelAlert(t *testing.T) {
	ctx := context.Background()

	t.Run("active alert", func(t *testing.T) {
		h := newHarness(t, config.NotifyFirst)
		id := h.create(t, "brakes").ID.Hex()

		res, err := h.svc.CancelAlert(ctx, CancelAlertRequest{AlertID: id, ActorID: "D1", Reason: "fixed it myself"})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, res.Alert.Status)
		assert.Nil(t, res.NotificationStatus)
		assert.NoError(t, h.store.snapshot(id).CheckInvariants())
	})

	t.Run("in progress notifies mechanic", func(t *testing.T) {
		h := newHarness(t, config.NotifyFirst)
		id := h.create(t, "brakes").ID.Hex()
		_, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
		require.NoError(t, err)

		res, err := h.svc.CancelAlert(ctx, CancelAlertRequest{AlertID: id, ActorID: "D1"})
		require.NoError(t, err)
		assert.Nil(t, res.Alert.MechanicID)
		require.NotNil(t, res.NotificationStatus)
		assert.True(t, res.NotificationStatus.Success)

		last := h.notifier.sent[len(h.notifier.sent)-1]
		assert.Equal(t, "M1", last.UserID)
		assert.Equal(t, "SOS_ALERT_CANCELLED", last.Data["type"])

		events := h.events.events
		assert.Equal(t, "M1", events[len(events)-1].MechanicID)
	})

	t.Run("terminal alert", func(t *testing.T) {
		h := newHarness(t, config.NotifyFirst)
		id := h.create(t, "brakes").ID.Hex()
		_, err := h.svc.CancelAlert(ctx, CancelAlertRequest{AlertID: id, ActorID: "D1"})
		require.NoError(t, err)

		_, err = h.svc.CancelAlert(ctx, CancelAlertRequest{AlertID: id, ActorID: "D1"})
		assert.True(t, IsInvalidState(err))
		_, err = h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: "M1"})
		assert.True(t, IsConflict(err))
	})
}

// Random operation sequences never break the alert invariants.
func TestAlertInvariants_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		h := newHarness(t, config.NotifyFirst)
		id := h.create(t, "brakes").ID.Hex()

		for step := 0; step < 12; step++ {
			var err error
			switch rng.Intn(4) {
			case 0:
				_, err = h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: id, MechanicID: fmt.Sprintf("M%d", rng.Intn(3))})
			case 1:
				_, err = h.svc.CompleteAlert(ctx, CompleteAlertRequest{AlertID: id, CallDuration: float64(1 + rng.Intn(30))})
			case 2:
				_, err = h.svc.CancelAlert(ctx, CancelAlertRequest{AlertID: id, ActorID: "D1"})
			case 3:
				_, err = h.svc.GetStatus(ctx, id)
			}
			if err != nil {
				kind := KindOf(err)
				require.Contains(t, []Kind{KindConflict, KindInvalidState}, kind, "round %d step %d: %v", round, step, err)
			}

			stored := h.store.snapshot(id)
			require.NoError(t, stored.CheckInvariants(), "round %d step %d", round, step)
			status, err := h.svc.GetStatus(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, stored.Status, status.Status)
			assert.Equal(t, status.MechanicID != nil,
				status.Status == models.StatusInProgress || status.Status == models.StatusCompleted)
		}
	}
}

func TestListActiveForMechanic_UsesMatchedSet(t *testing.T) {
	h := newHarness(t, config.NotifyAll)
	ctx := context.Background()
	h.directory.listing = []models.MechanicSnapshot{
		{UserID: "M1", Status: "active", Specializations: []string{"brakes"}},
		{UserID: "M3", Status: "active", Specializations: []string{"brakes"}},
		{UserID: "M4", Status: "active", Specializations: []string{"engine"}},
	}

	a := h.create(t, "brakes")
	b := h.create(t, "engine")
	accepted := h.create(t, "brakes")
	_, err := h.svc.AcceptAlert(ctx, AcceptAlertRequest{AlertID: accepted.ID.Hex(), MechanicID: "M3"})
	require.NoError(t, err)

	forM1, err := h.svc.ListActiveForMechanic(ctx, "M1")
	require.NoError(t, err)
	require.Len(t, forM1, 1)
	assert.Equal(t, a.ID, forM1[0].ID)

	forM4, err := h.svc.ListActiveForMechanic(ctx, "M4")
	require.NoError(t, err)
	require.Len(t, forM4, 1)
	assert.Equal(t, b.ID, forM4[0].ID)

	_, err = h.svc.ListActiveForMechanic(ctx, "")
	assert.True(t, IsValidation(err))
}

func TestListActive_Enrichment(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()

	h.create(t, "brakes")
	_, err := h.svc.CreateAlert(ctx, CreateAlertRequest{
		DriverID: "ghost", RegistrationNumber: "X", CommunicationMode: "audio", BreakdownDetails: "brakes gone",
	})
	require.NoError(t, err)

	alerts, err := h.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	byDriver := map[string]*models.EnrichedAlert{}
	for _, a := range alerts {
		byDriver[a.DriverID] = a
	}
	require.NotNil(t, byDriver["D1"].Driver)
	assert.Equal(t, "Dana Kim", byDriver["D1"].Driver.Name)
	require.NotNil(t, byDriver["D1"].Vehicle)
	assert.Equal(t, "Toyota", byDriver["D1"].Vehicle.Brand)

	assert.Nil(t, byDriver["ghost"].Driver)
	assert.Nil(t, byDriver["ghost"].Vehicle)
}

func TestListAll(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		h.svc.now = func() time.Time { return at }
		h.create(t, "brakes")
	}

	page, err := h.svc.ListAll(ctx, ListAlertsQuery{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Alerts, 2)
	assert.Equal(t, base.Add(2*time.Hour), page.Alerts[0].CreatedAt)

	from := base.Add(3 * time.Hour)
	page, err = h.svc.ListAll(ctx, ListAlertsQuery{From: &from, Status: models.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, 10, page.Limit)

	page, err = h.svc.ListAll(ctx, ListAlertsQuery{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, page.Limit)

	_, err = h.svc.ListAll(ctx, ListAlertsQuery{Status: "lost"})
	assert.True(t, IsValidation(err))

	to := base
	_, err = h.svc.ListAll(ctx, ListAlertsQuery{From: &from, To: &to})
	assert.True(t, IsValidation(err))
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, config.NotifyFirst)
	id := h.create(t, "brakes").ID.Hex()

	status, err := h.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, status.Status)
	assert.Nil(t, status.MechanicID)

	_, err = h.svc.GetStatus(context.Background(), "65f000000000000000000000")
	assert.True(t, IsNotFound(err))
}
