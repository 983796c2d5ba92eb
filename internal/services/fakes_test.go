package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"roadside-backend/internal/clients"
	"roadside-backend/internal/models"
	"roadside-backend/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// memoryStore mirrors the repository's conditional-update semantics in memory.
type memoryStore struct {
	mu     sync.Mutex
	alerts map[string]*models.Alert
	fail   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{alerts: map[string]*models.Alert{}}
}

func cloneAlert(a *models.Alert) *models.Alert {
	c := *a
	c.RequiredSpecializations = append([]string(nil), a.RequiredSpecializations...)
	c.MatchedMechanicIDs = append([]string{}, a.MatchedMechanicIDs...)
	if a.MechanicID != nil {
		id := *a.MechanicID
		c.MechanicID = &id
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	c.AcceptedAt = copyTime(a.AcceptedAt)
	c.CompletedAt = copyTime(a.CompletedAt)
	c.CancelledAt = copyTime(a.CancelledAt)
	c.BilledAt = copyTime(a.BilledAt)
	if a.CallDuration != nil {
		d := *a.CallDuration
		c.CallDuration = &d
	}
	if a.Charges != nil {
		ch := *a.Charges
		c.Charges = &ch
	}
	return &c
}

func (m *memoryStore) lookup(id string) (*models.Alert, error) {
	if _, err := primitive.ObjectIDFromHex(id); err != nil {
		return nil, repository.ErrInvalidID
	}
	a, ok := m.alerts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (m *memoryStore) snapshot(id string) *models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAlert(m.alerts[id])
}

func (m *memoryStore) Create(_ context.Context, alert *models.Alert) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	if alert.ID.IsZero() {
		alert.ID = primitive.NewObjectID()
	}
	m.alerts[alert.ID.Hex()] = cloneAlert(alert)
	return alert, nil
}

func (m *memoryStore) FindByID(_ context.Context, id string) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneAlert(a), nil
}

func (m *memoryStore) SetMatchedMechanics(_ context.Context, id string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	a.MatchedMechanicIDs = append([]string{}, ids...)
	return nil
}

func (m *memoryStore) Claim(_ context.Context, id, mechanicID string, now time.Time) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.StatusActive {
		return nil, &repository.StateError{ID: id, Current: a.Status}
	}
	a.Status = models.StatusInProgress
	a.MechanicID = &mechanicID
	at := laterOf(a.CreatedAt, now)
	a.AcceptedAt = &at
	return cloneAlert(a), nil
}

func (m *memoryStore) Complete(_ context.Context, id string, callDuration float64, charges decimal.Decimal, now time.Time) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.StatusInProgress {
		return nil, &repository.StateError{ID: id, Current: a.Status}
	}
	a.Status = models.StatusCompleted
	at := laterOf(*a.AcceptedAt, now)
	a.CompletedAt = &at
	a.CallDuration = &callDuration
	a.Charges = &charges
	return cloneAlert(a), nil
}

func (m *memoryStore) Cancel(_ context.Context, id, actorID, reason string, now time.Time) (*models.Alert, *string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	if a.Status.IsTerminal() {
		return nil, nil, &repository.StateError{ID: id, Current: a.Status}
	}
	previous := a.MechanicID
	a.Status = models.StatusCancelled
	a.MechanicID = nil
	a.AcceptedAt = nil
	a.CancelledAt = &now
	a.CancelledBy = actorID
	a.CancellationReason = reason
	return cloneAlert(a), previous, nil
}

func (m *memoryStore) SetCommunicationRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	a.CommunicationRef = ref
	return nil
}

func (m *memoryStore) MarkBilled(_ context.Context, id, billRef string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if a.Status != models.StatusCompleted {
		return repository.ErrNotFound
	}
	a.BillRef = billRef
	a.BilledAt = &now
	return nil
}

func (m *memoryStore) filter(keep func(*models.Alert) bool) []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Alert{}
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memoryStore) FindActive(context.Context) ([]*models.Alert, error) {
	return m.filter(func(a *models.Alert) bool { return a.Status == models.StatusActive }), nil
}

func (m *memoryStore) FindActiveForMechanic(_ context.Context, mechanicID string) ([]*models.Alert, error) {
	return m.filter(func(a *models.Alert) bool {
		return a.Status == models.StatusActive && a.HasMatched(mechanicID)
	}), nil
}

func (m *memoryStore) List(_ context.Context, f models.AlertFilter, page, limit int) ([]*models.Alert, int64, error) {
	all := m.filter(func(a *models.Alert) bool {
		if f.Status != "" && a.Status != f.Status {
			return false
		}
		if f.From != nil && a.CreatedAt.Before(*f.From) {
			return false
		}
		if f.To != nil && a.CreatedAt.After(*f.To) {
			return false
		}
		return true
	})
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := min(start+limit, len(all))
	return all[start:end], int64(len(all)), nil
}

func (m *memoryStore) FindUnbilledCompleted(_ context.Context, cutoff time.Time, limit int) ([]*models.Alert, error) {
	out := m.filter(func(a *models.Alert) bool {
		return a.Status == models.StatusCompleted && a.BillRef == "" && !a.CompletedAt.After(cutoff)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// fakeDirectory serves a fixed listing and profile set.
type fakeDirectory struct {
	listing  []models.MechanicSnapshot
	profiles map[string]models.Profile
	listErr  error
	failing  map[string]bool

	mu      sync.Mutex
	fetched []string
}

func (d *fakeDirectory) ListMechanics(context.Context) ([]models.MechanicSnapshot, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	return d.listing, nil
}

func (d *fakeDirectory) GetProfile(_ context.Context, userID string) (models.Profile, error) {
	d.mu.Lock()
	d.fetched = append(d.fetched, userID)
	d.mu.Unlock()
	if d.failing[userID] {
		return nil, errors.New("profile service timeout")
	}
	p, ok := d.profiles[userID]
	if !ok {
		return nil, clients.ErrProfileNotFound
	}
	return p, nil
}

func mechanic(id, status, phone string, specs ...string) *models.MechanicProfile {
	return &models.MechanicProfile{
		ProfileBase:     models.ProfileBase{UserID: id, Role: models.RoleMechanic, Status: status, PhoneNumber: phone},
		Specializations: specs,
	}
}

func driver(id, phone string, vehicles ...models.Vehicle) *models.DriverProfile {
	return &models.DriverProfile{
		ProfileBase: models.ProfileBase{UserID: id, Role: models.RoleDriver, FirstName: "Dana", LastName: "Kim", PhoneNumber: phone},
		Vehicles:    vehicles,
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []clients.Notification
	fail map[string]bool
}

func (n *recordingNotifier) Notify(_ context.Context, msg clients.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[msg.UserID] {
		return errors.New("push gateway rejected")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, len(n.sent))
	for i, m := range n.sent {
		ids[i] = m.UserID
	}
	return ids
}

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) Provision(ctx context.Context, req clients.ProvisionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// dedupBilling models the payment service: one bill per alert id.
type dedupBilling struct {
	mu    sync.Mutex
	bills map[string]clients.Bill
	calls int
	err   error
}

func newDedupBilling() *dedupBilling {
	return &dedupBilling{bills: map[string]clients.Bill{}}
}

func (b *dedupBilling) Emit(_ context.Context, bill clients.Bill) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return "", b.err
	}
	if _, exists := b.bills[bill.AlertID]; !exists {
		b.bills[bill.AlertID] = bill
	}
	return "bill-" + bill.AlertID, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []models.AlertEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.AlertEventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}
