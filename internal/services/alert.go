package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"roadside-backend/internal/clients"
	"roadside-backend/internal/config"
	"roadside-backend/internal/models"
	"roadside-backend/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// AlertStore is the durable alert record. *repository.AlertRepository implements it.
type AlertStore interface {
	Create(ctx context.Context, alert *models.Alert) (*models.Alert, error)
	FindByID(ctx context.Context, id string) (*models.Alert, error)
	SetMatchedMechanics(ctx context.Context, id string, mechanicIDs []string) error
	Claim(ctx context.Context, id, mechanicID string, now time.Time) (*models.Alert, error)
	Complete(ctx context.Context, id string, callDuration float64, charges decimal.Decimal, now time.Time) (*models.Alert, error)
	Cancel(ctx context.Context, id, actorID, reason string, now time.Time) (*models.Alert, *string, error)
	SetCommunicationRef(ctx context.Context, id, ref string) error
	MarkBilled(ctx context.Context, id, billRef string, now time.Time) error
	FindActive(ctx context.Context) ([]*models.Alert, error)
	FindActiveForMechanic(ctx context.Context, mechanicID string) ([]*models.Alert, error)
	List(ctx context.Context, filter models.AlertFilter, page, limit int) ([]*models.Alert, int64, error)
	FindUnbilledCompleted(ctx context.Context, cutoff time.Time, limit int) ([]*models.Alert, error)
}

type Notifier interface {
	Notify(ctx context.Context, msg clients.Notification) error
}

type Provisioner interface {
	Provision(ctx context.Context, req clients.ProvisionRequest) (string, error)
}

// BillingEmitter must be idempotent per alert id.
type BillingEmitter interface {
	Emit(ctx context.Context, bill clients.Bill) (string, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event models.AlertEvent) error
}

// Metrics receives dispatch counters. pkg/metrics.Dispatch implements it.
type Metrics interface {
	AlertCreated()
	AcceptOutcome(outcome string)
	AlertCompleted(charges float64)
	AlertCancelled()
	EligibleMechanics(n int)
	DownstreamFailure(collaborator string)
}

const (
	collabDirectory     = "directory"
	collabNotifier      = "notifier"
	collabProvisioner   = "provisioner"
	collabBilling       = "billing"
	collabStore         = "alert-store"
	maxListLimit        = 100
	defaultListLimit    = 10
	enrichmentWorkers   = 8
	notificationWorkers = 8
)

var validate = validator.New()

type CreateAlertRequest struct {
	DriverID                string   `json:"driverId" validate:"required"`
	RegistrationNumber      string   `json:"registrationNumber" validate:"required"`
	CommunicationMode       string   `json:"communicationMode" validate:"required,oneof=audio video"`
	BreakdownDetails        string   `json:"breakdownDetails" validate:"required,max=2000"`
	RequiredSpecializations []string `json:"requiredSpecializations,omitempty" validate:"omitempty,dive,max=64"`
}

type AcceptAlertRequest struct {
	AlertID    string `json:"alertId" validate:"required"`
	MechanicID string `json:"mechanicId" validate:"required"`
}

type CompleteAlertRequest struct {
	AlertID      string  `json:"alertId" validate:"required"`
	CallDuration float64 `json:"callDuration" validate:"required,gt=0"`
}

type CancelAlertRequest struct {
	AlertID string `json:"-" validate:"required"`
	ActorID string `json:"-" validate:"required"`
	Reason  string `json:"reason" validate:"max=500"`
}

type ListAlertsQuery struct {
	Status models.AlertStatus
	From   *time.Time
	To     *time.Time
	Page   int
	Limit  int
}

type NotificationStatus struct {
	Success            bool   `json:"success"`
	Message            string `json:"message"`
	AvailableMechanics int    `json:"availableMechanics"`
	NotifiedMechanics  int    `json:"notifiedMechanics"`
	Error              string `json:"error,omitempty"`
}

type CommunicationStatus struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	SessionRef string `json:"sessionRef,omitempty"`
	Error      string `json:"error,omitempty"`
}

type BillingStatus struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	BillRef string `json:"billRef,omitempty"`
	Error   string `json:"error,omitempty"`
}

type CreateAlertResult struct {
	Alert              *models.Alert      `json:"alert"`
	NotificationStatus NotificationStatus `json:"notificationStatus"`
}

type AcceptAlertResult struct {
	Alert               *models.Alert       `json:"alert"`
	CommunicationStatus CommunicationStatus `json:"communicationStatus"`
}

type CompleteAlertResult struct {
	Alert         *models.Alert `json:"alert"`
	BillingStatus BillingStatus `json:"billingStatus"`
}

type CancelAlertResult struct {
	Alert              *models.Alert       `json:"alert"`
	NotificationStatus *NotificationStatus `json:"notificationStatus,omitempty"`
}

type AlertStatusView struct {
	AlertID    string             `json:"alertId"`
	Status     models.AlertStatus `json:"status"`
	MechanicID *string            `json:"mechanicId"`
}

type AlertPage struct {
	Alerts []*models.Alert
	Total  int64
	Page   int
	Limit  int
	Pages  int
}

type DispatchDeps struct {
	Alerts      AlertStore
	Matcher     *Matcher
	Profiles    Directory // may be cached; used for enrichment and contact lookup
	Notifier    Notifier
	Provisioner Provisioner
	Billing     BillingEmitter
	Events      EventPublisher
	Metrics     Metrics
}

// profileInvalidator is implemented by directories that cache profiles.
type profileInvalidator interface {
	Invalidate(ctx context.Context, userIDs ...string) error
}

type DispatchOptions struct {
	Pricing             Pricing
	NotifyPolicy        string
	CollaboratorTimeout time.Duration
}

// DispatchService drives alerts through their lifecycle. The alert store is
// the only synchronous dependency; every collaborator call is best-effort.
type DispatchService struct {
	alerts      AlertStore
	matcher     *Matcher
	profiles    Directory
	notifier    Notifier
	provisioner Provisioner
	billing     BillingEmitter
	events      EventPublisher
	metrics     Metrics

	pricing Pricing
	policy  string
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func NewDispatchService(deps DispatchDeps, opts DispatchOptions, log zerolog.Logger) *DispatchService {
	s := &DispatchService{
		alerts:      deps.Alerts,
		matcher:     deps.Matcher,
		profiles:    deps.Profiles,
		notifier:    deps.Notifier,
		provisioner: deps.Provisioner,
		billing:     deps.Billing,
		events:      deps.Events,
		metrics:     deps.Metrics,
		pricing:     opts.Pricing,
		policy:      opts.NotifyPolicy,
		timeout:     opts.CollaboratorTimeout,
		now:         time.Now,
		log:         log,
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.policy == "" {
		s.policy = config.NotifyFirst
	}
	if s.timeout <= 0 {
		s.timeout = 8 * time.Second
	}
	if s.pricing.BaseRatePerMinute.IsZero() {
		s.pricing = DefaultPricing()
	}
	return s
}

// CreateAlert persists a new active alert, then matches and notifies
// mechanics. Only the write can fail the call.
func (s *DispatchService) CreateAlert(ctx context.Context, req CreateAlertRequest) (*CreateAlertResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest("alert", err)
	}

	required := NormalizeSpecializations(req.RequiredSpecializations)
	if len(required) == 0 {
		required = Tokenize(req.BreakdownDetails)
	}
	if len(required) == 0 {
		return nil, validationError("breakdown details must describe the problem in words of at least %d characters", minTokenLength)
	}

	alert := &models.Alert{
		DriverID:                req.DriverID,
		RegistrationNumber:      req.RegistrationNumber,
		CommunicationMode:       models.CommunicationMode(req.CommunicationMode),
		BreakdownDetails:        req.BreakdownDetails,
		RequiredSpecializations: required,
		MatchedMechanicIDs:      []string{},
		Status:                  models.StatusActive,
		CreatedAt:               s.clock(),
	}

	// Critical: the record must exist before any side effect runs.
	created, err := s.alerts.Create(ctx, alert)
	if err != nil {
		return nil, unavailableError("failed to persist alert", err)
	}
	s.metrics.AlertCreated()
	s.publish(ctx, models.EventAlertCreated, created)

	log := s.log.With().Str("alert_id", created.ID.Hex()).Logger()
	log.Info().Strs("required", required).Msg("alert created")

	// Best-effort: matching and notification never fail creation.
	status := s.dispatch(ctx, created, log)
	return &CreateAlertResult{Alert: created, NotificationStatus: status}, nil
}

func (s *DispatchService) dispatch(ctx context.Context, alert *models.Alert, log zerolog.Logger) NotificationStatus {
	dctx, cancel := s.detached(ctx)
	defer cancel()

	matched := s.match(dctx, alert.RequiredSpecializations)
	if !matched.OK() {
		s.reportDownstream(log, matched.Err)
		return NotificationStatus{
			Message: "Alert created but mechanics could not be looked up",
			Error:   matched.Err.Error(),
		}
	}

	ids := matched.Value
	s.metrics.EligibleMechanics(len(ids))
	if len(ids) > 0 {
		if err := s.alerts.SetMatchedMechanics(dctx, alert.ID.Hex(), ids); err != nil {
			s.reportDownstream(log, &DownstreamError{Collaborator: collabStore, Operation: "record matches", Err: err})
		} else {
			alert.MatchedMechanicIDs = ids
			s.publish(ctx, models.EventAlertMatched, alert)
		}
	}

	if len(ids) == 0 {
		return NotificationStatus{Message: "No available mechanics match this breakdown"}
	}

	targets := ids
	if s.policy == config.NotifyFirst {
		targets = ids[:1]
	}

	outcomes := s.notifyAll(dctx, targets, newAlertNotification(alert))
	status := NotificationStatus{AvailableMechanics: len(ids)}
	var lastErr *DownstreamError
	for _, o := range outcomes {
		if o.OK() {
			status.NotifiedMechanics++
			continue
		}
		lastErr = o.Err
		s.reportDownstream(log, o.Err)
	}

	status.Success = status.NotifiedMechanics > 0
	status.Message = fmt.Sprintf("Notified %d of %d available mechanics", status.NotifiedMechanics, len(ids))
	if lastErr != nil {
		status.Error = lastErr.Error()
	}
	return status
}

func (s *DispatchService) match(ctx context.Context, required []string) Outcome[[]string] {
	ids, err := s.matcher.Match(ctx, required)
	if err != nil {
		return degraded[[]string](collabDirectory, "list mechanics", err)
	}
	return succeeded(ids)
}

// notifyAll sends template to each recipient concurrently. Outcomes keep recipient order.
func (s *DispatchService) notifyAll(ctx context.Context, recipients []string, template clients.Notification) []Outcome[string] {
	outcomes := make([]Outcome[string], len(recipients))
	var g errgroup.Group
	g.SetLimit(notificationWorkers)
	for i, userID := range recipients {
		i, userID := i, userID
		g.Go(func() error {
			msg := template
			msg.UserID = userID
			if err := s.notifier.Notify(ctx, msg); err != nil {
				outcomes[i] = degraded[string](collabNotifier, "notify "+userID, err)
				return nil
			}
			outcomes[i] = succeeded(userID)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// AcceptAlert claims an active alert for a mechanic. Exactly one concurrent
// caller wins; the rest get a conflict.
func (s *DispatchService) AcceptAlert(ctx context.Context, req AcceptAlertRequest) (*AcceptAlertResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest("accept", err)
	}

	alert, err := s.alerts.Claim(ctx, req.AlertID, req.MechanicID, s.clock())
	if err != nil {
		var se *repository.StateError
		if errors.As(err, &se) {
			s.metrics.AcceptOutcome("conflict")
			return nil, conflictError("alert %s is not active (current status: %s)", req.AlertID, se.Current)
		}
		s.metrics.AcceptOutcome("error")
		return nil, s.storeError(req.AlertID, err)
	}
	s.metrics.AcceptOutcome("won")
	s.publish(ctx, models.EventAlertAccepted, alert)

	log := s.log.With().Str("alert_id", req.AlertID).Str("mechanic_id", req.MechanicID).Logger()
	log.Info().Msg("alert accepted")

	// Best-effort: a failed session leaves the alert in_progress; the
	// mechanic can retry through RetryCommunication.
	return &AcceptAlertResult{Alert: alert, CommunicationStatus: s.provisionSession(ctx, alert, log)}, nil
}

// RetryCommunication re-runs session provisioning for an in_progress alert.
func (s *DispatchService) RetryCommunication(ctx context.Context, alertID string) (*AcceptAlertResult, error) {
	alert, err := s.alerts.FindByID(ctx, alertID)
	if err != nil {
		return nil, s.storeError(alertID, err)
	}
	if alert.Status != models.StatusInProgress {
		return nil, invalidStateError("alert %s must be in_progress to start a session (current status: %s)", alertID, alert.Status)
	}

	log := s.log.With().Str("alert_id", alertID).Logger()

	// A retry re-reads contact details in case a cached phone number is stale.
	if inv, ok := s.profiles.(profileInvalidator); ok && alert.MechanicID != nil {
		if err := inv.Invalidate(ctx, alert.DriverID, *alert.MechanicID); err != nil {
			log.Warn().Err(err).Msg("failed to drop cached contact profiles")
		}
	}
	return &AcceptAlertResult{Alert: alert, CommunicationStatus: s.provisionSession(ctx, alert, log)}, nil
}

func (s *DispatchService) provisionSession(ctx context.Context, alert *models.Alert, log zerolog.Logger) CommunicationStatus {
	dctx, cancel := s.detached(ctx)
	defer cancel()

	session := s.provision(dctx, alert)
	if !session.OK() {
		s.reportDownstream(log, session.Err)
		return CommunicationStatus{
			Message: "Alert accepted but the communication session could not be started",
			Error:   session.Err.Error(),
		}
	}

	if err := s.alerts.SetCommunicationRef(dctx, alert.ID.Hex(), session.Value); err != nil {
		s.reportDownstream(log, &DownstreamError{Collaborator: collabStore, Operation: "record session", Err: err})
	} else {
		alert.CommunicationRef = session.Value
	}
	return CommunicationStatus{Success: true, Message: "Communication session started", SessionRef: session.Value}
}

func (s *DispatchService) provision(ctx context.Context, alert *models.Alert) Outcome[string] {
	if alert.MechanicID == nil {
		return degraded[string](collabProvisioner, "provision", errors.New("alert has no mechanic"))
	}

	var driver, mechanic models.Profile
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		driver, err = s.profiles.GetProfile(gctx, alert.DriverID)
		return err
	})
	g.Go(func() (err error) {
		mechanic, err = s.profiles.GetProfile(gctx, *alert.MechanicID)
		return err
	})
	if err := g.Wait(); err != nil {
		return degraded[string](collabDirectory, "fetch contacts", err)
	}

	ref, err := s.provisioner.Provision(ctx, clients.ProvisionRequest{
		AlertID:  alert.ID.Hex(),
		Driver:   clients.Party{UserID: alert.DriverID, PhoneNumber: driver.Base().PhoneNumber},
		Mechanic: clients.Party{UserID: *alert.MechanicID, PhoneNumber: mechanic.Base().PhoneNumber},
		Mode:     string(alert.CommunicationMode),
	})
	if err != nil {
		return degraded[string](collabProvisioner, "provision", err)
	}
	return succeeded(ref)
}

// CompleteAlert finalizes an in_progress alert and hands it to billing.
func (s *DispatchService) CompleteAlert(ctx context.Context, req CompleteAlertRequest) (*CompleteAlertResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest("complete", err)
	}
	if math.IsNaN(req.CallDuration) || math.IsInf(req.CallDuration, 0) {
		return nil, validationError("callDuration must be a finite number of minutes")
	}

	charges := s.pricing.Charges(req.CallDuration)
	alert, err := s.alerts.Complete(ctx, req.AlertID, req.CallDuration, charges, s.clock())
	if err != nil {
		var se *repository.StateError
		if errors.As(err, &se) {
			return nil, invalidStateError("alert %s must be in_progress to complete (current status: %s)", req.AlertID, se.Current)
		}
		return nil, s.storeError(req.AlertID, err)
	}
	s.metrics.AlertCompleted(charges.InexactFloat64())
	s.publish(ctx, models.EventAlertCompleted, alert)

	log := s.log.With().Str("alert_id", req.AlertID).Logger()
	log.Info().Str("charges", charges.StringFixed(2)).Msg("alert completed")

	// Best-effort: billing is regenerated by RetryBilling or the reconciler.
	return &CompleteAlertResult{Alert: alert, BillingStatus: s.bill(ctx, alert, log)}, nil
}

// RetryBilling re-emits the bill for a completed alert. Emission is
// idempotent per alert, so repeating it never double-invoices.
func (s *DispatchService) RetryBilling(ctx context.Context, alertID string) (*CompleteAlertResult, error) {
	alert, err := s.alerts.FindByID(ctx, alertID)
	if err != nil {
		return nil, s.storeError(alertID, err)
	}
	if alert.Status != models.StatusCompleted {
		return nil, invalidStateError("alert %s must be completed to bill (current status: %s)", alertID, alert.Status)
	}

	log := s.log.With().Str("alert_id", alertID).Logger()
	return &CompleteAlertResult{Alert: alert, BillingStatus: s.bill(ctx, alert, log)}, nil
}

// ReconcileBilling bills completed alerts that are still unbilled after
// grace. It returns how many were billed.
func (s *DispatchService) ReconcileBilling(ctx context.Context, grace time.Duration, batch int) (int, error) {
	pending, err := s.alerts.FindUnbilledCompleted(ctx, s.clock().Add(-grace), batch)
	if err != nil {
		return 0, unavailableError("failed to load unbilled alerts", err)
	}

	billed := 0
	for _, alert := range pending {
		if ctx.Err() != nil {
			break
		}
		log := s.log.With().Str("alert_id", alert.ID.Hex()).Logger()
		if s.bill(ctx, alert, log).Success {
			billed++
		}
	}
	return billed, ctx.Err()
}

func (s *DispatchService) bill(ctx context.Context, alert *models.Alert, log zerolog.Logger) BillingStatus {
	dctx, cancel := s.detached(ctx)
	defer cancel()

	emitted := s.emitBill(dctx, alert)
	if !emitted.OK() {
		s.reportDownstream(log, emitted.Err)
		return BillingStatus{Message: "Alert completed but billing failed; it will be retried", Error: emitted.Err.Error()}
	}

	now := s.clock()
	if err := s.alerts.MarkBilled(dctx, alert.ID.Hex(), emitted.Value, now); err != nil {
		s.reportDownstream(log, &DownstreamError{Collaborator: collabStore, Operation: "record bill", Err: err})
	} else {
		alert.BillRef = emitted.Value
		alert.BilledAt = &now
	}
	return BillingStatus{Success: true, Message: "Bill generated", BillRef: emitted.Value}
}

func (s *DispatchService) emitBill(ctx context.Context, alert *models.Alert) Outcome[string] {
	if alert.MechanicID == nil || alert.Charges == nil || alert.CallDuration == nil {
		return degraded[string](collabBilling, "emit", errors.New("alert is missing completion fields"))
	}
	ref, err := s.billing.Emit(ctx, clients.Bill{
		AlertID:      alert.ID.Hex(),
		DriverID:     alert.DriverID,
		MechanicID:   *alert.MechanicID,
		CallDuration: *alert.CallDuration,
		Amount:       *alert.Charges,
	})
	if err != nil {
		return degraded[string](collabBilling, "emit", err)
	}
	return succeeded(ref)
}

// CancelAlert aborts an active or in_progress alert. An assigned mechanic
// is told best-effort.
func (s *DispatchService) CancelAlert(ctx context.Context, req CancelAlertRequest) (*CancelAlertResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest("cancel", err)
	}

	alert, previous, err := s.alerts.Cancel(ctx, req.AlertID, req.ActorID, req.Reason, s.clock())
	if err != nil {
		var se *repository.StateError
		if errors.As(err, &se) {
			return nil, invalidStateError("alert %s can no longer be cancelled (current status: %s)", req.AlertID, se.Current)
		}
		return nil, s.storeError(req.AlertID, err)
	}
	s.metrics.AlertCancelled()

	ev := models.EventFor(models.EventAlertCancelled, alert, s.clock())
	if previous != nil {
		ev.MechanicID = *previous
	}
	s.emit(ctx, ev)

	result := &CancelAlertResult{Alert: alert}
	if previous == nil {
		return result, nil
	}

	dctx, cancel := s.detached(ctx)
	defer cancel()

	// Best-effort: the cancellation already stands.
	log := s.log.With().Str("alert_id", req.AlertID).Logger()
	outcome := s.notifyAll(dctx, []string{*previous}, clients.Notification{
		Title: "SOS Alert Cancelled",
		Body:  "The breakdown alert you accepted was cancelled",
		Data:  map[string]string{"type": "SOS_ALERT_CANCELLED", "alertId": req.AlertID, "reason": req.Reason},
	})[0]
	status := &NotificationStatus{AvailableMechanics: 1, Success: outcome.OK(), Message: "Assigned mechanic notified"}
	if outcome.OK() {
		status.NotifiedMechanics = 1
	} else {
		s.reportDownstream(log, outcome.Err)
		status.Message = "Assigned mechanic could not be notified"
		status.Error = outcome.Err.Error()
	}
	result.NotificationStatus = status
	return result, nil
}

func (s *DispatchService) GetStatus(ctx context.Context, alertID string) (*AlertStatusView, error) {
	alert, err := s.alerts.FindByID(ctx, alertID)
	if err != nil {
		return nil, s.storeError(alertID, err)
	}
	return &AlertStatusView{AlertID: alertID, Status: alert.Status, MechanicID: alert.MechanicID}, nil
}

func (s *DispatchService) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	alert, err := s.alerts.FindByID(ctx, alertID)
	if err != nil {
		return nil, s.storeError(alertID, err)
	}
	return alert, nil
}

// ListActive returns all active alerts, newest first, with driver details when available.
func (s *DispatchService) ListActive(ctx context.Context) ([]*models.EnrichedAlert, error) {
	alerts, err := s.alerts.FindActive(ctx)
	if err != nil {
		return nil, unavailableError("failed to list active alerts", err)
	}
	return s.enrich(ctx, alerts), nil
}

// ListActiveForMechanic returns active alerts the mechanic was matched to.
func (s *DispatchService) ListActiveForMechanic(ctx context.Context, mechanicID string) ([]*models.EnrichedAlert, error) {
	if mechanicID == "" {
		return nil, validationError("mechanicId is required")
	}
	alerts, err := s.alerts.FindActiveForMechanic(ctx, mechanicID)
	if err != nil {
		return nil, unavailableError("failed to list alerts for mechanic", err)
	}
	return s.enrich(ctx, alerts), nil
}

func (s *DispatchService) ListAll(ctx context.Context, q ListAlertsQuery) (*AlertPage, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, validationError("unknown status %q", q.Status)
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, validationError("from must not be after to")
	}
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.Limit < 1:
		q.Limit = defaultListLimit
	case q.Limit > maxListLimit:
		q.Limit = maxListLimit
	}

	alerts, total, err := s.alerts.List(ctx, models.AlertFilter{Status: q.Status, From: q.From, To: q.To}, q.Page, q.Limit)
	if err != nil {
		return nil, unavailableError("failed to list alerts", err)
	}
	return &AlertPage{
		Alerts: alerts,
		Total:  total,
		Page:   q.Page,
		Limit:  q.Limit,
		Pages:  int((total + int64(q.Limit) - 1) / int64(q.Limit)),
	}, nil
}

// enrich attaches driver and vehicle details. Lookup failures leave them nil.
func (s *DispatchService) enrich(ctx context.Context, alerts []*models.Alert) []*models.EnrichedAlert {
	out := make([]*models.EnrichedAlert, len(alerts))
	var g errgroup.Group
	g.SetLimit(enrichmentWorkers)
	for i, a := range alerts {
		i, a := i, a
		out[i] = &models.EnrichedAlert{Alert: a}
		if s.profiles == nil {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			p, err := s.profiles.GetProfile(pctx, a.DriverID)
			if err != nil {
				s.log.Debug().Err(err).Str("alert_id", a.ID.Hex()).Msg("driver enrichment skipped")
				return nil
			}
			base := p.Base()
			out[i].Driver = &models.DriverSummary{
				UserID:      base.UserID,
				Name:        base.FullName(),
				PhoneNumber: base.PhoneNumber,
				Email:       base.Email,
			}
			if d, ok := p.(*models.DriverProfile); ok {
				out[i].Vehicle = d.VehicleByRegistration(a.RegistrationNumber)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// storeError maps repository failures that are not state conflicts.
func (s *DispatchService) storeError(alertID string, err error) error {
	switch {
	case errors.Is(err, repository.ErrInvalidID):
		return validationError("invalid alert id %q", alertID)
	case errors.Is(err, repository.ErrNotFound):
		return notFoundError("alert %s not found", alertID)
	default:
		return unavailableError("alert store unavailable", err)
	}
}

// detached returns a context that outlives the caller's cancellation but is
// bounded by the collaborator timeout.
func (s *DispatchService) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func (s *DispatchService) publish(ctx context.Context, t models.AlertEventType, alert *models.Alert) {
	s.emit(ctx, models.EventFor(t, alert, s.clock()))
}

func (s *DispatchService) emit(ctx context.Context, ev models.AlertEvent) {
	pctx, cancel := s.detached(ctx)
	defer cancel()
	if err := s.events.Publish(pctx, ev); err != nil {
		s.log.Warn().Err(err).Str("alert_id", ev.AlertID).Str("event", string(ev.Type)).Msg("failed to publish alert event")
	}
}

func (s *DispatchService) reportDownstream(log zerolog.Logger, err *DownstreamError) {
	s.metrics.DownstreamFailure(err.Collaborator)
	log.Warn().Str("collaborator", err.Collaborator).Str("operation", err.Operation).Err(err.Err).Msg("best-effort call failed")
}

// clock returns the current time at the store's millisecond precision.
func (s *DispatchService) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func newAlertNotification(alert *models.Alert) clients.Notification {
	return clients.Notification{
		Title: "New SOS Alert",
		Body:  "New breakdown alert: " + alert.BreakdownDetails,
		Data: map[string]string{
			"type":               "SOS_ALERT",
			"alertId":            alert.ID.Hex(),
			"breakdownDetails":   alert.BreakdownDetails,
			"registrationNumber": alert.RegistrationNumber,
			"communicationMode":  string(alert.CommunicationMode),
		},
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.AlertEvent) error { return nil }

type nopMetrics struct{}

func (nopMetrics) AlertCreated()            {}
func (nopMetrics) AcceptOutcome(string)     {}
func (nopMetrics) AlertCompleted(float64)   {}
func (nopMetrics) AlertCancelled()          {}
func (nopMetrics) EligibleMechanics(int)    {}
func (nopMetrics) DownstreamFailure(string) {}
