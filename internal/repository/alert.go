package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roadside-backend/internal/models"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrNotFound  = errors.New("alert not found")
	ErrInvalidID = errors.New("invalid alert ID")
)

// StateError is returned when a conditional transition matched no document
// because the alert exists but is in a different status.
type StateError struct {
	ID      string
	Current models.AlertStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("alert %s is %s", e.ID, e.Current)
}

type AlertRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func NewAlertRepository(db *mongo.Database) *AlertRepository {
	return &AlertRepository{
		collection: db.Collection("alerts"),
		timeout:    10 * time.Second,
	}
}

func (r *AlertRepository) Create(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if alert.ID.IsZero() {
		alert.ID = primitive.NewObjectID()
	}
	if alert.MatchedMechanicIDs == nil {
		alert.MatchedMechanicIDs = []string{}
	}

	if _, err := r.collection.InsertOne(ctx, alert); err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

func (r *AlertRepository) FindByID(ctx context.Context, id string) (*models.Alert, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var alert models.Alert
	err = r.collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&alert)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &alert, nil
}

// SetMatchedMechanics records the eligible set computed at dispatch time.
func (r *AlertRepository) SetMatchedMechanics(ctx context.Context, id string, mechanicIDs []string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrInvalidID
	}
	if mechanicIDs == nil {
		mechanicIDs = []string{}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": objectID},
		bson.M{"$set": bson.M{"matched_mechanic_ids": mechanicIDs}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Claim moves an active alert to in_progress for mechanicID in a single
// conditional update. Exactly one concurrent caller can match status=active.
func (r *AlertRepository) Claim(ctx context.Context, id, mechanicID string, now time.Time) (*models.Alert, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidID
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "status", Value: models.StatusInProgress},
			{Key: "mechanic_id", Value: bson.D{{Key: "$literal", Value: mechanicID}}},
			// never earlier than created_at, even with clock skew between instances
			{Key: "accepted_at", Value: bson.D{{Key: "$max", Value: bson.A{"$created_at", now}}}},
		}}},
	}

	return r.transition(ctx, objectID, bson.M{"_id": objectID, "status": models.StatusActive}, update)
}

// Complete finalizes an in_progress alert.
func (r *AlertRepository) Complete(ctx context.Context, id string, callDuration float64, charges decimal.Decimal, now time.Time) (*models.Alert, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidID
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "status", Value: models.StatusCompleted},
			{Key: "completed_at", Value: bson.D{{Key: "$max", Value: bson.A{"$accepted_at", now}}}},
			{Key: "call_duration", Value: callDuration},
			{Key: "charges", Value: charges},
		}}},
	}

	return r.transition(ctx, objectID, bson.M{"_id": objectID, "status": models.StatusInProgress}, update)
}

// Cancel aborts an active or in_progress alert. The returned alert reflects
// the post-update state; previousMechanic is the mechanic that had claimed it, if any.
func (r *AlertRepository) Cancel(ctx context.Context, id, actorID, reason string, now time.Time) (alert *models.Alert, previousMechanic *string, err error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil, ErrInvalidID
	}

	filter := bson.M{
		"_id":    objectID,
		"status": bson.M{"$in": bson.A{models.StatusActive, models.StatusInProgress}},
	}
	set := bson.M{
		"status":       models.StatusCancelled,
		"cancelled_at": now,
		"cancelled_by": actorID,
	}
	if reason != "" {
		set["cancellation_reason"] = reason
	}
	update := bson.M{
		"$set":   set,
		"$unset": bson.M{"mechanic_id": "", "accepted_at": ""},
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var before models.Alert
	err = r.collection.FindOneAndUpdate(opCtx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil, r.classify(ctx, id)
		}
		return nil, nil, err
	}

	after := before
	after.Status = models.StatusCancelled
	after.MechanicID = nil
	after.AcceptedAt = nil
	after.CancelledAt = &now
	after.CancelledBy = actorID
	after.CancellationReason = reason
	return &after, before.MechanicID, nil
}

// SetCommunicationRef stores the session reference of the latest provisioning.
func (r *AlertRepository) SetCommunicationRef(ctx context.Context, id, ref string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err = r.collection.UpdateOne(ctx,
		bson.M{"_id": objectID},
		bson.M{"$set": bson.M{"communication_ref": ref}},
	)
	return err
}

// MarkBilled records a successful billing handoff for a completed alert.
func (r *AlertRepository) MarkBilled(ctx context.Context, id, billRef string, now time.Time) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": objectID, "status": models.StatusCompleted},
		bson.M{"$set": bson.M{"bill_ref": billRef, "billed_at": now}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AlertRepository) FindActive(ctx context.Context) ([]*models.Alert, error) {
	return r.find(ctx, bson.M{"status": models.StatusActive},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

// FindActiveForMechanic lists active alerts the mechanic was matched to.
func (r *AlertRepository) FindActiveForMechanic(ctx context.Context, mechanicID string) ([]*models.Alert, error) {
	filter := bson.M{
		"status":               models.StatusActive,
		"matched_mechanic_ids": mechanicID,
	}
	return r.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

// List returns one page of alerts, newest first, and the total matching count.
func (r *AlertRepository) List(ctx context.Context, filter models.AlertFilter, page, limit int) ([]*models.Alert, int64, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.From != nil || filter.To != nil {
		created := bson.M{}
		if filter.From != nil {
			created["$gte"] = *filter.From
		}
		if filter.To != nil {
			created["$lte"] = *filter.To
		}
		query["created_at"] = created
	}

	countCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	total, err := r.collection.CountDocuments(countCtx, query)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	alerts, err := r.find(ctx, query, opts)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

// FindUnbilledCompleted returns completed alerts without a bill reference that
// finished before cutoff, oldest first.
func (r *AlertRepository) FindUnbilledCompleted(ctx context.Context, cutoff time.Time, limit int) ([]*models.Alert, error) {
	filter := bson.M{
		"status":       models.StatusCompleted,
		"bill_ref":     bson.M{"$exists": false},
		"completed_at": bson.M{"$lte": cutoff},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "completed_at", Value: 1}}).
		SetLimit(int64(limit))
	return r.find(ctx, filter, opts)
}

// CreateIndexes creates necessary indexes for the alerts collection
func (r *AlertRepository) CreateIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "matched_mechanic_ids", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "mechanic_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "completed_at", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.M{
				"status": models.StatusCompleted,
			}),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// transition applies a conditional update and classifies a miss.
func (r *AlertRepository) transition(ctx context.Context, objectID primitive.ObjectID, filter bson.M, update interface{}) (*models.Alert, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var updated models.Alert
	err := r.collection.FindOneAndUpdate(opCtx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, r.classify(ctx, objectID.Hex())
		}
		return nil, err
	}
	return &updated, nil
}

// classify explains why a conditional update matched nothing. It only reads;
// the decision was already made atomically by the update.
func (r *AlertRepository) classify(ctx context.Context, id string) error {
	current, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return &StateError{ID: id, Current: current.Status}
}

func (r *AlertRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*models.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	alerts := []*models.Alert{}
	for cursor.Next(ctx) {
		var alert models.Alert
		if err := cursor.Decode(&alert); err != nil {
			return nil, err
		}
		alerts = append(alerts, &alert)
	}

	return alerts, cursor.Err()
}
