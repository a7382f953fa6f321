package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schoolerp/jobqueue/internal/backoff"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/internal/job"
	"github.com/schoolerp/jobqueue/internal/models"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"gorm.io/datatypes"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

var ErrDuplicateJob = errors.New("job already exists")

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the MongoDB queue store. Claims are single FindOneAndUpdate calls,
// so the document-level atomicity of MongoDB is the only lock needed.
// The caller owns the client lifecycle.
type Store struct {
	col *mongo.Collection
	now func() time.Time
}

func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		col: db.Collection(colJobs),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ job.JobRepoInterface = (*Store)(nil)

// EnsureIndexes creates the claim, sweep and retention indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "topic", Value: 1},
			{Key: "state", Value: 1},
			{Key: "not_before", Value: 1},
			{Key: "created_at", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "state", Value: 1},
			{Key: "claimed_at", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "topic", Value: 1},
			{Key: "state", Value: 1},
			{Key: "finished_at", Value: -1},
		}},
	})
	if err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, j *models.Job) error {
	if _, err := s.col.InsertOne(ctx, toDoc(j)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("create job %s: %w", j.ID, ErrDuplicateJob)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	var d jobDoc
	if err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("get job %s: %w", id, job.ErrJobNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return fromDoc(&d), nil
}

func (s *Store) List(ctx context.Context, filter dto.ListFilter) ([]models.Job, error) {
	q := bson.M{}
	if filter.Topic != "" {
		q["topic"] = filter.Topic
	}
	if filter.State != "" {
		q["state"] = string(filter.State)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	cursor, err := s.col.Find(ctx, q, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []jobDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]models.Job, 0, len(docs))
	for i := range docs {
		jobs = append(jobs, *fromDoc(&docs[i]))
	}
	return jobs, nil
}

// ClaimNext moves the oldest eligible job of topic to active in one
// FindOneAndUpdate, returning the updated document.
func (s *Store) ClaimNext(ctx context.Context, topic, workerID string) (*models.Job, error) {
	now := s.now()
	filter := bson.M{
		"topic":      topic,
		"state":      bson.M{"$in": []string{string(config.StateWaiting), string(config.StateDelayed)}},
		"not_before": bson.M{"$lte": now},
		"$expr":      bson.M{"$lt": bson.A{"$attempts_made", "$max_attempts"}},
	}
	update := bson.M{
		"$set": bson.M{
			"state":      string(config.StateActive),
			"owner":      workerID,
			"claimed_at": now,
			"updated_at": now,
		},
		"$inc": bson.M{"attempts_made": 1},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	var d jobDoc
	if err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return fromDoc(&d), nil
}

func ownedBy(id, workerID string) bson.M {
	return bson.M{"_id": id, "state": string(config.StateActive), "owner": workerID}
}

func (s *Store) AckSuccess(ctx context.Context, id, workerID string, result datatypes.JSON) error {
	now := s.now()
	res, err := s.col.UpdateOne(ctx, ownedBy(id, workerID), bson.M{"$set": bson.M{
		"state":       string(config.StateCompleted),
		"owner":       "",
		"claimed_at":  nil,
		"finished_at": now,
		"result":      string(result),
		"updated_at":  now,
	}})
	if err != nil {
		return fmt.Errorf("ack success: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("ack success %s: %w", id, job.ErrLeaseLost)
	}
	return nil
}

func (s *Store) AckFailure(ctx context.Context, id, workerID, cause string) (*models.Job, error) {
	var d jobDoc
	if err := s.col.FindOne(ctx, ownedBy(id, workerID)).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("ack failure %s: %w", id, job.ErrLeaseLost)
		}
		return nil, fmt.Errorf("ack failure: %w", err)
	}
	j := fromDoc(&d)
	now := s.now()

	set := bson.M{
		"owner":      "",
		"claimed_at": nil,
		"last_error": cause,
		"updated_at": now,
	}
	if notBefore, retry := backoff.Next(j.Backoff(), j.AttemptsMade, j.MaxAttempts, now); retry {
		j.State = config.StateWaiting
		if notBefore.After(now) {
			j.State = config.StateDelayed
		}
		j.NotBefore = notBefore
		set["not_before"] = notBefore
	} else {
		j.State = config.StateFailed
		j.FinishedAt = &now
		set["finished_at"] = now
	}
	set["state"] = string(j.State)

	res, err := s.col.UpdateOne(ctx, ownedBy(id, workerID), bson.M{"$set": set})
	if err != nil {
		return nil, fmt.Errorf("ack failure: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, fmt.Errorf("ack failure %s: %w", id, job.ErrLeaseLost)
	}

	j.Owner = ""
	j.ClaimedAt = nil
	j.LastError = cause
	j.UpdatedAt = now
	return j, nil
}

func (s *Store) Stats(ctx context.Context, topic string) (dto.Stats, error) {
	cursor, err := s.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"topic": topic}}},
		{{Key: "$group", Value: bson.M{"_id": "$state", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return dto.Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		State string `bson:"_id"`
		N     int64  `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return dto.Stats{}, fmt.Errorf("stats: %w", err)
	}

	due, err := s.col.CountDocuments(ctx, bson.M{
		"topic":      topic,
		"state":      string(config.StateDelayed),
		"not_before": bson.M{"$lte": s.now()},
	})
	if err != nil {
		return dto.Stats{}, fmt.Errorf("stats: %w", err)
	}

	var st dto.Stats
	for _, row := range rows {
		switch config.JobState(row.State) {
		case config.StateWaiting:
			st.Waiting = row.N
		case config.StateDelayed:
			st.Delayed = row.N
		case config.StateActive:
			st.Active = row.N
		case config.StateCompleted:
			st.Completed = row.N
		case config.StateFailed:
			st.Failed = row.N
		}
	}
	st.Delayed -= due
	st.Waiting += due
	return st, nil
}

func (s *Store) RecoverStale(ctx context.Context, visibilityTimeout time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-visibilityTimeout)
	stale := func(extra bson.M) bson.M {
		f := bson.M{"state": string(config.StateActive), "claimed_at": bson.M{"$lt": cutoff}}
		for k, v := range extra {
			f[k] = v
		}
		return f
	}

	exhausted, err := s.col.UpdateMany(ctx,
		stale(bson.M{"$expr": bson.M{"$gte": bson.A{"$attempts_made", "$max_attempts"}}}),
		bson.M{"$set": bson.M{
			"state":       string(config.StateFailed),
			"owner":       "",
			"claimed_at":  nil,
			"finished_at": now,
			"last_error":  "visibility timeout exceeded",
			"updated_at":  now,
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	requeued, err := s.col.UpdateMany(ctx, stale(nil), bson.M{"$set": bson.M{
		"state":      string(config.StateWaiting),
		"owner":      "",
		"claimed_at": nil,
		"not_before": now,
		"updated_at": now,
	}})
	if err != nil {
		return exhausted.ModifiedCount, fmt.Errorf("recover stale jobs: %w", err)
	}
	return exhausted.ModifiedCount + requeued.ModifiedCount, nil
}

func (s *Store) Prune(ctx context.Context, topic string, retention config.Retention) (int64, error) {
	var removed int64

	for _, rule := range []struct {
		state config.JobState
		keep  int
	}{
		{config.StateCompleted, retention.RemoveOnComplete},
		{config.StateFailed, retention.RemoveOnFail},
	} {
		if rule.keep < 0 {
			continue
		}

		filter := bson.M{"topic": topic, "state": string(rule.state)}
		cursor, err := s.col.Find(ctx, filter, options.Find().
			SetSort(bson.D{{Key: "finished_at", Value: -1}, {Key: "_id", Value: -1}}).
			SetSkip(int64(rule.keep)).
			SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return removed, fmt.Errorf("prune %s jobs: %w", rule.state, err)
		}

		var stale []struct {
			ID string `bson:"_id"`
		}
		err = cursor.All(ctx, &stale)
		cursor.Close(ctx)
		if err != nil {
			return removed, fmt.Errorf("prune %s jobs: %w", rule.state, err)
		}
		if len(stale) == 0 {
			continue
		}

		ids := make([]string, 0, len(stale))
		for _, d := range stale {
			ids = append(ids, d.ID)
		}
		res, err := s.col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}, "state": string(rule.state)})
		if err != nil {
			return removed, fmt.Errorf("prune %s jobs: %w", rule.state, err)
		}
		removed += res.DeletedCount
	}
	return removed, nil
}

func (s *Store) Retry(ctx context.Context, id string) error {
	now := s.now()
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": id, "state": string(config.StateFailed)},
		bson.M{
			"$set": bson.M{
				"state":         string(config.StateWaiting),
				"attempts_made": 0,
				"owner":         "",
				"claimed_at":    nil,
				"finished_at":   nil,
				"not_before":    now,
				"updated_at":    now,
			},
			"$unset": bson.M{"last_error": "", "result": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("retry job %s: %w", id, job.ErrNotRetryable)
	}
	return nil
}
