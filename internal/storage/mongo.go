package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"mailqueue/internal/job"
	logx "mailqueue/pkg/logx"
)

const (
	colJobs       = "jobs"
	colFailedJobs = "failed_jobs"
)

// mongoStore reserves with a single FindOneAndUpdate, which MongoDB applies
// atomically per document.
//
// Fail updates the job and then upserts its failure record keyed by job id.
// These are two writes: a crash between them leaves a failed job without a
// record. repairFailures fills such gaps on open. A record write that still
// fails after retries is reported as job.ErrFailureRecordPending.
type mongoStore struct {
	client *mongo.Client
	jobs   *mongo.Collection
	failed *mongo.Collection
	log    logx.Logger
}

type mongoJob struct {
	ID             string            `bson:"_id"`
	Queue          string            `bson:"queue"`
	Name           string            `bson:"name"`
	Payload        []byte            `bson:"payload,omitempty"`
	Labels         map[string]string `bson:"labels,omitempty"`
	Attempts       int               `bson:"attempts"`
	Exceptions     int               `bson:"exceptions"`
	MaxAttempts    int               `bson:"max_attempts"`
	MaxExceptions  int               `bson:"max_exceptions"`
	TimeoutMS      int64             `bson:"timeout_ms"`
	Status         string            `bson:"status"`
	CreatedAt      time.Time         `bson:"created_at"`
	AvailableAt    time.Time         `bson:"available_at"`
	ReservedAt     *time.Time        `bson:"reserved_at,omitempty"`
	LeaseExpiresAt *time.Time        `bson:"lease_expires_at,omitempty"`
	LeaseToken     string            `bson:"lease_token,omitempty"`
	LastError      string            `bson:"last_error,omitempty"`
	CompletedAt    *time.Time        `bson:"completed_at,omitempty"`
	FailedAt       *time.Time        `bson:"failed_at,omitempty"`
}

type mongoFailure struct {
	JobID      string            `bson:"_id"`
	Queue      string            `bson:"queue"`
	Name       string            `bson:"name"`
	Payload    []byte            `bson:"payload,omitempty"`
	Labels     map[string]string `bson:"labels,omitempty"`
	Attempts   int               `bson:"attempts"`
	Exceptions int               `bson:"exceptions"`
	FinalError string            `bson:"final_error"`
	FailedAt   time.Time         `bson:"failed_at"`
}

func openMongo(cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.DSN)
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = "mailqueue"
	}
	opts := options.Client().ApplyURI(uri)
	if cfg.DialTimeout > 0 {
		opts.SetConnectTimeout(cfg.DialTimeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(dbName)
	st := &mongoStore{
		client: client,
		jobs:   db.Collection(colJobs),
		failed: db.Collection(colFailedJobs),
		log:    log.With(logx.String("driver", "mongo")),
	}
	if err := st.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	if n, err := st.repairFailures(ctx); err != nil {
		st.log.Warn("failure record repair failed", logx.Err(err))
	} else if n > 0 {
		st.log.Warn("restored missing failure records", logx.Int("count", n))
	}
	return st, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "reserved_at", Value: 1}}},
		{Keys: bson.D{
			{Key: "queue", Value: 1}, {Key: "status", Value: 1},
			{Key: "available_at", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1},
		}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "completed_at", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.failed.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "queue", Value: 1}, {Key: "failed_at", Value: -1}},
	})
	return err
}

// repairFailures writes records for failed jobs that lack one.
func (s *mongoStore) repairFailures(ctx context.Context) (int, error) {
	cur, err := s.jobs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": string(job.StatusFailed)}}},
		{{Key: "$lookup", Value: bson.M{"from": colFailedJobs, "localField": "_id", "foreignField": "_id", "as": "rec"}}},
		{{Key: "$match", Value: bson.M{"rec": bson.M{"$size": 0}}}},
		{{Key: "$project", Value: bson.M{"rec": 0}}},
	})
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)
	n := 0
	for cur.Next(ctx) {
		var m mongoJob
		if err := cur.Decode(&m); err != nil {
			return n, err
		}
		j := m.toJob()
		at := time.Now().UTC()
		if j.FailedAt != nil {
			at = *j.FailedAt
		}
		if err := s.putFailure(ctx, job.NewFailureRecord(j, j.LastError, at)); err != nil {
			return n, err
		}
		n++
	}
	return n, cur.Err()
}

func (m *mongoJob) toJob() *job.Job {
	utc := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := t.UTC()
		return &v
	}
	return &job.Job{
		ID:             m.ID,
		Queue:          m.Queue,
		Name:           m.Name,
		Payload:        payloadOf(m.Payload),
		Labels:         m.Labels,
		Attempts:       m.Attempts,
		Exceptions:     m.Exceptions,
		MaxAttempts:    m.MaxAttempts,
		MaxExceptions:  m.MaxExceptions,
		Timeout:        time.Duration(m.TimeoutMS) * time.Millisecond,
		Status:         job.Status(m.Status),
		CreatedAt:      m.CreatedAt.UTC(),
		AvailableAt:    m.AvailableAt.UTC(),
		ReservedAt:     utc(m.ReservedAt),
		LeaseExpiresAt: utc(m.LeaseExpiresAt),
		LeaseToken:     m.LeaseToken,
		LastError:      m.LastError,
		CompletedAt:    utc(m.CompletedAt),
		FailedAt:       utc(m.FailedAt),
	}
}

func (m *mongoFailure) toRecord() job.FailureRecord {
	return job.FailureRecord{
		JobID:      m.JobID,
		Queue:      m.Queue,
		Name:       m.Name,
		Payload:    payloadOf(m.Payload),
		Labels:     m.Labels,
		Attempts:   m.Attempts,
		Exceptions: m.Exceptions,
		FinalError: m.FinalError,
		FailedAt:   m.FailedAt.UTC(),
	}
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) Ping(ctx context.Context) error {
	return job.Storage("ping", s.client.Ping(ctx, nil))
}

func (s *mongoStore) Enqueue(ctx context.Context, in *job.Job) (string, error) {
	j, err := prepare(in, time.Now().UTC())
	if err != nil {
		return "", err
	}
	doc := mongoJob{
		ID:            j.ID,
		Queue:         j.Queue,
		Name:          j.Name,
		Payload:       j.Payload,
		Labels:        j.Labels,
		Attempts:      j.Attempts,
		Exceptions:    j.Exceptions,
		MaxAttempts:   j.MaxAttempts,
		MaxExceptions: j.MaxExceptions,
		TimeoutMS:     j.Timeout.Milliseconds(),
		Status:        string(j.Status),
		CreatedAt:     j.CreatedAt,
		AvailableAt:   j.AvailableAt,
		LastError:     j.LastError,
	}
	if _, err := s.jobs.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", job.ErrDuplicateJob
		}
		return "", job.Storage("enqueue", err)
	}
	return j.ID, nil
}

func (s *mongoStore) Reserve(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	now := time.Now().UTC()
	exp := now.Add(nonNegative(lease))
	filter := bson.M{
		"queue": queue,
		"$or": bson.A{
			bson.M{"status": string(job.StatusPending), "available_at": bson.M{"$lte": now}},
			bson.M{"status": string(job.StatusReserved), "lease_expires_at": bson.M{"$lte": now}},
		},
	}
	// Expressions in one $set stage read the document as it was before the
	// stage, so the attempts branch still sees the old status.
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"attempts": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(job.StatusReserved)}},
				bson.M{"$min": bson.A{bson.M{"$add": bson.A{"$attempts", 1}}, "$max_attempts"}},
				"$attempts",
			}},
			"status":           string(job.StatusReserved),
			"reserved_at":      now,
			"lease_expires_at": exp,
			"lease_token":      job.NewToken(),
		}}},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "available_at", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	var m mongoJob
	err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, job.Storage("reserve", err)
	}
	return m.toJob(), nil
}

func heldFilter(l job.Lease) bson.M {
	return bson.M{"_id": l.JobID, "status": string(job.StatusReserved), "lease_token": l.Token}
}

var unleaseStage = bson.D{{Key: "$unset", Value: bson.A{"reserved_at", "lease_expires_at", "lease_token"}}}

func (s *mongoStore) leaseMiss(ctx context.Context, op, id string) error {
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return job.Storage(op, err)
	}
	if n == 0 {
		return job.ErrNotFound
	}
	return job.ErrLeaseLost
}

func (s *mongoStore) Ack(ctx context.Context, l job.Lease) error {
	res, err := s.jobs.UpdateOne(ctx, heldFilter(l), mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"status": string(job.StatusCompleted), "completed_at": time.Now().UTC()}}},
		unleaseStage,
	})
	if err != nil {
		return job.Storage("ack", err)
	}
	if res.MatchedCount == 0 {
		return s.leaseMiss(ctx, "ack", l.JobID)
	}
	return nil
}

func chargeSet(charge job.Charge) bson.M {
	da, de := chargeDelta(charge)
	return bson.M{
		"attempts":   bson.M{"$min": bson.A{bson.M{"$add": bson.A{"$attempts", da}}, "$max_attempts"}},
		"exceptions": bson.M{"$min": bson.A{bson.M{"$add": bson.A{"$exceptions", de}}, "$max_exceptions"}},
	}
}

func (s *mongoStore) Release(ctx context.Context, l job.Lease, delay time.Duration, charge job.Charge, lastErr string) error {
	set := chargeSet(charge)
	set["status"] = string(job.StatusPending)
	set["available_at"] = time.Now().UTC().Add(nonNegative(delay))
	if lastErr != "" {
		set["last_error"] = bson.M{"$literal": lastErr}
	}
	res, err := s.jobs.UpdateOne(ctx, heldFilter(l), mongo.Pipeline{
		{{Key: "$set", Value: set}},
		unleaseStage,
	})
	if err != nil {
		return job.Storage("release", err)
	}
	if res.MatchedCount == 0 {
		return s.leaseMiss(ctx, "release", l.JobID)
	}
	return nil
}

func (s *mongoStore) Fail(ctx context.Context, l job.Lease, charge job.Charge, finalErr string) (job.FailureRecord, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	set := chargeSet(charge)
	set["status"] = string(job.StatusFailed)
	set["failed_at"] = now
	set["last_error"] = bson.M{"$literal": finalErr}

	var m mongoJob
	err := s.jobs.FindOneAndUpdate(ctx, heldFilter(l), mongo.Pipeline{
		{{Key: "$set", Value: set}},
		unleaseStage,
	}, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return job.FailureRecord{}, s.leaseMiss(ctx, "fail", l.JobID)
	}
	if err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}

	rec := job.NewFailureRecord(m.toJob(), finalErr, now)
	if err := s.putFailureRetry(ctx, rec); err != nil {
		s.log.Warn("failure record write failed; repaired on next open", logx.JobID(rec.JobID), logx.Err(err))
		return rec, &job.StorageError{Op: "fail", Err: fmt.Errorf("%w: %w", job.ErrFailureRecordPending, err)}
	}
	return rec, nil
}

const (
	putFailureTries   = 3
	putFailureBackoff = 100 * time.Millisecond
)

// putFailureRetry retries putFailure with doubling backoff. The job update
// is already committed, so giving up leaves the record to repairFailures.
func (s *mongoStore) putFailureRetry(ctx context.Context, rec job.FailureRecord) error {
	wait := putFailureBackoff
	var err error
	for i := 0; i < putFailureTries; i++ {
		if err = s.putFailure(ctx, rec); err == nil {
			return nil
		}
		if i == putFailureTries-1 {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		wait *= 2
	}
	return err
}

// putFailure inserts rec once; later calls for the same job are no-ops.
func (s *mongoStore) putFailure(ctx context.Context, rec job.FailureRecord) error {
	doc := mongoFailure{
		JobID:      rec.JobID,
		Queue:      rec.Queue,
		Name:       rec.Name,
		Payload:    rec.Payload,
		Labels:     rec.Labels,
		Attempts:   rec.Attempts,
		Exceptions: rec.Exceptions,
		FinalError: rec.FinalError,
		FailedAt:   rec.FailedAt,
	}
	_, err := s.failed.UpdateOne(ctx,
		bson.M{"_id": rec.JobID},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *mongoStore) Extend(ctx context.Context, l job.Lease, d time.Duration) (job.Lease, error) {
	exp := time.Now().UTC().Add(nonNegative(d)).Truncate(time.Millisecond)
	res, err := s.jobs.UpdateOne(ctx, heldFilter(l), bson.M{"$set": bson.M{"lease_expires_at": exp}})
	if err != nil {
		return job.Lease{}, job.Storage("extend", err)
	}
	if res.MatchedCount == 0 {
		return job.Lease{}, s.leaseMiss(ctx, "extend", l.JobID)
	}
	l.ExpiresAt = exp
	return l, nil
}

func (s *mongoStore) Get(ctx context.Context, id string) (*job.Job, error) {
	var m mongoJob
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, job.Storage("get", err)
	}
	return m.toJob(), nil
}

func (s *mongoStore) Failures(ctx context.Context, f job.FailureFilter) ([]job.FailureRecord, error) {
	filter := bson.M{}
	if f.Queue != "" {
		filter["queue"] = f.Queue
	}
	if !f.Since.IsZero() {
		filter["failed_at"] = bson.M{"$gte": f.Since.UTC()}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "failed_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(failuresLimit(f)))
	cur, err := s.failed.Find(ctx, filter, opts)
	if err != nil {
		return nil, job.Storage("failures", err)
	}
	defer cur.Close(ctx)

	var docs []mongoFailure
	if err := cur.All(ctx, &docs); err != nil {
		return nil, job.Storage("failures", err)
	}
	out := make([]job.FailureRecord, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toRecord())
	}
	return out, nil
}

func (s *mongoStore) Stats(ctx context.Context, queue string) (job.Stats, error) {
	st := job.NewStats(queue)
	match := bson.M{}
	if queue != "" {
		match["queue"] = queue
	}
	cur, err := s.jobs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return st, job.Storage("stats", err)
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			N      int    `bson:"n"`
		}
		if err := cur.Decode(&row); err != nil {
			return st, job.Storage("stats", err)
		}
		st.ByStatus[job.Status(row.Status)] = row.N
	}
	if err := cur.Err(); err != nil {
		return st, job.Storage("stats", err)
	}
	n, err := s.failed.CountDocuments(ctx, match)
	if err != nil {
		return st, job.Storage("stats", err)
	}
	st.Failures = int(n)
	return st, nil
}

func (s *mongoStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.jobs.DeleteMany(ctx, bson.M{
		"status":       string(job.StatusCompleted),
		"completed_at": bson.M{"$lt": before.UTC()},
	})
	if err != nil {
		return 0, job.Storage("prune", err)
	}
	return int(res.DeletedCount), nil
}
