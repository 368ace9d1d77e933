package exam

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	MongoCollectionTemplates = "time_slot_templates"
	MongoCollectionSlots     = "schedule_slots"
	MongoCollectionExams     = "exam_records"
	MongoCollectionEvents    = "event_logs"
)

// MongoRepository is the document-store implementation of Store.
type MongoRepository struct {
	client    *mongo.Client
	templates *mongo.Collection
	slots     *mongo.Collection
	exams     *mongo.Collection
	events    *mongo.Collection
	now       func() time.Time
}

func NewMongoRepository(client *mongo.Client, dbName string) *MongoRepository {
	db := client.Database(dbName)
	opts := options.Collection().SetRegistry(uuidRegistry())
	return &MongoRepository{
		client:    client,
		templates: db.Collection(MongoCollectionTemplates, opts),
		slots:     db.Collection(MongoCollectionSlots, opts),
		exams:     db.Collection(MongoCollectionExams, opts),
		events:    db.Collection(MongoCollectionEvents, opts),
		now:       time.Now,
	}
}

// EnsureIndexes creates the unique slot key the allocator relies on plus the
// lookup indexes. Safe to call on every start.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	if _, err := r.slots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "date", Value: 1}, {Key: "timeSlot", Value: 1}, {Key: "roomId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("schedule_slots_key"),
	}); err != nil {
		return fmt.Errorf("create slot index: %w", err)
	}

	if _, err := r.templates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "time", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("create template index: %w", err)
	}

	if _, err := r.exams.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "examDate", Value: 1}, {Key: "roomId", Value: 1}}},
		{Keys: bson.D{{Key: "insuranceNumber", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "queueNumber", Value: 1}, {Key: "updatedAt", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("create exam indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// Templates

func (r *MongoRepository) ListActiveTemplates(ctx context.Context) ([]TimeSlotTemplate, error) {
	cursor, err := r.templates.Find(ctx, bson.M{"is_active": true}, options.Find().SetSort(bson.D{{Key: "time", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find templates: %w", err)
	}
	var result []TimeSlotTemplate
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return result, nil
}

func (r *MongoRepository) CreateTemplate(ctx context.Context, t TimeSlotTemplate) (*TimeSlotTemplate, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	update := bson.M{
		"$set":         bson.M{"is_active": true},
		"$setOnInsert": bson.M{"_id": t.ID, "capacity": t.Capacity, "created_at": r.now()},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var out TimeSlotTemplate
	if err := r.templates.FindOneAndUpdate(ctx, bson.M{"time": t.Time}, update, opts).Decode(&out); err != nil {
		return nil, fmt.Errorf("upsert template: %w", err)
	}
	return &out, nil
}

func (r *MongoRepository) DeactivateTemplate(ctx context.Context, id uuid.UUID) error {
	res, err := r.templates.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"is_active": false}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// Slots

func (r *MongoRepository) FindSlot(ctx context.Context, date, timeSlot, roomID string) (*ScheduleSlot, error) {
	var s ScheduleSlot
	err := r.slots.FindOne(ctx, bson.M{"date": date, "timeSlot": timeSlot, "roomId": roomID}).Decode(&s)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *MongoRepository) CreateSlot(ctx context.Context, s ScheduleSlot) (*ScheduleSlot, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := r.now()
	s.IsActive = true
	s.CreatedAt = now
	s.UpdatedAt = now

	if _, err := r.slots.InsertOne(ctx, s); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrSlotExists
		}
		return nil, fmt.Errorf("insert schedule slot: %w", err)
	}
	return &s, nil
}

func (r *MongoRepository) TryIncrement(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error) {
	filter := bson.M{
		"_id":       id,
		"is_active": true,
		"$expr":     bson.M{"$lt": bson.A{"$currentCount", "$capacity"}},
	}
	update := bson.M{
		"$inc": bson.M{"currentCount": 1},
		"$set": bson.M{"updated_at": r.now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var s ScheduleSlot
	if err := r.slots.FindOneAndUpdate(ctx, filter, update, opts).Decode(&s); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSlotFull
		}
		return nil, err
	}
	return &s, nil
}

func (r *MongoRepository) ListSlots(ctx context.Context, date, roomID string) ([]ScheduleSlot, error) {
	cursor, err := r.slots.Find(ctx,
		bson.M{"date": date, "roomId": roomID},
		options.Find().SetSort(bson.D{{Key: "timeSlot", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find slots: %w", err)
	}
	var result []ScheduleSlot
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}
	return result, nil
}

// Exam records

func (r *MongoRepository) CreateExam(ctx context.Context, e ExamRecord) (*ExamRecord, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := r.now()
	e.QueueNumber = nil
	e.CreatedAt = now
	e.UpdatedAt = now

	if _, err := r.exams.InsertOne(ctx, e); err != nil {
		return nil, fmt.Errorf("insert exam record: %w", err)
	}
	return &e, nil
}

func (r *MongoRepository) GetExamByID(ctx context.Context, id uuid.UUID) (*ExamRecord, error) {
	var e ExamRecord
	if err := r.exams.FindOne(ctx, bson.M{"_id": id}).Decode(&e); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *MongoRepository) ListExams(ctx context.Context, f ListFilter) (*ListResult, error) {
	filter := bson.M{}
	dateRange := bson.M{}
	if f.DateFrom != "" {
		dateRange["$gte"] = f.DateFrom
	}
	if f.DateTo != "" {
		dateRange["$lte"] = f.DateTo
	}
	if len(dateRange) > 0 {
		filter["examDate"] = dateRange
	}
	if f.RoomID != "" {
		filter["roomId"] = f.RoomID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.InsuranceNumber != "" {
		filter["insuranceNumber"] = f.InsuranceNumber
	}

	total, err := r.exams.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count exam records: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "examDate", Value: -1}, {Key: "examTime", Value: 1}, {Key: "createdAt", Value: 1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(f.Limit))
	cursor, err := r.exams.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find exam records: %w", err)
	}

	var items []ExamRecord
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("iterate exam records: %w", err)
	}
	return &ListResult{Items: items, Total: total}, nil
}

func (r *MongoRepository) UpdateExamStatus(ctx context.Context, id uuid.UUID, from, to Status) (*ExamRecord, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var e ExamRecord
	err := r.exams.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{"status": to, "updatedAt": r.now()}},
		opts,
	).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := r.GetExamByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *MongoRepository) SetQueueNumber(ctx context.Context, id uuid.UUID, queueNumber int) error {
	res, err := r.exams.UpdateOne(ctx,
		bson.M{"_id": id, "queueNumber": nil},
		bson.M{"$set": bson.M{"queueNumber": queueNumber, "updatedAt": r.now()}},
	)
	if err != nil {
		return fmt.Errorf("set queue number: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := r.GetExamByID(ctx, id); err != nil {
			return err
		}
		return ErrQueueNumberSet
	}
	return nil
}

func (r *MongoRepository) FindActiveByInsuranceNumber(ctx context.Context, insuranceNumber, fromDate string) (*ExamRecord, error) {
	filter := bson.M{
		"insuranceNumber": insuranceNumber,
		"status":          bson.M{"$in": bson.A{StatusPending, StatusAccept}},
		"examDate":        bson.M{"$gte": fromDate},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "examDate", Value: 1}, {Key: "examTime", Value: 1}})

	var e ExamRecord
	if err := r.exams.FindOne(ctx, filter, opts).Decode(&e); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *MongoRepository) ListUnsynced(ctx context.Context, updatedBefore time.Time, limit int) ([]ExamRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := r.exams.Find(ctx, bson.M{
		"status":      StatusAccept,
		"queueNumber": nil,
		"updatedAt":   bson.M{"$lt": updatedBefore},
	}, opts)
	if err != nil {
		return nil, err
	}
	var items []ExamRecord
	if err := cursor.All(ctx, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *MongoRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	doc := bson.M{
		"eventType": ev.EventType,
		"examId":    ev.ExamID,
		"payload":   string(ev.Payload),
		"createdAt": createdAt,
	}
	if _, err := r.events.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

var tUUID = reflect.TypeOf(uuid.UUID{})

// uuidRegistry stores uuid.UUID as BSON binary subtype 4 instead of an array
// of sixteen integers.
func uuidRegistry() *bsoncodec.Registry {
	reg := bson.NewRegistry()
	reg.RegisterTypeEncoder(tUUID, bsoncodec.ValueEncoderFunc(encodeUUID))
	reg.RegisterTypeDecoder(tUUID, bsoncodec.ValueDecoderFunc(decodeUUID))
	return reg
}

func encodeUUID(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Type() != tUUID {
		return bsoncodec.ValueEncoderError{Name: "encodeUUID", Types: []reflect.Type{tUUID}, Received: val}
	}
	u := val.Interface().(uuid.UUID)
	return vw.WriteBinaryWithSubtype(u[:], bsontype.BinaryUUID)
}

func decodeUUID(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
	if !val.CanSet() || val.Type() != tUUID {
		return bsoncodec.ValueDecoderError{Name: "decodeUUID", Types: []reflect.Type{tUUID}, Received: val}
	}

	var u uuid.UUID
	switch vr.Type() {
	case bsontype.Binary:
		data, subtype, err := vr.ReadBinary()
		if err != nil {
			return err
		}
		if subtype != bsontype.BinaryUUID && subtype != bsontype.BinaryUUIDOld {
			return fmt.Errorf("decode uuid: unexpected binary subtype %#x", subtype)
		}
		if len(data) != len(u) {
			return fmt.Errorf("decode uuid: expected 16 bytes, got %d", len(data))
		}
		copy(u[:], data)
	case bsontype.String:
		s, err := vr.ReadString()
		if err != nil {
			return err
		}
		parsed, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("decode uuid: %w", err)
		}
		u = parsed
	case bsontype.Null:
		if err := vr.ReadNull(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("decode uuid: cannot decode %v", vr.Type())
	}

	val.Set(reflect.ValueOf(u))
	return nil
}
