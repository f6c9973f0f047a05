package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/hitoshi/linedesk/internal/model"
)

// casesCollection はケースを保存するコレクション名。
const casesCollection = "cases"

// caseDocument はcasesコレクションのドキュメント表現。
type caseDocument struct {
	ID                 string     `bson:"_id"`
	TenantID           string     `bson:"tenant_id"`
	CustomerID         string     `bson:"customer_id"`
	CustomerName       string     `bson:"customer_name"`
	Status             string     `bson:"status"`
	AssignedOperator   string     `bson:"assigned_operator,omitempty"`
	OpenedAt           time.Time  `bson:"opened_at"`
	ClosedAt           *time.Time `bson:"closed_at,omitempty"`
	LastMessageAt      time.Time  `bson:"last_message_at"`
	LastMessageSnippet string     `bson:"last_message_snippet"`
	UnreadCount        int        `bson:"unread_count"`
	UpdatedAt          time.Time  `bson:"updated_at"`
}

func (d *caseDocument) toModel() *model.Case {
	return &model.Case{
		ID:                 d.ID,
		TenantID:           d.TenantID,
		CustomerID:         d.CustomerID,
		CustomerName:       d.CustomerName,
		Status:             model.CaseStatus(d.Status),
		AssignedOperator:   d.AssignedOperator,
		OpenedAt:           d.OpenedAt.UTC(),
		ClosedAt:           utcPtr(d.ClosedAt),
		LastMessageAt:      d.LastMessageAt.UTC(),
		LastMessageSnippet: d.LastMessageSnippet,
		UnreadCount:        d.UnreadCount,
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// MongoCaseRepo はMongoDBを使用したケースリポジトリ。
// 状態変更はステータスをフィルタ条件に含めたFindOneAndUpdateで行い、
// ドキュメント単位の原子性で同時受付を直列化する。
type MongoCaseRepo struct {
	col *mongo.Collection
}

// NewMongoCaseRepo はMongoCaseRepoを生成する。
func NewMongoCaseRepo(db *mongo.Database) *MongoCaseRepo {
	return &MongoCaseRepo{col: db.Collection(casesCollection)}
}

// EnsureIndexes は一意制約と一覧取得用のインデックスを作成する。冪等。
func (r *MongoCaseRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "customer_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "last_message_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("ケースインデックスの作成に失敗しました: %w", err)
	}
	return nil
}

// ListByTenant はテナントの全ケースをlast_message_at降順で返す。
func (r *MongoCaseRepo) ListByTenant(ctx context.Context, tenantID string) ([]*model.Case, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "last_message_at", Value: -1},
		{Key: "_id", Value: 1},
	})
	cursor, err := r.col.Find(ctx, bson.M{"tenant_id": tenantID}, opts)
	if err != nil {
		return nil, fmt.Errorf("ケース一覧の取得に失敗しました: %w", err)
	}

	var docs []caseDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ケース一覧の読み取りに失敗しました: %w", err)
	}

	cases := make([]*model.Case, len(docs))
	for i := range docs {
		cases[i] = docs[i].toModel()
	}
	return cases, nil
}

// FindByID は指定IDのケースを取得する。見つからない場合はnilを返す。
func (r *MongoCaseRepo) FindByID(ctx context.Context, id string) (*model.Case, error) {
	var doc caseDocument
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ケースの取得に失敗しました: %w", err)
	}
	return doc.toModel(), nil
}

// findOneAndUpdate は更新後のドキュメントを返す。条件に一致しない場合はnilを返す。
func (r *MongoCaseRepo) findOneAndUpdate(ctx context.Context, op string, filter, update any, upsert bool) (*model.Case, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetUpsert(upsert)

	var doc caseDocument
	err := r.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	return doc.toModel(), nil
}

// Claim はstatusがunassignedのドキュメントのみを対象に更新する。
func (r *MongoCaseRepo) Claim(ctx context.Context, id, operatorID string, at time.Time) (*model.Case, error) {
	return r.findOneAndUpdate(ctx, "ケースの受付",
		bson.M{"_id": id, "status": string(model.CaseStatusUnassigned)},
		bson.M{"$set": bson.M{
			"status":            string(model.CaseStatusActive),
			"assigned_operator": operatorID,
			"updated_at":        at,
		}},
		false,
	)
}

// UpdateStatus は現在のステータスがfromの場合に限りtoへ変更する。
func (r *MongoCaseRepo) UpdateStatus(ctx context.Context, id string, from, to model.CaseStatus, at time.Time) (*model.Case, error) {
	set := bson.M{
		"status":     string(to),
		"updated_at": at,
	}
	if to == model.CaseStatusClosed {
		set["closed_at"] = at
	}
	return r.findOneAndUpdate(ctx, "ケースステータスの更新",
		bson.M{"_id": id, "status": string(from)},
		bson.M{"$set": set},
		false,
	)
}

// RecordMessage は(tenant_id, customer_id)をキーにアップサートする。
// 新規作成時のみ_id、ステータス、opened_atを設定する。
// 同時アップサートで一意制約に衝突した場合は1回だけ再試行する。
func (r *MongoCaseRepo) RecordMessage(ctx context.Context, id string, msg model.InboundMessage, at time.Time) (*model.Case, error) {
	setOnInsert := bson.M{
		"_id":       id,
		"status":    string(model.CaseStatusUnassigned),
		"opened_at": at,
	}
	set := bson.M{
		"last_message_snippet": msg.Text,
		"updated_at":           at,
	}
	if msg.CustomerName != "" {
		set["customer_name"] = msg.CustomerName
	} else {
		setOnInsert["customer_name"] = ""
	}

	filter := bson.M{"tenant_id": msg.TenantID, "customer_id": msg.CustomerID}
	update := bson.M{
		"$setOnInsert": setOnInsert,
		"$set":         set,
		"$max":         bson.M{"last_message_at": msg.SentAt},
		"$inc":         bson.M{"unread_count": 1},
	}

	c, err := r.findOneAndUpdate(ctx, "メッセージの記録", filter, update, true)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		c, err = r.findOneAndUpdate(ctx, "メッセージの記録", filter, update, true)
	}
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("メッセージの記録に失敗しました: no document returned for case %s", id)
	}
	return c, nil
}

// MarkRead は未読数を0にリセットする。
func (r *MongoCaseRepo) MarkRead(ctx context.Context, id string, at time.Time) (*model.Case, error) {
	return r.findOneAndUpdate(ctx, "既読化",
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"unread_count": 0, "updated_at": at}},
		false,
	)
}

// Ping はMongoDBの疎通を確認する。
func (r *MongoCaseRepo) Ping(ctx context.Context) error {
	return r.col.Database().Client().Ping(ctx, readpref.Primary())
}

// compile-time interface check
var (
	_ CaseRepository = (*MongoCaseRepo)(nil)
	_ Pinger         = (*MongoCaseRepo)(nil)
)
