package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const ordersCollection = "orders"

// orderDocument is the stored shape. Money is kept as decimal text so no
// precision is lost through BSON doubles.
type orderDocument struct {
	ID           string         `bson:"_id"`
	RestaurantID string         `bson:"restaurant_id"`
	Status       string         `bson:"status"`
	Items        []itemDocument `bson:"items"`
	Total        string         `bson:"total"`
	Customer     order.Customer `bson:"customer"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

type itemDocument struct {
	Name      string   `bson:"name"`
	Quantity  int      `bson:"quantity"`
	UnitPrice string   `bson:"unit_price"`
	Modifiers []string `bson:"modifiers,omitempty"`
}

func toDocument(o *order.Order) orderDocument {
	doc := orderDocument{
		ID:           o.ID.String(),
		RestaurantID: o.RestaurantID,
		Status:       o.Status.Code(),
		Items:        make([]itemDocument, 0, len(o.Items)),
		Total:        o.Total.String(),
		Customer:     o.Customer,
		CreatedAt:    o.CreatedAt.UTC(),
		UpdatedAt:    o.UpdatedAt.UTC(),
	}
	for _, item := range o.Items {
		doc.Items = append(doc.Items, itemDocument{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.String(),
			Modifiers: item.Modifiers,
		})
	}
	return doc
}

func (d orderDocument) toOrder() (*order.Order, error) {
	status, err := orderstatus.Parse(d.Status)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", d.ID, err)
	}
	total, err := decimal.NewFromString(d.Total)
	if err != nil {
		return nil, fmt.Errorf("order %s: cannot parse total: %w", d.ID, err)
	}

	o := &order.Order{
		ID:           order.ID(d.ID),
		RestaurantID: d.RestaurantID,
		Status:       status,
		Items:        make([]order.LineItem, 0, len(d.Items)),
		Total:        total,
		Customer:     d.Customer,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("order %s: cannot parse unit price: %w", d.ID, err)
		}
		o.Items = append(o.Items, order.LineItem{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: price,
			Modifiers: item.Modifiers,
		})
	}
	return o, nil
}

type OrderRepo struct {
	collection *mongo.Collection
}

func NewOrderRepo(db *mongo.Database) *OrderRepo {
	return &OrderRepo{
		collection: db.Collection(ordersCollection),
	}
}

func (r *OrderRepo) Create(ctx context.Context, o *order.Order) error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}

	if _, err := r.collection.InsertOne(ctx, toDocument(o)); err != nil {
		return fmt.Errorf("cannot create order: %w", err)
	}
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, restaurantID string, id order.ID) (*order.Order, error) {
	var doc orderDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id.String(), "restaurant_id": restaurantID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("cannot get order: %w", err)
	}
	return doc.toOrder()
}

func (r *OrderRepo) List(ctx context.Context, restaurantID string, statuses ...orderstatus.Status) ([]*order.Order, error) {
	cursor, err := r.collection.Find(ctx, listFilter(restaurantID, statuses),
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("cannot list orders: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []orderDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("cannot decode orders: %w", err)
	}

	result := make([]*order.Order, 0, len(docs))
	for _, doc := range docs {
		o, err := doc.toOrder()
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, nil
}

func listFilter(restaurantID string, statuses []orderstatus.Status) bson.M {
	filter := bson.M{"restaurant_id": restaurantID}
	if len(statuses) > 0 {
		codes := make([]string, 0, len(statuses))
		for _, s := range statuses {
			codes = append(codes, s.Code())
		}
		filter["status"] = bson.M{"$in": codes}
	}
	return filter
}

func (r *OrderRepo) Save(ctx context.Context, o *order.Order) error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}

	filter := bson.M{"_id": o.ID.String(), "restaurant_id": o.RestaurantID}
	update := bson.M{"$set": toDocument(o)}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("cannot update order: %w", err)
	}

	if result.MatchedCount == 0 {
		return order.ErrNotFound
	}
	return nil
}
