// internal/export/mongodb.go
package export

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

const (
	resultsCollection = "validation_results"
	poolCollection    = "proxies"
)

// MongoArchiver ships validation results and pool snapshots to MongoDB
// for long-term analysis.
type MongoArchiver struct {
	client *mongo.Client
	db     *mongo.Database
	logger utils.Logger
}

// NewMongoArchiver connects and pings the server.
func NewMongoArchiver(ctx context.Context, url, database string, logger utils.Logger) (*MongoArchiver, error) {
	opts := options.Client().
		ApplyURI(url).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabaseConnection, "mongodb connect failed", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, utils.WrapError(utils.ErrCodeDatabaseConnection, "mongodb ping failed", err)
	}

	return &MongoArchiver{
		client: client,
		db:     client.Database(database),
		logger: logger.WithField("component", "mongo-archiver"),
	}, nil
}

// ArchiveResults appends validation results to the archive collection.
func (a *MongoArchiver) ArchiveResults(ctx context.Context, results []types.ValidationResult) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}
	docs := make([]interface{}, len(results))
	for i := range results {
		docs[i] = resultDoc(&results[i])
	}
	res, err := a.db.Collection(resultsCollection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return len(res.InsertedIDs), utils.WrapError(utils.ErrCodeDatabaseQuery, "result archive insert failed", err)
	}
	return len(res.InsertedIDs), nil
}

// ArchivePool upserts a pool snapshot keyed by (ip, port).
func (a *MongoArchiver) ArchivePool(ctx context.Context, proxies []types.Proxy) (int, error) {
	if len(proxies) == 0 {
		return 0, nil
	}
	models := make([]mongo.WriteModel, len(proxies))
	for i := range proxies {
		p := &proxies[i]
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"ip": p.IP, "port": p.Port}).
			SetReplacement(proxyDoc(p)).
			SetUpsert(true)
	}
	res, err := a.db.Collection(poolCollection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabaseQuery, "pool archive write failed", err)
	}
	return int(res.UpsertedCount + res.ModifiedCount + res.MatchedCount), nil
}

// Close disconnects from the server.
func (a *MongoArchiver) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

func resultDoc(r *types.ValidationResult) bson.M {
	return bson.M{
		"ip":               r.IP,
		"port":             r.Port,
		"level":            string(r.Level),
		"success":          r.Success,
		"anonymity_level":  string(r.AnonymityLevel),
		"composite_score":  r.CompositeScore,
		"response_time_ms": r.ResponseTimeMs,
		"duration_ms":      r.Duration.Milliseconds(),
		"checked_at":       r.CheckedAt,
		"completed_at":     r.CompletedAt,
		"subtests": bson.M{
			"connectivity": subDoc(r.Connectivity),
			"speed":        subDoc(r.Speed),
			"geolocation":  subDoc(r.Geolocation),
			"anonymity":    subDoc(r.AnonymityTest),
			"stability":    subDoc(r.Stability),
		},
	}
}

func subDoc(s types.SubResult) bson.M {
	doc := bson.M{"ok": s.OK, "score": s.Score}
	if s.Error != "" {
		doc["error"] = s.Error
	}
	return doc
}

func proxyDoc(p *types.Proxy) bson.M {
	return bson.M{
		"ip":               p.IP,
		"port":             p.Port,
		"protocol":         string(p.Protocol),
		"anonymity":        string(p.Anonymity),
		"country":          p.Country,
		"region":           p.Region,
		"city":             p.City,
		"source":           p.Source,
		"response_time_ms": p.ResponseTimeMs,
		"success_rate":     p.SuccessRate,
		"quality_score":    p.QualityScore,
		"is_active":        p.IsActive,
		"last_checked":     p.LastChecked,
		"last_success":     p.LastSuccess,
	}
}
