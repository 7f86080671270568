// Package lineage records model provenance in Neo4j: which version each
// version was derived from, and which behaviour versions generated the turns
// it was trained on.
package lineage

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/learner"
	"github.com/nidhogg/streamrl/internal/version"
)

// Store handles Neo4j operations for the lineage graph.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a new Neo4j lineage store.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraint on version numbers.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT version_number IF NOT EXISTS
		 FOR (v:Version) REQUIRE v.number IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("create lineage constraint: %w", err)
	}
	return nil
}

// RecordUpdate implements learner.LineageRecorder. Everything for one
// version is written in a single transaction.
func (s *Store) RecordUpdate(ctx context.Context, mv version.ModelVersion, parent uint64, consumed map[uint64]learner.Consumption) error {
	rows := make([]map[string]any, 0, len(consumed))
	for v, c := range consumed {
		rows = append(rows, map[string]any{
			"behaviour":   int64(v),
			"turns":       int64(c.Turns),
			"mean_weight": c.MeanWeight,
		})
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MERGE (v:Version {number: $v})
			 SET v.weight_ref = $ref, v.precision = $precision, v.created_at = datetime($created)`,
			map[string]any{
				"v":         int64(mv.Version),
				"ref":       mv.WeightRef,
				"precision": mv.Precision.String(),
				"created":   mv.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
			}); err != nil {
			return nil, err
		}
		if parent > 0 {
			if _, err := tx.Run(ctx,
				`MATCH (v:Version {number: $v})
				 MERGE (p:Version {number: $parent})
				 MERGE (v)-[:DERIVED_FROM]->(p)`,
				map[string]any{"v": int64(mv.Version), "parent": int64(parent)}); err != nil {
				return nil, err
			}
		}
		if len(rows) > 0 {
			if _, err := tx.Run(ctx,
				`MATCH (v:Version {number: $v})
				 UNWIND $rows AS row
				 MERGE (b:Version {number: row.behaviour})
				 MERGE (v)-[r:TRAINED_ON]->(b)
				 SET r.turns = row.turns, r.mean_weight = row.mean_weight`,
				map[string]any{"v": int64(mv.Version), "rows": rows}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("record lineage v%d: %w", mv.Version, err)
	}
	s.logger.Debug("lineage recorded",
		zap.Uint64("version", mv.Version),
		zap.Uint64("parent", parent),
		zap.Int("behaviour_versions", len(rows)))
	return nil
}

// Ancestry returns v's DERIVED_FROM chain, nearest ancestor first.
func (s *Store) Ancestry(ctx context.Context, v uint64) ([]uint64, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH path = (:Version {number: $v})-[:DERIVED_FROM*]->(a:Version)
		 RETURN a.number AS number, length(path) AS depth
		 ORDER BY depth`,
		map[string]any{"v": int64(v)})
	if err != nil {
		return nil, fmt.Errorf("query ancestry v%d: %w", v, err)
	}
	var out []uint64
	for result.Next(ctx) {
		n, _ := result.Record().Get("number")
		out = append(out, uint64(n.(int64)))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read ancestry v%d: %w", v, err)
	}
	return out, nil
}

// TrainedOn returns the behaviour versions v consumed, ascending.
func (s *Store) TrainedOn(ctx context.Context, v uint64) ([]uint64, map[uint64]learner.Consumption, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Version {number: $v})-[r:TRAINED_ON]->(b:Version)
		 RETURN b.number AS number, r.turns AS turns, r.mean_weight AS mean_weight`,
		map[string]any{"v": int64(v)})
	if err != nil {
		return nil, nil, fmt.Errorf("query consumption v%d: %w", v, err)
	}
	out := make(map[uint64]learner.Consumption)
	var keys []uint64
	for result.Next(ctx) {
		rec := result.Record()
		n, _ := rec.Get("number")
		turns, _ := rec.Get("turns")
		w, _ := rec.Get("mean_weight")
		b := uint64(n.(int64))
		keys = append(keys, b)
		out[b] = learner.Consumption{Turns: int(turns.(int64)), MeanWeight: w.(float64)}
	}
	if err := result.Err(); err != nil {
		return nil, nil, fmt.Errorf("read consumption v%d: %w", v, err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, out, nil
}

var _ learner.LineageRecorder = (*Store)(nil)
