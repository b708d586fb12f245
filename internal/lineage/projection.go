package lineage

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

// ProjectProduct mirrors one product and its record trail into the graph:
// (Operator)-[:PERFORMED]->(Event)-[:ON]->(Batch), events chained with
// [:NEXT] in trail order. The projection is idempotent; re-running it after
// new records only adds the missing nodes.
//
// Failures are logged and swallowed. The relational store is the source of
// truth; the graph only powers lineage queries.
func ProjectProduct(ctx context.Context, client *Client, log *logger.Logger, product *types.Product, records []*types.ProductRecord) {
	if client == nil || client.Driver == nil || product == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	eventRows := make([]map[string]any, 0, len(records))
	for i, rec := range records {
		row := map[string]any{
			"id":            rec.ID.String(),
			"stage":         string(rec.Stage),
			"action":        string(rec.Action),
			"operator_id":   rec.OperatorID.String(),
			"operator_name": rec.OperatorName,
			"tx_hash":       rec.TxHash,
			"created_at":    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			"synced_at":     now,
			"prev_id":       nil,
		}
		if i > 0 {
			row["prev_id"] = records[i-1].ID.String()
		}
		eventRows = append(eventRows, row)
	}

	traceCode := ""
	if product.TraceCode != nil {
		traceCode = *product.TraceCode
	}

	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	// Best-effort schema init.
	for _, q := range []string{
		`CREATE CONSTRAINT batch_id_unique IF NOT EXISTS FOR (b:Batch) REQUIRE b.id IS UNIQUE`,
		`CREATE CONSTRAINT event_id_unique IF NOT EXISTS FOR (e:Event) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT operator_id_unique IF NOT EXISTS FOR (o:Operator) REQUIRE o.id IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			log.Debug("Lineage schema init skipped", "error", err)
		}
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (b:Batch {id: $id})
			SET b.trace_code = $trace_code,
			    b.name = $name,
			    b.status = $status,
			    b.stage = $stage,
			    b.synced_at = $synced_at
		`, map[string]any{
			"id":         product.ID.String(),
			"trace_code": traceCode,
			"name":       product.Name,
			"status":     string(product.Status),
			"stage":      string(product.Stage),
			"synced_at":  now,
		}); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MATCH (b:Batch {id: $batch_id})
			MERGE (e:Event {id: row.id})
			SET e.stage = row.stage,
			    e.action = row.action,
			    e.tx_hash = row.tx_hash,
			    e.created_at = row.created_at,
			    e.synced_at = row.synced_at
			MERGE (e)-[:ON]->(b)
			MERGE (o:Operator {id: row.operator_id})
			SET o.name = row.operator_name
			MERGE (o)-[:PERFORMED]->(e)
			WITH e, row
			WHERE row.prev_id IS NOT NULL
			MATCH (p:Event {id: row.prev_id})
			MERGE (p)-[:NEXT]->(e)
		`, map[string]any{
			"rows":     eventRows,
			"batch_id": product.ID.String(),
		}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		log.Warn("Lineage projection failed", "product_id", product.ID, "error", err)
	}
}
