package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/canvasgraph/common/db"
	"github.com/lyzr/canvasgraph/common/models"
)

//go:embed schema.sql
var schema string

// Migrate creates the canvas tables if they are missing
func Migrate(ctx context.Context, database *db.DB) error {
	if _, err := database.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CanvasRepository stores canvases, their results and patch log in Postgres
type CanvasRepository struct {
	db *db.DB
}

// NewCanvasRepository creates a new canvas repository
func NewCanvasRepository(database *db.DB) *CanvasRepository {
	return &CanvasRepository{db: database}
}

// GetCanvasEntities loads a canvas with its nodes, handles and edges
func (r *CanvasRepository) GetCanvasEntities(ctx context.Context, canvasID string) (*models.CanvasEntities, error) {
	return loadEntities(ctx, r.db, canvasID, false)
}

func loadEntities(ctx context.Context, q querier, canvasID string, forUpdate bool) (*models.CanvasEntities, error) {
	query := `
		SELECT id, user_id, name, version, created_at, updated_at
		FROM canvas
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	e := &models.CanvasEntities{}
	c := &e.Canvas
	err := q.QueryRow(ctx, query, canvasID).Scan(&c.ID, &c.UserID, &c.Name, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get canvas: %w", err)
	}

	if e.Nodes, err = loadNodes(ctx, q, canvasID); err != nil {
		return nil, err
	}
	if e.Handles, err = loadHandles(ctx, q, canvasID); err != nil {
		return nil, err
	}
	if e.Edges, err = loadEdges(ctx, q, canvasID); err != nil {
		return nil, err
	}
	return e, nil
}

func loadNodes(ctx context.Context, q querier, canvasID string) ([]*models.Node, error) {
	rows, err := q.Query(ctx, `
		SELECT id, canvas_id, type, config, result, is_terminal, is_transient, created_at, updated_at
		FROM canvas_node
		WHERE canvas_id = $1
		ORDER BY position, id
	`, canvasID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n := &models.Node{}
		var config, result []byte
		if err := rows.Scan(&n.ID, &n.CanvasID, &n.Type, &config, &result, &n.IsTerminal, &n.IsTransient, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if err := json.Unmarshal(config, &n.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config of node %s: %w", n.ID, err)
		}
		if len(result) > 0 {
			n.Result = &models.NodeResult{}
			if err := json.Unmarshal(result, n.Result); err != nil {
				return nil, fmt.Errorf("failed to decode result of node %s: %w", n.ID, err)
			}
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func loadHandles(ctx context.Context, q querier, canvasID string) ([]*models.Handle, error) {
	rows, err := q.Query(ctx, `
		SELECT id, canvas_id, node_id, key, label, direction, data_types, sort_order, required
		FROM canvas_handle
		WHERE canvas_id = $1
		ORDER BY position, id
	`, canvasID)
	if err != nil {
		return nil, fmt.Errorf("failed to list handles: %w", err)
	}
	defer rows.Close()

	var handles []*models.Handle
	for rows.Next() {
		h := &models.Handle{}
		var types []string
		if err := rows.Scan(&h.ID, &h.CanvasID, &h.NodeID, &h.Key, &h.Label, &h.Direction, &types, &h.Order, &h.Required); err != nil {
			return nil, fmt.Errorf("failed to scan handle: %w", err)
		}
		for _, t := range types {
			h.DataTypes = append(h.DataTypes, models.DataType(t))
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

func loadEdges(ctx context.Context, q querier, canvasID string) ([]*models.Edge, error) {
	rows, err := q.Query(ctx, `
		SELECT id, canvas_id, source_node_id, source_handle_id, target_node_id, target_handle_id
		FROM canvas_edge
		WHERE canvas_id = $1
		ORDER BY position, id
	`, canvasID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []*models.Edge
	for rows.Next() {
		e := &models.Edge{}
		if err := rows.Scan(&e.ID, &e.CanvasID, &e.SourceNodeID, &e.SourceHandleID, &e.TargetNodeID, &e.TargetHandleID); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// SaveCanvas replaces the whole canvas, results included
func (r *CanvasRepository) SaveCanvas(ctx context.Context, e *models.CanvasEntities) error {
	if e.Canvas.ID == "" {
		return fmt.Errorf("canvas id is required")
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		version := e.Canvas.Version
		if version == 0 {
			version = 1
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO canvas (id, user_id, name, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT (id) DO UPDATE
			SET user_id = EXCLUDED.user_id, name = EXCLUDED.name, version = EXCLUDED.version, updated_at = now()
		`, e.Canvas.ID, e.Canvas.UserID, e.Canvas.Name, version)
		if err != nil {
			return fmt.Errorf("failed to save canvas: %w", err)
		}

		for _, table := range []string{"canvas_edge", "canvas_handle", "canvas_node"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE canvas_id = $1", e.Canvas.ID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		for i, n := range e.Nodes {
			config, result, err := encodeNode(n)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO canvas_node (canvas_id, id, position, type, config, result, is_terminal, is_transient, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			`, e.Canvas.ID, n.ID, i, n.Type, config, result, n.IsTerminal, n.IsTransient)
			if err != nil {
				return fmt.Errorf("failed to insert node %s: %w", n.ID, err)
			}
		}
		return insertWiring(ctx, tx, e)
	})
}

func encodeNode(n *models.Node) ([]byte, []byte, error) {
	cfg := n.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	config, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode config of node %s: %w", n.ID, err)
	}
	if n.Result == nil {
		return config, nil, nil
	}
	result, err := json.Marshal(n.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result of node %s: %w", n.ID, err)
	}
	return config, result, nil
}

// insertWiring writes handles and edges
func insertWiring(ctx context.Context, tx pgx.Tx, e *models.CanvasEntities) error {
	batch := &pgx.Batch{}
	for i, h := range e.Handles {
		types := make([]string, len(h.DataTypes))
		for j, t := range h.DataTypes {
			types[j] = string(t)
		}
		batch.Queue(`
			INSERT INTO canvas_handle (canvas_id, id, position, node_id, key, label, direction, data_types, sort_order, required)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.Canvas.ID, h.ID, i, h.NodeID, h.Key, h.Label, string(h.Direction), types, h.Order, h.Required)
	}
	for i, ed := range e.Edges {
		batch.Queue(`
			INSERT INTO canvas_edge (canvas_id, id, position, source_node_id, source_handle_id, target_node_id, target_handle_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.Canvas.ID, ed.ID, i, ed.SourceNodeID, ed.SourceHandleID, ed.TargetNodeID, ed.TargetHandleID)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert handles and edges: %w", err)
	}
	return nil
}

// ReplaceNodeResult swaps a node's result. With check set, the canvas row
// is locked first so no patch commits between the check and the write.
func (r *CanvasRepository) ReplaceNodeResult(ctx context.Context, canvasID, nodeID string, result *models.NodeResult, check func(current *models.CanvasEntities) error) error {
	var raw []byte
	if result != nil {
		var err error
		if raw, err = json.Marshal(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if check != nil {
			current, err := loadEntities(ctx, tx, canvasID, true)
			if err != nil {
				return err
			}
			if err := check(current); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE canvas_node
			SET result = $3, updated_at = now()
			WHERE canvas_id = $1 AND id = $2
		`, canvasID, nodeID, raw)
		if err != nil {
			return fmt.Errorf("failed to replace node result: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("node %s/%s: %w", canvasID, nodeID, models.ErrNotFound)
		}
		return nil
	})
}

// UpdateNodeResult reads, transforms and writes a result under a row lock
func (r *CanvasRepository) UpdateNodeResult(ctx context.Context, canvasID, nodeID string, fn func(current *models.NodeResult) (*models.NodeResult, error)) (*models.NodeResult, error) {
	var next *models.NodeResult

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `
			SELECT result FROM canvas_node
			WHERE canvas_id = $1 AND id = $2
			FOR UPDATE
		`, canvasID, nodeID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("node %s/%s: %w", canvasID, nodeID, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read node result: %w", err)
		}

		var current *models.NodeResult
		if len(raw) > 0 {
			current = &models.NodeResult{}
			if err := json.Unmarshal(raw, current); err != nil {
				return fmt.Errorf("failed to decode node result: %w", err)
			}
		}

		if next, err = fn(current); err != nil {
			return err
		}

		var out []byte
		if next != nil {
			if out, err = json.Marshal(next); err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			UPDATE canvas_node SET result = $3, updated_at = now()
			WHERE canvas_id = $1 AND id = $2
		`, canvasID, nodeID, out)
		if err != nil {
			return fmt.Errorf("failed to write node result: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// ApplyPatch stores the patched structure and appends the patch to the log.
// Results of surviving nodes are kept unless the node changed type.
func (r *CanvasRepository) ApplyPatch(ctx context.Context, p *models.Patch, next *models.CanvasEntities, expectedVersion int64) (*models.Patch, error) {
	ops, err := json.Marshal(p.Operations)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operations: %w", err)
	}

	stored := *p
	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var version int64
		err := tx.QueryRow(ctx, `SELECT version FROM canvas WHERE id = $1 FOR UPDATE`, p.CanvasID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("canvas %s: %w", p.CanvasID, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock canvas: %w", err)
		}
		if version != expectedVersion {
			return fmt.Errorf("canvas %s at version %d, expected %d: %w", p.CanvasID, version, expectedVersion, models.ErrVersionConflict)
		}

		ids := make([]string, len(next.Nodes))
		for i, n := range next.Nodes {
			ids[i] = n.ID
		}
		if _, err := tx.Exec(ctx, `DELETE FROM canvas_edge WHERE canvas_id = $1`, p.CanvasID); err != nil {
			return fmt.Errorf("failed to clear edges: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM canvas_handle WHERE canvas_id = $1`, p.CanvasID); err != nil {
			return fmt.Errorf("failed to clear handles: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM canvas_node WHERE canvas_id = $1 AND NOT (id = ANY($2))`, p.CanvasID, ids); err != nil {
			return fmt.Errorf("failed to remove nodes: %w", err)
		}

		for i, n := range next.Nodes {
			config, _, err := encodeNode(&models.Node{ID: n.ID, Config: n.Config})
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO canvas_node (canvas_id, id, position, type, config, is_terminal, is_transient, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
				ON CONFLICT (canvas_id, id) DO UPDATE
				SET position = EXCLUDED.position,
				    type = EXCLUDED.type,
				    config = EXCLUDED.config,
				    is_terminal = EXCLUDED.is_terminal,
				    is_transient = EXCLUDED.is_transient,
				    result = CASE WHEN canvas_node.type = EXCLUDED.type THEN canvas_node.result ELSE NULL END,
				    updated_at = CASE
				        WHEN canvas_node.type = EXCLUDED.type
				         AND canvas_node.config = EXCLUDED.config
				         AND canvas_node.is_terminal = EXCLUDED.is_terminal
				         AND canvas_node.is_transient = EXCLUDED.is_transient
				        THEN canvas_node.updated_at
				        ELSE now()
				    END
			`, p.CanvasID, n.ID, i, n.Type, config, n.IsTerminal, n.IsTransient)
			if err != nil {
				return fmt.Errorf("failed to upsert node %s: %w", n.ID, err)
			}
		}

		if err := insertWiring(ctx, tx, next); err != nil {
			return err
		}

		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO canvas_patch (canvas_id, id, seq, source, operations, description, created_by, created_at)
			VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM canvas_patch WHERE canvas_id = $1), $3, $4, $5, $6, $7)
			RETURNING seq
		`, p.CanvasID, p.ID, string(p.Source), ops, p.Description, p.CreatedBy, stored.CreatedAt).Scan(&stored.Seq)
		if err != nil {
			return fmt.Errorf("failed to record patch: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE canvas SET version = version + 1, updated_at = now() WHERE id = $1`, p.CanvasID)
		if err != nil {
			return fmt.Errorf("failed to bump canvas version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

const patchColumns = `id, canvas_id, seq, source, operations, description, created_by, created_at`

func scanPatch(row pgx.Row) (*models.Patch, error) {
	p := &models.Patch{}
	var ops []byte
	if err := row.Scan(&p.ID, &p.CanvasID, &p.Seq, &p.Source, &ops, &p.Description, &p.CreatedBy, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ops, &p.Operations); err != nil {
		return nil, fmt.Errorf("failed to decode operations of patch %s: %w", p.ID, err)
	}
	return p, nil
}

// GetPatch returns one logged patch
func (r *CanvasRepository) GetPatch(ctx context.Context, canvasID, patchID string) (*models.Patch, error) {
	p, err := scanPatch(r.db.QueryRow(ctx, `
		SELECT `+patchColumns+`
		FROM canvas_patch
		WHERE canvas_id = $1 AND id = $2
	`, canvasID, patchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patch %s: %w", patchID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patch: %w", err)
	}
	return p, nil
}

// ListPatches returns patches with seq > afterSeq in order
func (r *CanvasRepository) ListPatches(ctx context.Context, canvasID string, afterSeq int64, limit int) ([]*models.Patch, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+patchColumns+`
		FROM canvas_patch
		WHERE canvas_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, canvasID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list patches: %w", err)
	}
	defer rows.Close()

	var patches []*models.Patch
	for rows.Next() {
		p, err := scanPatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patch: %w", err)
		}
		patches = append(patches, p)
	}
	return patches, rows.Err()
}
