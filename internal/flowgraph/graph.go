// Package flowgraph stores the trigger→action edges of the automated reply
// flow. Each (company, channel) scope has one live generation (backup = 0);
// replacing the graph retires the live rows instead of deleting them.
package flowgraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"wuzapi-autoflow/internal/models"
)

var (
	ErrEmptyScope       = errors.New("flowgraph: company and channel are required")
	ErrInvalidEdge      = errors.New("flowgraph: edge source and template data are required")
	ErrDuplicateTrigger = errors.New("flowgraph: duplicate source/sourceHandle in graph")
)

// Scope identifies a tenant channel. Every lookup is scoped by both ids.
type Scope struct {
	CompanyID      int64
	CompanyPhoneID int64
}

func (s Scope) valid() bool { return s.CompanyID > 0 && s.CompanyPhoneID > 0 }

// EdgeInput is one edge of a replacement graph.
type EdgeInput struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle"`
	IDRelation   string `json:"idRelation"`
	TemplateData string `json:"templateData"`
}

// Graph is the sqlx-backed flow edge repository.
type Graph struct {
	db  *sqlx.DB
	now func() time.Time
}

func New(db *sqlx.DB) *Graph {
	return &Graph{db: db, now: time.Now}
}

// ReplaceGraph retires the scope's live edges and inserts edges as the new
// live generation, all in one transaction.
func (g *Graph) ReplaceGraph(ctx context.Context, scope Scope, edges []EdgeInput) error {
	if !scope.valid() {
		return ErrEmptyScope
	}
	seen := make(map[string]struct{}, len(edges))
	for i, e := range edges {
		if strings.TrimSpace(e.Source) == "" || e.TemplateData == "" {
			return fmt.Errorf("edge %d: %w", i, ErrInvalidEdge)
		}
		key := e.Source + "\x00" + e.SourceHandle
		if _, dup := seen[key]; dup {
			return fmt.Errorf("edge %d (%s/%s): %w", i, e.Source, e.SourceHandle, ErrDuplicateTrigger)
		}
		seen[key] = struct{}{}
	}

	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace graph: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	retired, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE auto_flow SET backup = backup + 1 WHERE company_id = ? AND company_phone_id = ?`),
		scope.CompanyID, scope.CompanyPhoneID)
	if err != nil {
		return fmt.Errorf("retire live edges: %w", err)
	}

	insert := tx.Rebind(`INSERT INTO auto_flow
		(source, source_handle, target, target_handle, id_relation, template_data, company_id, company_phone_id, backup, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`)
	now := g.now().UTC()
	for i, e := range edges {
		rel := e.IDRelation
		if rel == "" {
			rel = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, insert,
			e.Source, e.SourceHandle, e.Target, e.TargetHandle, rel, e.TemplateData,
			scope.CompanyID, scope.CompanyPhoneID, now); err != nil {
			return fmt.Errorf("insert edge %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace graph: %w", err)
	}

	n, _ := retired.RowsAffected()
	log.Info().
		Int64("companyID", scope.CompanyID).
		Int64("companyPhoneID", scope.CompanyPhoneID).
		Int64("retired", n).
		Int("inserted", len(edges)).
		Msg("Flow graph replaced")
	return nil
}

// ListLiveEdges returns the live generation of the scope ordered by idRelation.
func (g *Graph) ListLiveEdges(ctx context.Context, scope Scope) ([]models.FlowEdge, error) {
	edges := []models.FlowEdge{}
	err := g.db.SelectContext(ctx, &edges, g.db.Rebind(
		`SELECT * FROM auto_flow WHERE company_id = ? AND company_phone_id = ? AND backup = 0
		 ORDER BY id_relation, id`),
		scope.CompanyID, scope.CompanyPhoneID)
	if err != nil {
		return nil, fmt.Errorf("list live edges: %w", err)
	}
	return edges, nil
}

// FindEdges returns every live edge matching source and sourceHandle.
func (g *Graph) FindEdges(ctx context.Context, scope Scope, source, sourceHandle string) ([]models.FlowEdge, error) {
	edges := []models.FlowEdge{}
	err := g.db.SelectContext(ctx, &edges, g.db.Rebind(
		`SELECT * FROM auto_flow
		 WHERE company_id = ? AND company_phone_id = ? AND source = ? AND source_handle = ? AND backup = 0
		 ORDER BY id`),
		scope.CompanyID, scope.CompanyPhoneID, source, sourceHandle)
	if err != nil {
		return nil, fmt.Errorf("find edges %s/%s: %w", source, sourceHandle, err)
	}
	return edges, nil
}

// FindEdge returns the live edge for source and sourceHandle, or nil.
func (g *Graph) FindEdge(ctx context.Context, scope Scope, source, sourceHandle string) (*models.FlowEdge, error) {
	var edge models.FlowEdge
	err := g.db.GetContext(ctx, &edge, g.db.Rebind(
		`SELECT * FROM auto_flow
		 WHERE company_id = ? AND company_phone_id = ? AND source = ? AND source_handle = ? AND backup = 0
		 ORDER BY id LIMIT 1`),
		scope.CompanyID, scope.CompanyPhoneID, source, sourceHandle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find edge %s/%s: %w", source, sourceHandle, err)
	}
	return &edge, nil
}
