// Package catalog resolves avatar personas and replicas before sessions
// are accepted.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/duplex/pkg/errorsx"
)

var ErrNotFound = errors.New("catalog: entry not found")

type Persona struct {
	ID   string `json:"persona_id"`
	Name string `json:"persona_name"`
	// ReplicaID is the persona's default replica, if any.
	ReplicaID string `json:"default_replica_id"`
}

type Replica struct {
	ID     string `json:"replica_id"`
	Name   string `json:"replica_name"`
	Status string `json:"status"`
}

// Selector names a persona and replica either by ID or by name. IDs win
// when both are set.
type Selector struct {
	PersonaID   string `mapstructure:"persona_id"`
	PersonaName string `mapstructure:"persona_name"`
	ReplicaID   string `mapstructure:"replica_id"`
	ReplicaName string `mapstructure:"replica_name"`
}

func (s Selector) Empty() bool {
	return s.PersonaID == "" && s.PersonaName == "" && s.ReplicaID == "" && s.ReplicaName == ""
}

// Handle is a resolved selector.
type Handle struct {
	Persona Persona
	Replica Replica
}

type Source interface {
	ListPersonas(ctx context.Context) ([]Persona, error)
	ListReplicas(ctx context.Context) ([]Replica, error)
}

type Resolver interface {
	Resolve(ctx context.Context, sel Selector) (Handle, error)
}

// SourceResolver resolves selectors against a listing source.
type SourceResolver struct {
	src Source
}

func NewResolver(src Source) *SourceResolver {
	return &SourceResolver{src: src}
}

func (r *SourceResolver) Resolve(ctx context.Context, sel Selector) (Handle, error) {
	var h Handle
	if sel.PersonaID != "" || sel.PersonaName != "" {
		personas, err := r.src.ListPersonas(ctx)
		if err != nil {
			return Handle{}, errorsx.Errorf(errorsx.ReasonCatalogLookup, "list personas: %w", err)
		}
		p, ok := find(personas, sel.PersonaID, sel.PersonaName, func(p Persona) (string, string) { return p.ID, p.Name })
		if !ok {
			return Handle{}, errorsx.Errorf(errorsx.ReasonCatalogLookup, "persona %s: %w", label(sel.PersonaID, sel.PersonaName), ErrNotFound)
		}
		h.Persona = p
	}

	replicaID, replicaName := sel.ReplicaID, sel.ReplicaName
	if replicaID == "" && replicaName == "" {
		replicaID = h.Persona.ReplicaID
	}
	if replicaID == "" && replicaName == "" {
		return h, nil
	}
	replicas, err := r.src.ListReplicas(ctx)
	if err != nil {
		return Handle{}, errorsx.Errorf(errorsx.ReasonCatalogLookup, "list replicas: %w", err)
	}
	rep, ok := find(replicas, replicaID, replicaName, func(r Replica) (string, string) { return r.ID, r.Name })
	if !ok {
		return Handle{}, errorsx.Errorf(errorsx.ReasonCatalogLookup, "replica %s: %w", label(replicaID, replicaName), ErrNotFound)
	}
	h.Replica = rep
	return h, nil
}

func find[T any](items []T, id, name string, key func(T) (string, string)) (T, bool) {
	var zero T
	for _, it := range items {
		itemID, itemName := key(it)
		if id != "" {
			if itemID == id {
				return it, true
			}
			continue
		}
		if strings.EqualFold(strings.TrimSpace(itemName), strings.TrimSpace(name)) {
			return it, true
		}
	}
	return zero, false
}

func label(id, name string) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("%q", name)
}
