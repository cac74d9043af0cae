package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/colony/pkg/events"
)

var (
	// ErrUnresolved is returned when an alias matches nothing in the catalog
	ErrUnresolved = errors.New("model could not be resolved")
	// ErrInvalidFormat is returned for model strings that are neither an
	// alias nor provider/model
	ErrInvalidFormat = errors.New("invalid model format")
)

// Aliases
const (
	Auto = "auto"
	Node = "node"
)

// Model is one entry of the model catalog
type Model struct {
	ID      string   `json:"id" yaml:"id"` // provider/model
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Default bool     `json:"default,omitempty" yaml:"default,omitempty"`
}

// Catalog is the set of models available to workers
type Catalog struct {
	Models []Model `json:"models" yaml:"models"`
	// Current is the model of the orchestrating session; "node" resolves to it
	Current string `json:"current,omitempty" yaml:"current,omitempty"`
}

// Resolution is the outcome of resolving a model tag
type Resolution struct {
	Requested string
	ModelID   string
	Fallback  bool
	Reason    string
}

// Resolver turns profile model tags into concrete model ids
type Resolver struct {
	broker *events.Broker
}

// NewResolver creates a resolver. broker may be nil.
func NewResolver(broker *events.Broker) *Resolver {
	return &Resolver{broker: broker}
}

// Resolve maps tag to a concrete model id.
//
//	provider/model   used as-is
//	auto             default catalog model, else the first entry
//	auto:<tag>       first catalog model carrying tag
//	node             the catalog's current model, falling back to auto
func (r *Resolver) Resolve(workerID, tag string, catalog Catalog) (Resolution, error) {
	res, err := resolve(strings.TrimSpace(tag), catalog)
	if err != nil {
		return res, fmt.Errorf("worker %q: %w", workerID, err)
	}
	if r.broker != nil {
		typ := events.EventModelResolved
		if res.Fallback {
			typ = events.EventModelFallback
		}
		r.broker.Emit(typ, workerID, res.Reason, map[string]string{
			"requested": res.Requested,
			"model":     res.ModelID,
		})
	}
	return res, nil
}

func resolve(tag string, catalog Catalog) (Resolution, error) {
	res := Resolution{Requested: tag}
	lower := strings.ToLower(tag)

	switch {
	case tag == "":
		return res, fmt.Errorf("%w: model is required", ErrInvalidFormat)

	case lower == Node:
		if catalog.Current != "" {
			res.ModelID = catalog.Current
			res.Reason = "using orchestrator model"
			return res, nil
		}
		id, err := pickDefault(catalog)
		if err != nil {
			return res, fmt.Errorf("%w: %q has no current model and %v", ErrUnresolved, tag, err)
		}
		res.ModelID = id
		res.Fallback = true
		res.Reason = "no orchestrator model, fell back to auto"
		return res, nil

	case lower == Auto:
		id, err := pickDefault(catalog)
		if err != nil {
			return res, fmt.Errorf("%w: %q: %v", ErrUnresolved, tag, err)
		}
		res.ModelID = id
		res.Reason = "auto"
		return res, nil

	case strings.HasPrefix(lower, Auto+":"):
		want := strings.TrimPrefix(lower, Auto+":")
		for _, m := range catalog.Models {
			for _, t := range m.Tags {
				if strings.EqualFold(t, want) {
					res.ModelID = m.ID
					res.Reason = "tag " + want
					return res, nil
				}
			}
		}
		return res, fmt.Errorf("%w: no model tagged %q in catalog", ErrUnresolved, want)
	}

	provider, model, ok := strings.Cut(tag, "/")
	if !ok || provider == "" || model == "" || strings.ContainsAny(tag, " \t") {
		return res, fmt.Errorf("%w: %q (expected provider/model, auto, auto:<tag> or node)", ErrInvalidFormat, tag)
	}
	res.ModelID = tag
	return res, nil
}

func pickDefault(catalog Catalog) (string, error) {
	if len(catalog.Models) == 0 {
		return "", errors.New("model catalog is empty")
	}
	for _, m := range catalog.Models {
		if m.Default {
			return m.ID, nil
		}
	}
	return catalog.Models[0].ID, nil
}
