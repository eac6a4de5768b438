package exception

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Input is the payload an upstream module submits to create a record.
type Input struct {
	ClientID        string   `json:"client_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	TypeKey         TypeKey  `json:"type_key"`
	Severity        Severity `json:"severity"`
	SourceModuleKey string   `json:"source_module_key"`

	SourceCollection string    `json:"source_collection,omitempty"`
	SourceID         string    `json:"source_id,omitempty"`
	LinkURL          string    `json:"link_url,omitempty"`
	Lineage          string    `json:"lineage,omitempty"`
	SourceAsOf       time.Time `json:"source_as_of,omitempty"`
}

// Validate rejects ingestion before a record is created. This is one of the
// two hard-failure surfaces; everything downstream degrades to no-ops.
func (in *Input) Validate() error {
	var errs []error
	if strings.TrimSpace(in.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if in.TypeKey == "" {
		errs = append(errs, errors.New("type_key is required"))
	} else if !ValidTypeKey(in.TypeKey) {
		errs = append(errs, fmt.Errorf("unknown type_key %q", in.TypeKey))
	}
	if in.Severity == "" {
		errs = append(errs, errors.New("severity is required"))
	} else if !ValidSeverity(in.Severity) {
		errs = append(errs, fmt.Errorf("unknown severity %q", in.Severity))
	}
	if in.SourceModuleKey == "" {
		errs = append(errs, errors.New("source_module_key is required"))
	}
	return errors.Join(errs...)
}

// Ingest creates a new open record from a raw anomaly. No deduplication
// happens here; merging related records is the clustering engine's job.
func Ingest(in *Input, now time.Time) (*Exception, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exception input: %w", err)
	}

	linkURL := in.LinkURL
	if linkURL == "" {
		linkURL = BuildLinkURL(in.SourceModuleKey, in.SourceCollection, in.SourceID)
	}

	return &Exception{
		ID:               ulid.Make().String(),
		ClientID:         in.ClientID,
		Title:            strings.TrimSpace(in.Title),
		Description:      in.Description,
		TypeKey:          in.TypeKey,
		Severity:         in.Severity,
		Status:           StatusOpen,
		SourceModuleKey:  in.SourceModuleKey,
		SourceCollection: in.SourceCollection,
		SourceID:         in.SourceID,
		LinkURL:          linkURL,
		Lineage:          in.Lineage,
		SourceAsOf:       in.SourceAsOf,
		SourceResolved:   false,
		SLAAtRisk:        false,
		Timeline: []TimelineEntry{{
			At:    now,
			Type:  EventCreated,
			By:    in.SourceModuleKey,
			Notes: fmt.Sprintf("raised by module %s", in.SourceModuleKey),
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
