package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bindery-io/bindery/internal/domain"
)

// paramsRecord is the stored JSON shape of domain.BuildParams.
type paramsRecord struct {
	Bundles         []string `json:"bundles,omitempty"`
	Operators       []string `json:"operators,omitempty"`
	FromIndex       string   `json:"from_index,omitempty"`
	BinaryImage     string   `json:"binary_image,omitempty"`
	AddArches       []string `json:"add_arches,omitempty"`
	Overwrite       bool     `json:"overwrite_from_index,omitempty"`
	FromBundleImage string   `json:"from_bundle_image,omitempty"`
	Organization    string   `json:"organization,omitempty"`
	SourceFromIndex string   `json:"source_from_index,omitempty"`
	TargetIndex     string   `json:"target_index,omitempty"`
	DeprecationList []string `json:"deprecation_list,omitempty"`
}

// resultRecord is the stored JSON shape of domain.BuildResult.
type resultRecord struct {
	IndexImage         string            `json:"index_image,omitempty"`
	IndexImageResolved string            `json:"index_image_resolved,omitempty"`
	ArchDigests        map[string]string `json:"arch_digests,omitempty"`
}

func encodeParams(p domain.BuildParams) (string, error) {
	data, err := json.Marshal(paramsRecord{
		Bundles:         p.Bundles,
		Operators:       p.Operators,
		FromIndex:       p.FromIndex,
		BinaryImage:     p.BinaryImage,
		AddArches:       p.AddArches,
		Overwrite:       p.Overwrite,
		FromBundleImage: p.FromBundleImage,
		Organization:    p.Organization,
		SourceFromIndex: p.SourceFromIndex,
		TargetIndex:     p.TargetIndex,
		DeprecationList: p.DeprecationList,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	return string(data), nil
}

func decodeParams(raw string) (domain.BuildParams, error) {
	var rec paramsRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.BuildParams{}, fmt.Errorf("failed to decode params: %w", err)
	}
	return domain.BuildParams{
		Bundles:         rec.Bundles,
		Operators:       rec.Operators,
		FromIndex:       rec.FromIndex,
		BinaryImage:     rec.BinaryImage,
		AddArches:       rec.AddArches,
		Overwrite:       rec.Overwrite,
		FromBundleImage: rec.FromBundleImage,
		Organization:    rec.Organization,
		SourceFromIndex: rec.SourceFromIndex,
		TargetIndex:     rec.TargetIndex,
		DeprecationList: rec.DeprecationList,
	}, nil
}

func encodeResult(r *domain.BuildResult) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(resultRecord{
		IndexImage:         r.IndexImage,
		IndexImageResolved: r.IndexImageResolved,
		ArchDigests:        r.ArchDigests,
	})
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode result: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeResult(raw sql.NullString) (*domain.BuildResult, error) {
	if !raw.Valid {
		return nil, nil
	}
	var rec resultRecord
	if err := json.Unmarshal([]byte(raw.String), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &domain.BuildResult{
		IndexImage:         rec.IndexImage,
		IndexImageResolved: rec.IndexImageResolved,
		ArchDigests:        rec.ArchDigests,
	}, nil
}

func encodeAnnotations(a map[string]string) (string, error) {
	if a == nil {
		a = map[string]string{}
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode annotations: %w", err)
	}
	return string(data), nil
}

func decodeAnnotations(raw string) (map[string]string, error) {
	a := map[string]string{}
	if raw == "" {
		return a, nil
	}
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("failed to decode annotations: %w", err)
	}
	return a, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared request scan.
type rowScanner interface {
	Scan(dest ...any) error
}

const requestColumns = `id, batch_id, kind, target, lock_key, architecture,
	params, state, state_reason, from_index_resolved, binary_image_resolved,
	result, created, updated`

func scanRequest(row rowScanner) (*domain.Request, error) {
	var (
		r                domain.Request
		params           string
		result           sql.NullString
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.BatchID, &r.Kind, &r.Target, &r.LockKey,
		&r.Architecture, &params, &r.State, &r.StateReason,
		&r.FromIndexResolved, &r.BinaryImageResolved, &result,
		&created, &updated)
	if err != nil {
		return nil, err
	}

	if r.Params, err = decodeParams(params); err != nil {
		return nil, err
	}
	if r.Result, err = decodeResult(result); err != nil {
		return nil, err
	}
	r.Created = time.Unix(0, created).UTC()
	r.Updated = time.Unix(0, updated).UTC()
	return &r, nil
}
