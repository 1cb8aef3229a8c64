// Package dto provides shared data transfer objects for API requests
// and responses.
package dto

import "time"

// AddBuildRequest is the payload for submitting an add build.
type AddBuildRequest struct {
	Bundles            []string          `json:"bundles"`
	FromIndex          string            `json:"from_index"`
	BinaryImage        string            `json:"binary_image"`
	AddArches          []string          `json:"add_arches"`
	OverwriteFromIndex bool              `json:"overwrite_from_index"`
	BatchAnnotations   map[string]string `json:"batch_annotations"`
}

// RemoveBuildRequest is the payload for submitting an rm build.
type RemoveBuildRequest struct {
	Operators        []string          `json:"operators"`
	FromIndex        string            `json:"from_index"`
	BinaryImage      string            `json:"binary_image"`
	AddArches        []string          `json:"add_arches"`
	BatchAnnotations map[string]string `json:"batch_annotations"`
}

// RegenerateBundleRequest is the payload for submitting a bundle
// regeneration build.
type RegenerateBundleRequest struct {
	FromBundleImage  string            `json:"from_bundle_image"`
	Organization     string            `json:"organization"`
	BatchAnnotations map[string]string `json:"batch_annotations"`
}

// MergeIndexImageRequest is the payload for submitting a merge build.
type MergeIndexImageRequest struct {
	SourceFromIndex  string            `json:"source_from_index"`
	TargetIndex      string            `json:"target_index"`
	BinaryImage      string            `json:"binary_image"`
	DeprecationList  []string          `json:"deprecation_list"`
	BatchAnnotations map[string]string `json:"batch_annotations"`
}

// StateHistoryEntry is one state transition in a build request's history.
type StateHistoryEntry struct {
	State       string    `json:"state"`
	StateReason string    `json:"state_reason"`
	Updated     time.Time `json:"updated"`
}

// BuildRequestResponse represents a build request in API responses.
// Parameter fields not relevant to the request's type are omitted.
type BuildRequestResponse struct {
	ID           string              `json:"id"`
	Batch        string              `json:"batch"`
	RequestType  string              `json:"request_type"`
	State        string              `json:"state"`
	StateReason  string              `json:"state_reason"`
	StateHistory []StateHistoryEntry `json:"state_history,omitempty"`
	Architecture string              `json:"architecture,omitempty"`

	Bundles         []string `json:"bundles,omitempty"`
	Operators       []string `json:"operators,omitempty"`
	FromIndex       string   `json:"from_index,omitempty"`
	BinaryImage     string   `json:"binary_image,omitempty"`
	FromBundleImage string   `json:"from_bundle_image,omitempty"`
	Organization    string   `json:"organization,omitempty"`
	SourceFromIndex string   `json:"source_from_index,omitempty"`
	TargetIndex     string   `json:"target_index,omitempty"`
	DeprecationList []string `json:"deprecation_list,omitempty"`

	FromIndexResolved   string `json:"from_index_resolved,omitempty"`
	BinaryImageResolved string `json:"binary_image_resolved,omitempty"`

	IndexImage         string            `json:"index_image,omitempty"`
	IndexImageResolved string            `json:"index_image_resolved,omitempty"`
	ArchDigests        map[string]string `json:"arch_digests,omitempty"`

	// Logs is only carried on batch reads; request detail clients use
	// the logs endpoint.
	Logs []string `json:"logs,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// BatchResponse represents a batch with its derived state and children.
type BatchResponse struct {
	ID          string                 `json:"id"`
	State       string                 `json:"state"`
	Annotations map[string]string      `json:"annotations,omitempty"`
	Requests    []BuildRequestResponse `json:"requests"`
}

// ListMeta carries pagination metadata for list responses.
type ListMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
	TotalItems int `json:"total_items"`
}

// BuildRequestListResponse is one page of build requests.
type BuildRequestListResponse struct {
	Items []BuildRequestResponse `json:"items"`
	Meta  ListMeta               `json:"meta"`
}
