package dropapi

import "encoding/json"

// Record is one source/target association. JSON names follow the backend
// wire format.
type Record struct {
	ID          string  `json:"id"`
	SourceID    int     `json:"dropperid"`
	TargetID    int     `json:"itemid"`
	MinQuantity int     `json:"minimum_quantity"`
	MaxQuantity int     `json:"maximum_quantity"`
	QuestID     int     `json:"questid"`
	Chance      float64 `json:"chance"`
	SourceName  string  `json:"dropper_name"`
	TargetName  string  `json:"item_name"`
}

// Kind says which side of a Record an ExistenceEntry identifier refers to.
type Kind string

const (
	KindSource Kind = "mob"
	KindTarget Kind = "item"
)

// ExistenceEntry reports whether an alternate identifier has image or record
// data behind it.
type ExistenceEntry struct {
	ID           int  `json:"id"`
	Kind         Kind `json:"type"`
	ImageExists  bool `json:"image_exist"`
	RecordExists bool `json:"drop_exist"`
}

// SearchResponse is the body of a successful search.
type SearchResponse struct {
	Data []Record `json:"data"`
}

// ExistenceResponse is the body of a successful existence check.
type ExistenceResponse struct {
	Results []ExistenceEntry `json:"results"`
}

// NamesResponse is the body of a successful names lookup.
type NamesResponse struct {
	Names []string `json:"names"`
}

// WriteResult is what the backend answers to a successful add or update.
type WriteResult struct {
	Message string      `json:"message"`
	ID      json.Number `json:"id"`
}

// ErrorBody is the JSON error shape shared by every endpoint.
type ErrorBody struct {
	Detail string `json:"detail"`
}
