package airtable

import "github.com/basekick-labs/airlookup/pkg/models"

// Record is a single row returned by the list-records endpoint
type Record struct {
	ID          string                 `json:"id"`
	Fields      map[string]interface{} `json:"fields"`
	CreatedTime string                 `json:"createdTime"`
}

// Simplify drops everything except id, fields and createdTime
func (r Record) Simplify() models.SimplifiedRecord {
	fields := r.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return models.SimplifiedRecord{
		ID:          r.ID,
		Fields:      fields,
		CreatedTime: r.CreatedTime,
	}
}

// listResponse is one page of the list-records endpoint
type listResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}
