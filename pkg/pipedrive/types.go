package pipedrive

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Ref is a link from a deal to a person or organization. The API sends
// either a bare id, an object with value and name, or null.
type Ref struct {
	ID   int    `json:"value"`
	Name string `json:"name"`
}

// UnmarshalJSON accepts a number, an object or null.
func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Ref{}
		return nil
	}
	if data[0] != '{' {
		id, err := strconv.Atoi(string(bytes.Trim(data, `"`)))
		if err != nil {
			return err
		}
		*r = Ref{ID: id}
		return nil
	}
	type plain Ref
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Ref(p)
	return nil
}

// Deal is one CRM deal.
type Deal struct {
	ID         int     `json:"id"`
	Title      string  `json:"title"`
	Value      float64 `json:"value"`
	Currency   string  `json:"currency"`
	Status     string  `json:"status"`
	PipelineID int     `json:"pipeline_id"`
	StageID    int     `json:"stage_id"`
	Person     Ref     `json:"person_id"`
	Org        Ref     `json:"org_id"`
}

// Entity is a person or organization with all custom fields kept by key.
type Entity struct {
	ID     int
	Name   string
	Fields map[string]json.RawMessage
}

// UnmarshalJSON keeps every field so custom-field hashes can be looked up.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	e.Fields = fields
	if raw, ok := fields["id"]; ok {
		_ = json.Unmarshal(raw, &e.ID)
	}
	if raw, ok := fields["name"]; ok {
		_ = json.Unmarshal(raw, &e.Name)
	}
	return nil
}

// Field returns a custom field as a string. Empty and null fields yield "".
func (e *Entity) Field(key string) string {
	raw, ok := e.Fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Pipeline is a sales funnel.
type Pipeline struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Filter is a saved deal filter.
type Filter struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Active bool   `json:"active_flag"`
}

// DealQuery selects a page of deals.
type DealQuery struct {
	PipelineID int
	FilterID   int
	Status     string
	Start      int
	Limit      int
}

// DealPage is one page of deals.
type DealPage struct {
	Deals     []Deal
	More      bool
	NextStart int
}

type envelope[T any] struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	Data           T      `json:"data"`
	AdditionalData struct {
		Pagination struct {
			Start     int  `json:"start"`
			Limit     int  `json:"limit"`
			More      bool `json:"more_items_in_collection"`
			NextStart int  `json:"next_start"`
		} `json:"pagination"`
	} `json:"additional_data"`
}

type searchResult struct {
	Items []struct {
		Item struct {
			ID int `json:"id"`
		} `json:"item"`
	} `json:"items"`
}
