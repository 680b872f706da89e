package adapter

import "time"

// RetryPolicy controls how the query executor retries transient failures.
type RetryPolicy struct {
	// Count is the number of retries after the initial attempt.
	Count int `json:"count"`

	// Delay is the base delay; attempt n waits Delay * 2^n.
	Delay time.Duration `json:"delay"`

	// RetryableCodes is the taxonomy subset considered transient.
	RetryableCodes []ErrorCode `json:"retryableCodes,omitempty"`
}

// DefaultRetryPolicy matches connection-reset/timeout style failures only.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Count:          2,
		Delay:          200 * time.Millisecond,
		RetryableCodes: []ErrorCode{CodeConnection, CodeTimeout},
	}
}

// IsRetryable reports whether the policy covers the error's taxonomy code.
func (p RetryPolicy) IsRetryable(err error) bool {
	code := CodeOf(err)
	for _, c := range p.RetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}

// SortDirection orders a document-store sort key.
type SortDirection int

const (
	SortAscending  SortDirection = 1
	SortDescending SortDirection = -1
)

// SortField is one document-store sort criterion.
type SortField struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// QueryOptions tunes a single query execution. The zero value means "use the
// instance defaults".
type QueryOptions struct {
	// Timeout bounds the adapter call; zero falls back to the configured
	// query timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRows truncates the normalized result; zero means unbounded.
	MaxRows int64 `json:"maxRows,omitempty"`

	// FetchSize is a driver fetch/batch size hint for streaming reads.
	FetchSize int `json:"fetchSize,omitempty"`

	// Document-store specific.
	Sort       []SortField    `json:"sort,omitempty"`
	Projection map[string]int `json:"projection,omitempty"`

	// Retry overrides the instance retry policy when non-nil.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// Transform renames result columns (source name -> output name).
	Transform map[string]string `json:"transform,omitempty"`

	// Pagination; both must be positive to take effect.
	Page     int `json:"page,omitempty"`
	PageSize int `json:"pageSize,omitempty"`
}

// Merge fills unset fields from the given defaults and returns the result.
func (o QueryOptions) Merge(defaults QueryOptions) QueryOptions {
	if o.Timeout == 0 {
		o.Timeout = defaults.Timeout
	}
	if o.MaxRows == 0 {
		o.MaxRows = defaults.MaxRows
	}
	if o.FetchSize == 0 {
		o.FetchSize = defaults.FetchSize
	}
	if o.Retry == nil {
		o.Retry = defaults.Retry
	}
	if o.Sort == nil {
		o.Sort = defaults.Sort
	}
	if o.Projection == nil {
		o.Projection = defaults.Projection
	}
	return o
}

// Offset returns the row offset implied by the pagination settings.
func (o QueryOptions) Offset() int64 {
	if o.Page > 0 && o.PageSize > 0 {
		return int64(o.Page-1) * int64(o.PageSize)
	}
	return 0
}

// Limit returns the effective row limit, preferring pagination over MaxRows.
// Zero means unbounded.
func (o QueryOptions) Limit() int64 {
	if o.PageSize > 0 {
		return int64(o.PageSize)
	}
	return o.MaxRows
}

// ApplyTransform renames result columns in place per the transform map.
func (o QueryOptions) ApplyTransform(result *Result) {
	if len(o.Transform) == 0 || result == nil {
		return
	}
	for i, field := range result.Fields {
		if renamed, ok := o.Transform[field.Name]; ok {
			result.Fields[i].Name = renamed
		}
	}
	for _, row := range result.Rows {
		for from, to := range o.Transform {
			if value, ok := row[from]; ok {
				delete(row, from)
				row[to] = value
			}
		}
	}
}
