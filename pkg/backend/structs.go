package backend

// PageResponse is a representation of the response given by `/pdf-text/{bookId}`
type PageResponse struct {
	Success    bool     `json:"success"`
	Page       int      `json:"page"`
	Text       string   `json:"text"`
	Images     []string `json:"images,omitempty"`
	TotalPages *int     `json:"total_pages,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// RebuildRequest asks the backend to warm its disk cache for a batch of covers
type RebuildRequest struct {
	BookIDs []string `json:"book_ids"`
}

// RebuildResponse lists the covers the backend could not place in its disk cache
type RebuildResponse struct {
	MissingIDs []string `json:"missing_ids"`
}

// CoverStatus is the response of the `status=1` cover probe
type CoverStatus struct {
	Status string `json:"status"`
}

// CoverResponse is the raw outcome of a direct cover download
type CoverResponse struct {
	StatusCode  int
	ContentType string
	Data        []byte
}

// CancelRequest stores the session and kind of background work to abandon
type CancelRequest struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
}

// ErrorResponse matches the backend's error response format
type ErrorResponse struct {
	Error string `json:"error"`
}
