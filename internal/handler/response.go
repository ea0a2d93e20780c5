package handler

// Response is the envelope returned by every JSON endpoint.
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Count   *int        `json:"count,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

// NewListResponse wraps a listing together with its element count.
func NewListResponse(data interface{}, count int) *Response {
	return &Response{
		Status: "success",
		Data:   data,
		Count:  &count,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}
