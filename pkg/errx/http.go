package errx

import "net/http"

// HTTPErrorResponse is the JSON body written for failed requests
type HTTPErrorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Status    int            `json:"status"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ToHTTPResponse converts an Error to an HTTPErrorResponse
func (e *Error) ToHTTPResponse() HTTPErrorResponse {
	return HTTPErrorResponse{
		Code:    e.Code,
		Message: e.Message,
		Type:    string(e.Type),
		Status:  e.HTTPStatus,
		Details: e.Details,
	}
}

// Response maps any error to a status and body. Errors outside the errx
// hierarchy become a generic 500 so internal messages never reach clients.
func Response(err error) (int, HTTPErrorResponse) {
	if e, ok := As(err); ok {
		return e.HTTPStatus, e.ToHTTPResponse()
	}
	return http.StatusInternalServerError, HTTPErrorResponse{
		Code:    string(TypeInternal),
		Message: "Internal server error",
		Type:    string(TypeInternal),
		Status:  http.StatusInternalServerError,
	}
}
