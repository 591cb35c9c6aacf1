package handler

import "net/http"

type emptyResponse struct {
	status int
}

func (e emptyResponse) Render(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(e.status)
	return nil
}

// Empty writes status without a body, such as 202 for a restore that
// completes asynchronously.
func Empty(status int) Response {
	return emptyResponse{status: status}
}
