package xhttp

import "github.com/valyala/fasthttp"

const (
	StatusOK                  = fasthttp.StatusOK
	StatusBadRequest          = fasthttp.StatusBadRequest
	StatusNotFound            = fasthttp.StatusNotFound
	StatusRequestTimeout      = fasthttp.StatusRequestTimeout
	StatusInternalServerError = fasthttp.StatusInternalServerError
	StatusServiceUnavailable  = fasthttp.StatusServiceUnavailable
)

// StatusText returns the canonical reason phrase for an HTTP status code.
func StatusText(code int) string {
	return fasthttp.StatusMessage(code)
}
