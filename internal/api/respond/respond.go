package respond

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"
)

// Error represents a standard structure for error responses.
type Error struct {
	Error string `json:"error"`
}

// Errors carries every failure of a rejected request.
type Errors struct {
	Error []string `json:"error"`
}

// JSON sends a JSON response with the specified HTTP status code and data.
func JSON(c *ginext.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// OK sends a 200 OK JSON response with data as the body.
func OK(c *ginext.Context, data interface{}) {
	JSON(c, http.StatusOK, data)
}

// Accepted sends a 202 Accepted JSON response.
func Accepted(c *ginext.Context, data interface{}) {
	JSON(c, http.StatusAccepted, data)
}

// Fail sends an error JSON response with the specified HTTP status code.
func Fail(c *ginext.Context, status int, err error) {
	JSON(c, status, Error{Error: err.Error()})
}

// FailMessage sends an error JSON response with a fixed message.
func FailMessage(c *ginext.Context, status int, msg string) {
	JSON(c, status, Error{Error: msg})
}

// FailAll sends a 400 Bad Request listing every validation failure.
func FailAll(c *ginext.Context, messages []string) {
	JSON(c, http.StatusBadRequest, Errors{Error: messages})
}
