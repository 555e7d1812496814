package webchat

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

const maxAPIBodyBytes = 256 << 10

// decodeJSON reads a single JSON object from the request body into dst.
func decodeJSON(w http.ResponseWriter, req *http.Request, op string, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxAPIBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			return chaterrors.Validation(op, "request body too large")
		case errors.Is(err, io.EOF):
			return chaterrors.Validation(op, "request body is empty")
		default:
			return chaterrors.Wrap(err, chaterrors.KindValidation, op, "request body must be a JSON object")
		}
	}
	return nil
}

func pathValue(req *http.Request, name string) string {
	return strings.TrimSpace(req.PathValue(name))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	chaterrors.WriteJSON(w, status, v)
}
