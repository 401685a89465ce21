package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/logger"
)

// Middleware carries what the HTTP wrappers share: the request logger and the
// cookie and environment settings they read per request.
type Middleware struct {
	log *logger.Logger
	cfg *config.Config
}

// New binds the wrappers to cfg. The logger is tagged so request lines can be
// told apart from service logs.
func New(log *logger.Logger, cfg *config.Config) *Middleware {
	return &Middleware{
		log: log.WithComponent("http"),
		cfg: cfg,
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError emits the same envelope the handlers use, for requests that
// never reach a handler.
func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
