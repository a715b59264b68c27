package routes

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterPreflight answers OPTIONS on every path. mux skips router
// middleware when a path matches with the wrong method, so without this route
// CORS preflights to GET/POST endpoints get a bare 405.
// Register it on the root router, whose middleware sets the CORS headers.
func RegisterPreflight(router *mux.Router) {
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
