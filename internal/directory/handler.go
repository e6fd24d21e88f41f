package directory

import (
	"encoding/json"
	"net/http"

	"github.com/MrWong99/frontdesk/internal/observe"
)

// listing is the /api/companies response body.
type listing struct {
	Location  string    `json:"location"`
	Companies []Company `json:"companies"`
}

// Register adds GET /api/companies to mux. The optional q parameter filters
// and ranks the listing with [Directory.Search].
func (d *Directory) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/companies", d.serveCompanies)
}

func (d *Directory) serveCompanies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	res := listing{Location: d.Location(), Companies: d.Search(q)}
	observe.Logger(r.Context()).Debug("directory search", "query", q, "results", len(res.Companies))

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		observe.Logger(r.Context()).Warn("directory: encode response", "err", err)
	}
}
