package http

import (
	"net/http"
	"strings"

	"github.com/fjod/tableorder/internal/session"
	"github.com/go-chi/chi/v5"
)

const (
	HeaderSessionID       = "X-Session-Id"
	HeaderSessionMigrated = "X-Session-Migrated"
	HeaderTableNumber     = "X-Table-Number"
)

// sessionFields is embedded in every request body that may carry the
// older body-level session shape.
type sessionFields struct {
	SessionID   *string `json:"sessionId" validate:"omitempty,max=128"`
	TableNumber *string `json:"tableNumber" validate:"omitempty,max=64"`
}

// sessionRequest selects exactly one session id source, header first, then
// the URL path, then the body. Table context comes from the shape that
// supplied the id: the x-table-number header for the header shape, the body
// tableNumber or the table query parameter for the older path and body
// shapes. Without any session id the first table source present wins.
func sessionRequest(r *http.Request, body sessionFields) session.Request {
	var req session.Request

	if v, ok := r.Header[HeaderSessionID]; ok && len(v) > 0 {
		req.SessionID, req.Source = v[0], session.SourceHeader
	} else if id := chi.URLParam(r, "session_id"); id != "" {
		req.SessionID, req.Source = id, session.SourcePath
	} else if body.SessionID != nil {
		req.SessionID, req.Source = *body.SessionID, session.SourceBody
	}

	headerTable := r.Header.Get(HeaderTableNumber)
	queryTable := r.URL.Query().Get("table")
	var bodyTable string
	if body.TableNumber != nil {
		bodyTable = *body.TableNumber
	}

	switch req.Source {
	case session.SourceHeader:
		req.TableContext = headerTable
	case session.SourcePath, session.SourceBody:
		req.TableContext = firstNonEmpty(bodyTable, queryTable)
	default:
		req.TableContext = firstNonEmpty(headerTable, queryTable, bodyTable)
	}
	req.TableContext = strings.TrimSpace(req.TableContext)
	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// setSessionHeaders reports the effective session id to the client.
func setSessionHeaders(w http.ResponseWriter, sessionID string, migrated bool) {
	if sessionID != "" {
		w.Header().Set(HeaderSessionID, sessionID)
	}
	if migrated {
		w.Header().Set(HeaderSessionMigrated, "true")
	}
}
