package httpapi

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rpattn/dmquery/internal/export"
	"github.com/rpattn/dmquery/internal/query"
)

// handleExport runs a list, or a search when a query is given, and returns
// the rows as a CSV or XLSX attachment.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var body listBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	format, err := export.ParseFormat(body.Format)
	if err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	req, err := body.parse(s.edgePolicy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var result query.ListResult
	if body.Query != "" {
		result, err = s.executor(r).Search(r.Context(), req.view, req.selection, req.search)
	} else {
		result, err = s.executor(r).List(r.Context(), req.view, req.selection, req.list)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	rows, err := export.Write(&buf, format, result.Items)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("export rows: %w", err))
		return
	}
	s.logger.Info("exported rows",
		slog.String("view", req.view.String()),
		slog.String("format", string(format)),
		slog.Int("rows", rows))

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(req.view.String(), format)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Row-Count", strconv.Itoa(rows))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
