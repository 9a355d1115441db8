package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// DBLogHandler is a slog.Handler that writes records to index_logs for one
// job. Records are also passed to Next when set. Grouped attributes are
// stored under dotted keys.
type DBLogHandler struct {
	DB    Execer
	JobID uuid.UUID
	Level slog.Leveler
	Next  slog.Handler

	attrs  map[string]interface{}
	prefix string
}

func NewDBLogHandler(db Execer, jobID uuid.UUID, next slog.Handler) *DBLogHandler {
	return &DBLogHandler{
		DB:    db,
		JobID: jobID,
		Level: slog.LevelInfo,
		Next:  next,
	}
}

func (h *DBLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.Level.Level()
}

func (h *DBLogHandler) Handle(ctx context.Context, r slog.Record) error {
	metadata := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		metadata[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(metadata, h.prefix, a)
		return true
	})

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	query := `
		INSERT INTO index_logs (job_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	// Jobs outlive the request that started them.
	_, err = h.DB.Exec(context.WithoutCancel(ctx), query, h.JobID, r.Time, r.Level.String(), r.Message, metaJSON)

	if h.Next != nil && h.Next.Enabled(ctx, r.Level) {
		next := r.Clone()
		next.AddAttrs(slog.String("job_id", h.JobID.String()))
		_ = h.Next.Handle(ctx, next)
	}
	return err
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make(map[string]interface{}, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		clone.attrs[k] = v
	}
	for _, a := range attrs {
		addAttr(clone.attrs, h.prefix, a)
	}
	if h.Next != nil {
		clone.Next = h.Next.WithAttrs(attrs)
	}
	return &clone
}

func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	if h.Next != nil {
		clone.Next = h.Next.WithGroup(name)
	}
	return &clone
}

func addAttr(dst map[string]interface{}, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			addAttr(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	if err, ok := v.Any().(error); ok {
		dst[prefix+a.Key] = err.Error()
		return
	}
	dst[prefix+a.Key] = v.Any()
}
