// Package archive keeps a permanent copy of each school day's dismissals
// before they are rolled over.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"carline/dismissal/dbtypes"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
)

const keyPrefix = "archive/"

type Archiver interface {
	// Archive stores the given dismissals from one school's service date.
	Archive(ctx context.Context, schoolID, date string, dismissals []*dbtypes.Dismissal) error
}

// Day is the archived form of one school's service date.
type Day struct {
	SchoolID   string               `json:"schoolId"`
	Date       string               `json:"date"`
	ArchivedAt time.Time            `json:"archivedAt"`
	Dismissals []*dbtypes.Dismissal `json:"dismissals"`
}

// ObjectName is where a day's archive is written.  A day is archived at most
// once; later writes of the same day are dropped.
func ObjectName(schoolID, date string) string {
	return path.Join(keyPrefix, schoolID, date+".json")
}

// alreadyArchived reports whether a write failed only because the day's
// object already exists.
func alreadyArchived(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// GroupByDate splits dismissals by service date, preserving order.
func GroupByDate(ds []*dbtypes.Dismissal) map[string][]*dbtypes.Dismissal {
	out := map[string][]*dbtypes.Dismissal{}
	for _, d := range ds {
		out[d.Date] = append(out[d.Date], d)
	}
	return out
}

// GCSArchiver writes archives as JSON objects in a GCS bucket.
type GCSArchiver struct {
	gcs    *storage.Client
	bucket string
	now    func() time.Time
}

func NewGCS(gcs *storage.Client, bucket string) *GCSArchiver {
	return &GCSArchiver{
		gcs:    gcs,
		bucket: bucket,
		now:    time.Now,
	}
}

func (a *GCSArchiver) Archive(ctx context.Context, schoolID, date string, dismissals []*dbtypes.Dismissal) error {
	tracer := otel.Tracer("carline/dismissal/archive")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "GCSArchiver.Archive")
	defer span.End()

	span.SetAttributes(
		attribute.String("school", schoolID),
		attribute.String("date", date),
		attribute.Int("dismissals", len(dismissals)),
	)

	if err := a.write(ctx, schoolID, date, dismissals); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (a *GCSArchiver) write(ctx context.Context, schoolID, date string, dismissals []*dbtypes.Dismissal) error {
	now := a.now()
	data, err := json.Marshal(&Day{
		SchoolID:   schoolID,
		Date:       date,
		ArchivedAt: now,
		Dismissals: dismissals,
	})
	if err != nil {
		return fmt.Errorf("while marshaling archive: %w", err)
	}

	name := ObjectName(schoolID, date)
	obj := a.gcs.Bucket(a.bucket).Object(name)

	// Create condition: object does not currently exist.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"

	// Disable chunking.  Archives are small.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("while writing archive to object writer: %w", err)
	}

	if err := w.Close(); err != nil {
		if alreadyArchived(err) {
			slog.InfoContext(ctx, "Day already archived", slog.String("object", name))
			return nil
		}
		return fmt.Errorf("while closing object writer: %w", err)
	}

	return nil
}
