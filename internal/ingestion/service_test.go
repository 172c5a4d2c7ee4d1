package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/dmquery/internal/domain"
	"github.com/rpattn/dmquery/internal/repository"
)

var assetView = domain.ViewReference{Space: "plant", ExternalID: "Asset", Version: "1"}

func newTestService(t *testing.T) (*Service, *repository.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewMemoryStore(logger)
	require.NoError(t, store.ApplyViews(context.Background(), []domain.View{
		{
			Ref:     assetView,
			UsedFor: domain.UsedForNode,
			Properties: map[string]domain.ViewProperty{
				"name":      {Type: domain.PropertyTypeText},
				"pressure":  {Type: domain.PropertyTypeFloat},
				"active":    {Type: domain.PropertyTypeBoolean},
				"installed": {Type: domain.PropertyTypeDate},
				"tags":      {Type: domain.PropertyTypeText, List: true},
				"parent":    {Type: domain.PropertyTypeDirectRelation, Target: &assetView},
			},
		},
	}))
	service := NewService(store, logger)
	service.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return service, store
}

func listNodes(t *testing.T, store *repository.MemoryStore) map[string]map[string]any {
	t.Helper()
	page, err := store.ListInstances(context.Background(), domain.ListRequest{
		InstanceType: domain.InstanceKindNode,
		Sources:      []domain.ViewReference{assetView},
		Limit:        -1,
	})
	require.NoError(t, err)
	out := make(map[string]map[string]any, len(page.Items))
	for _, item := range page.Items {
		out[item.ID().ExternalID] = item.Props().ForView(assetView)
	}
	return out
}

func TestServiceIngestCSV(t *testing.T) {
	service, store := newTestService(t)

	data := "\xEF\xBB\xBFexternalId,name,pressure,active,installed,tags,parent,colour\n" +
		"pump-1,Main pump,4.5,yes,2021-03-04,\"[\"\"hot\"\"]\",,red\n" +
		"pump-2,Spare pump,1.5,false,,,pump-1,blue\n" +
		"pump-3,Broken,high,true,,,,\n" +
		",No id,1,true,,,,\n"

	summary, err := service.Ingest(context.Background(), Request{
		View:     assetView,
		FileName: "assets.csv",
		Data:     strings.NewReader(data),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.TotalRows)
	assert.Equal(t, 2, summary.ValidRows)
	assert.Equal(t, 2, summary.InvalidRows)
	assert.Equal(t, []string{"colour"}, summary.IgnoredColumns)
	require.Len(t, summary.Errors, 2)
	assert.Equal(t, 4, summary.Errors[0].Row)
	assert.Contains(t, summary.Errors[0].Message, "pressure")
	assert.Contains(t, summary.Errors[1].Message, "external id is empty")

	nodes := listNodes(t, store)
	require.Len(t, nodes, 2)
	assert.Equal(t, map[string]any{
		"name":      "Main pump",
		"pressure":  4.5,
		"active":    true,
		"installed": "2021-03-04",
		"tags":      []any{"hot"},
	}, nodes["pump-1"])
	assert.Equal(t, map[string]any{"space": "plant", "externalId": "pump-1"}, nodes["pump-2"]["parent"])
	assert.Equal(t, false, nodes["pump-2"]["active"])
}

func TestServiceIngestXLSX(t *testing.T) {
	service, store := newTestService(t)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Asset list"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"id", "name", "pressure"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"valve-1", "Relief valve", 2.25}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	require.NoError(t, f.Close())

	headerRow := 1
	summary, err := service.Ingest(context.Background(), Request{
		View:             assetView,
		Space:            "site-a",
		FileName:         "assets.xlsx",
		ExternalIDColumn: "id",
		HeaderRowIndex:   &headerRow,
		Data:             &buf,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ValidRows)

	page, err := store.ListInstances(context.Background(), domain.ListRequest{InstanceType: domain.InstanceKindNode, Limit: -1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.NewInstanceID("site-a", "valve-1"), page.Items[0].ID())
	assert.Equal(t, int64(1700000000000), page.Items[0].Meta().CreatedTime)
	assert.Equal(t, 2.25, page.Items[0].Props().ForView(assetView)["pressure"])
}

func TestServiceIngestRejectsBadInput(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.Ingest(ctx, Request{View: assetView, FileName: "assets.json", Data: strings.NewReader("{}")})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = service.Ingest(ctx, Request{View: assetView, FileName: "assets.csv", Data: strings.NewReader("name\nx\n")})
	assert.ErrorContains(t, err, `column "externalId" is required`)

	missing := domain.ViewReference{Space: "plant", ExternalID: "Pipe", Version: "1"}
	_, err = service.Ingest(ctx, Request{View: missing, FileName: "assets.csv", Data: strings.NewReader("externalId\nx\n")})
	assert.ErrorIs(t, err, repository.ErrViewNotFound)
}

func TestHTTPHandler(t *testing.T) {
	service, store := newTestService(t)
	handler := NewHTTPHandler(service)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	require.NoError(t, form.WriteField("view", "plant:Asset/1"))
	part, err := form.CreateFormFile("file", "assets.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("externalId,name\npump-9,Backup\n"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.ValidRows)
	assert.Equal(t, "Backup", listNodes(t, store)["pump-9"]["name"])

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ingest", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
